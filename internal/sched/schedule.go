package sched

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind describes the normalized kind of a schedule string.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// ParsedSchedule represents a parsed schedule string.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "30 4 * * 1", "@daily"
//   - Whole hours: "24", "24h", "168h"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "every:" forces interval parsing
//
// Interval tasks recur in whole hours; durations with minute or second
// components are rejected rather than rounded.
type ParsedSchedule struct {
	Kind  ScheduleKind
	Cron  string
	Hours int
}

// ParseSchedule parses a schedule string into either a validated cron
// expression or an hour count.
func ParseSchedule(raw string) (ParsedSchedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSchedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSchedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(expr)
	}
	if strings.HasPrefix(low, "every:") {
		v := strings.TrimSpace(s[len("every:"):])
		h, err := parseHours(v)
		if err != nil {
			return ParsedSchedule{}, err
		}
		return ParsedSchedule{Kind: ScheduleInterval, Hours: h}, nil
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	h, err := parseHours(s)
	if err != nil {
		return ParsedSchedule{}, fmt.Errorf(
			"invalid schedule %q (use cron like '30 4 * * *', or whole hours like '24' or '24h')", raw)
	}
	return ParsedSchedule{Kind: ScheduleInterval, Hours: h}, nil
}

func parseCron(expr string) (ParsedSchedule, error) {
	if _, err := cron.ParseStandard(expr); err != nil {
		return ParsedSchedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSchedule{Kind: ScheduleCron, Cron: expr}, nil
}

func parseHours(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 1 {
			return 0, fmt.Errorf("interval must be at least one hour")
		}
		return n, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use whole hours like '24' or '24h')", v)
	}
	if d < time.Hour || d%time.Hour != 0 {
		return 0, fmt.Errorf("interval %q must be a whole number of hours", v)
	}
	return int(d / time.Hour), nil
}
