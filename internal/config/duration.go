package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a config duration that unmarshals from either a Go duration
// string ("90s", "2h") or a bare number of seconds (90). Negative values
// are rejected; marshaling always produces the string form.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	if s[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		if v < 0 {
			return fmt.Errorf("duration %q must be >= 0", raw)
		}
		*d = Duration(v)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s: want a duration string or seconds", s)
	}
	if secs < 0 {
		return fmt.Errorf("duration %s must be >= 0", s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// StdOrDefault returns the duration, or def when unset.
func (d Duration) StdOrDefault(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}
