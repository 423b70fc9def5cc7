package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      time.Duration // drop run records older than this; 0 means 30 days
}

// RunRecord is one finished execution attempt.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	TookMS     int64     `json:"took_ms"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	ErrorCount int       `json:"error_count"`
	ResultJSON string    `json:"result,omitempty"`
}

const defaultRetain = 30 * 24 * time.Hour

func (c Config) retain() time.Duration {
	if c.Retain <= 0 {
		return defaultRetain
	}
	return c.Retain
}
