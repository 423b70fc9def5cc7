package sched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Status is a task's lifecycle state. The string values are part of the
// snapshot format.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is the free-form payload a job body returns on success. It is kept
// on the record in memory and forwarded on run events; it is never
// interpreted by the scheduler.
type Result map[string]any

// JobFunc is a job body. It must honor ctx: on timeout or cancel the
// scheduler stops waiting, and a body that keeps running does so detached.
type JobFunc func(ctx context.Context) (Result, error)

// NoRetries requests an explicit max_retries of 0. The eligibility gate is
// error_count < max_retries, so a zero allowance blocks scheduled dispatch
// entirely; only forced runs can execute such a task.
const NoRetries = -1

// Defaults applied by AddTask.
const (
	DefaultMaxRetries = 3
	DefaultTimeout    = time.Hour
)

// TaskSpec describes a task for AddTask/AddCronTask.
//
// Zero values mean "use the default": MaxRetries 0 becomes 3 (use NoRetries
// for an explicit zero allowance), Timeout 0 becomes 1h. IntervalHours has
// no default and must be >= 1; Disabled inverts the default-enabled state.
type TaskSpec struct {
	ID            string
	Name          string
	Run           JobFunc
	IntervalHours int
	Disabled      bool
	MaxRetries    int
	Timeout       time.Duration
	Metadata      map[string]any
}

// task is one registry record. All fields are guarded by Manager.mu; the
// run* fields exist only while an execution is in flight.
type task struct {
	id       string
	name     string
	run      JobFunc
	enabled  bool
	metadata map[string]any

	// Recurrence: interval tasks carry whole hours; cron tasks carry a
	// parsed schedule and the original expression for snapshots.
	intervalHours int
	cronSched     cron.Schedule
	cronExpr      string

	status     Status
	lastRun    time.Time
	nextRun    time.Time
	errorCount int
	maxRetries int
	timeout    time.Duration

	lastResult Result
	lastErr    string
}

// nextRunAfter computes the follow-up run time after an attempt finishes.
// Interval tasks anchor to the top of the current hour; cron tasks follow
// their expression.
func (t *task) nextRunAfter(now time.Time) time.Time {
	if t.cronSched != nil {
		return t.cronSched.Next(now)
	}
	return floorToHour(now).Add(time.Duration(t.intervalHours) * time.Hour)
}

// floorToHour truncates to the start of the wall-clock hour in t's location.
func floorToHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// Snapshot is the serializable view of one task. Timestamps are RFC 3339
// strings or null.
type Snapshot struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Enabled        bool           `json:"enabled"`
	IntervalHours  int            `json:"interval_hours"`
	Schedule       string         `json:"schedule,omitempty"`
	Status         Status         `json:"status"`
	LastRun        *string        `json:"last_run"`
	NextRun        *string        `json:"next_run"`
	ErrorCount     int            `json:"error_count"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Metadata       map[string]any `json:"metadata"`
}

// SchedulerStatus aggregates the registry for status surfaces.
type SchedulerStatus struct {
	Running      bool       `json:"running"`
	TotalTasks   int        `json:"total_tasks"`
	EnabledTasks int        `json:"enabled_tasks"`
	Tasks        []Snapshot `json:"tasks"`
}

// Config tunes the loop. Zero values fall back to the defaults below.
type Config struct {
	PollInterval    time.Duration
	StopGrace       time.Duration
	SubmitQueueSize int
}

const (
	defaultPollInterval = time.Minute
	defaultStopGrace    = 10 * time.Second
	defaultSubmitQueue  = 64
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.SubmitQueueSize <= 0 {
		c.SubmitQueueSize = defaultSubmitQueue
	}
	return c
}

// Event types published on the bus.
const (
	EventTaskAdded    = "task.added"
	EventTaskRemoved  = "task.removed"
	EventTaskEnabled  = "task.enabled"
	EventTaskDisabled = "task.disabled"
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"
)

// Run outcome reasons carried on RunEvent.
const (
	ReasonOK        = "ok"
	ReasonError     = "error"
	ReasonTimeout   = "timeout"
	ReasonPanic     = "panic"
	ReasonCancelled = "cancelled"
)

// TaskEvent is the payload of task.* registry events.
type TaskEvent struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// RunEvent is the payload of run.* execution events. ErrorCount is the
// record's counter after the attempt was applied.
type RunEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCount int           `json:"error_count"`
	MaxRetries int           `json:"max_retries,omitempty"`
	Result     Result        `json:"result,omitempty"`
}

// submitReq crosses the bridge from RunTaskNow into the loop goroutine.
// The record pointer is resolved at submission time, matching remove/overwrite
// semantics: a replaced record's pending forced run targets the old record.
type submitReq struct {
	t *task
}
