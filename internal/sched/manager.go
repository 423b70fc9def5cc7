package sched

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

// Manager owns the task registry and the scheduling loop lifecycle.
//
// All exported methods are safe for concurrent use. Registry mutations hold
// mu for field-level work only; job bodies never run under the lock.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	tasks    map[string]*task
	inflight map[*task]context.CancelFunc

	submitCh chan submitReq
	stopCh   chan struct{}
	stopDone chan struct{} // non-nil while stopping
	loopDone chan struct{}
	runWG    sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "sched")),
		bus:      bus,
		tasks:    make(map[string]*task),
		inflight: make(map[*task]context.CancelFunc),
	}
}

// AddTask registers (or overwrites) an interval task. The first run is due
// immediately: next_run is set to now and the status to pending.
func (m *Manager) AddTask(spec TaskSpec) bool {
	t, ok := m.buildTask(spec)
	if !ok {
		return false
	}
	if spec.IntervalHours < 1 {
		m.log.Error("task rejected: interval must be at least one hour",
			logx.String("task", spec.ID), logx.Int("interval_hours", spec.IntervalHours))
		return false
	}
	t.intervalHours = spec.IntervalHours
	t.nextRun = time.Now()
	m.insert(t)
	return true
}

// AddCronTask registers (or overwrites) a task whose recurrence follows a
// standard 5-field cron expression. Unlike interval tasks, the first run is
// the expression's next firing, not now.
func (m *Manager) AddCronTask(spec TaskSpec, expr string) bool {
	t, ok := m.buildTask(spec)
	if !ok {
		return false
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		m.log.Error("task rejected: bad cron expression",
			logx.String("task", spec.ID), logx.String("expr", expr), logx.Err(err))
		return false
	}
	t.cronSched = sched
	t.cronExpr = expr
	t.nextRun = sched.Next(time.Now())
	m.insert(t)
	return true
}

func (m *Manager) buildTask(spec TaskSpec) (*task, bool) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		m.log.Error("task rejected: empty id")
		return nil, false
	}
	if spec.Run == nil {
		m.log.Error("task rejected: nil job body", logx.String("task", id))
		return nil, false
	}
	if spec.Timeout < 0 {
		m.log.Error("task rejected: negative timeout", logx.String("task", id))
		return nil, false
	}

	maxRetries := spec.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = id
	}

	return &task{
		id:         id,
		name:       name,
		run:        spec.Run,
		enabled:    !spec.Disabled,
		metadata:   spec.Metadata,
		status:     StatusPending,
		maxRetries: maxRetries,
		timeout:    timeout,
	}, true
}

func (m *Manager) insert(t *task) {
	m.mu.Lock()
	_, existed := m.tasks[t.id]
	m.tasks[t.id] = t
	m.mu.Unlock()

	if existed {
		m.log.Warn("task already exists, replacing", logx.String("task", t.id))
	}
	m.log.Info("task added", logx.String("task", t.id), logx.String("name", t.name),
		logx.Int("interval_hours", t.intervalHours), logx.Bool("enabled", t.enabled))
	m.publish(EventTaskAdded, TaskEvent{ID: t.id, Name: t.name, At: time.Now()})
}

// RemoveTask deletes a task from the registry. An in-flight execution keeps
// its own reference and runs to completion; its final state update lands on
// the removed record, invisibly.
func (m *Manager) RemoveTask(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.log.Info("task removed", logx.String("task", id))
	m.publish(EventTaskRemoved, TaskEvent{ID: id, Name: t.name, At: time.Now()})
	return true
}

// EnableTask marks a task dispatchable again. It does not clear the error
// counter; a ceiling-stalled task stays stalled until a successful run.
func (m *Manager) EnableTask(id string) bool {
	return m.setEnabled(id, true)
}

// DisableTask stops future dispatch. A currently running execution is not
// interrupted.
func (m *Manager) DisableTask(id string) bool {
	return m.setEnabled(id, false)
}

func (m *Manager) setEnabled(id string, enabled bool) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		t.enabled = enabled
	}
	var name string
	if ok {
		name = t.name
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if enabled {
		m.log.Info("task enabled", logx.String("task", id))
		m.publish(EventTaskEnabled, TaskEvent{ID: id, Name: name, At: time.Now()})
	} else {
		m.log.Info("task disabled", logx.String("task", id))
		m.publish(EventTaskDisabled, TaskEvent{ID: id, Name: name, At: time.Now()})
	}
	return true
}

// TaskInfo returns a snapshot of one task.
func (m *Manager) TaskInfo(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshotLocked(), true
}

// TasksInfo returns snapshots of every task, order unspecified.
func (m *Manager) TasksInfo() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.snapshotLocked())
	}
	return out
}

// Status aggregates the registry with the loop's running flag.
func (m *Manager) Status() SchedulerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := SchedulerStatus{
		Running:    m.runningLocked(),
		TotalTasks: len(m.tasks),
		Tasks:      make([]Snapshot, 0, len(m.tasks)),
	}
	for _, t := range m.tasks {
		if t.enabled {
			st.EnabledTasks++
		}
		st.Tasks = append(st.Tasks, t.snapshotLocked())
	}
	return st
}

// Running reports whether the scheduling loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() bool {
	return m.stopCh != nil && m.stopDone == nil
}

// RunTaskNow submits a forced execution through the bridge. It returns true
// once the request is accepted by the loop's queue; false if the id is
// unknown, the task is disabled, the loop is not running, or the queue is
// full. Acceptance is not completion.
//
// A forced run bypasses the due-time check and the retry ceiling. If the
// task is already running when the request is served, the execution side
// refuses the re-entrant run.
func (m *Manager) RunTaskNow(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	ch := m.submitCh
	running := m.runningLocked()
	enabled := ok && t.enabled
	m.mu.Unlock()

	if !ok {
		m.log.Warn("manual run refused: unknown task", logx.String("task", id))
		return false
	}
	if !enabled {
		m.log.Warn("manual run refused: task disabled", logx.String("task", id))
		return false
	}
	if !running || ch == nil {
		m.log.Warn("manual run refused: scheduler not running", logx.String("task", id))
		return false
	}

	select {
	case ch <- submitReq{t: t}:
		m.log.Info("manual run submitted", logx.String("task", id))
		return true
	default:
		m.log.Warn("manual run refused: submit queue full", logx.String("task", id))
		return false
	}
}

// CancelTask cancels the in-flight execution of a running task. The run
// finishes as cancelled with the error counter untouched. Returns false if
// the id is unknown or the task is not currently running.
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()
	var cancel context.CancelFunc
	if t, ok := m.tasks[id]; ok {
		cancel = m.inflight[t]
	}
	m.mu.Unlock()

	if cancel == nil {
		return false
	}
	m.log.Info("task cancel requested", logx.String("task", id))
	cancel()
	return true
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// snapshotLocked requires m.mu held.
func (t *task) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:             t.id,
		Name:           t.name,
		Enabled:        t.enabled,
		IntervalHours:  t.intervalHours,
		Schedule:       t.cronExpr,
		Status:         t.status,
		ErrorCount:     t.errorCount,
		MaxRetries:     t.maxRetries,
		TimeoutSeconds: int(t.timeout / time.Second),
		Metadata:       t.metadata,
	}
	if !t.lastRun.IsZero() {
		ts := t.lastRun.Format(time.RFC3339Nano)
		s.LastRun = &ts
	}
	if !t.nextRun.IsZero() {
		ts := t.nextRun.Format(time.RFC3339Nano)
		s.NextRun = &ts
	}
	return s
}
