package sched

import (
	"time"

	logx "tickd/pkg/logx"
)

// Start launches the scheduling loop. Calling it while the loop is running
// logs a warning and does nothing; calling it while a previous Stop is
// still draining blocks until the drain completes, then starts fresh.
func (m *Manager) Start() {
	for {
		m.mu.Lock()
		if m.stopDone != nil {
			done := m.stopDone
			m.mu.Unlock()
			<-done
			continue
		}
		if m.stopCh != nil {
			m.mu.Unlock()
			m.log.Warn("scheduler already running")
			return
		}
		m.submitCh = make(chan submitReq, m.cfg.SubmitQueueSize)
		m.stopCh = make(chan struct{})
		m.loopDone = make(chan struct{})
		stopCh, submitCh, loopDone := m.stopCh, m.submitCh, m.loopDone
		tasks := len(m.tasks)
		m.mu.Unlock()

		go m.runLoop(stopCh, submitCh, loopDone)
		m.log.Info("scheduler started",
			logx.Duration("poll", m.cfg.PollInterval), logx.Int("tasks", tasks))
		return
	}
}

// Stop shuts the loop down and waits for in-flight runs, bounded by the
// grace window. Once the window elapses, remaining run contexts are
// cancelled and the runs finish as cancelled. Stop on a stopped scheduler
// is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.runningLocked() {
		m.mu.Unlock()
		return
	}
	stopDone := make(chan struct{})
	m.stopDone = stopDone
	close(m.stopCh)
	loopDone := m.loopDone
	grace := m.cfg.StopGrace
	m.mu.Unlock()

	m.log.Info("scheduler stopping", logx.Duration("grace", grace))
	<-loopDone

	drained := make(chan struct{})
	go func() {
		m.runWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(grace):
		m.log.Warn("grace window elapsed with runs in flight, cancelling them")
		m.cancelInflight()
		<-drained
	}

	m.mu.Lock()
	m.stopCh = nil
	m.loopDone = nil
	m.submitCh = nil
	m.stopDone = nil
	m.mu.Unlock()
	close(stopDone)
	m.log.Info("scheduler stopped")
}

func (m *Manager) cancelInflight() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.inflight {
		cancel()
	}
}

// runLoop scans the registry, dispatches due tasks, then sleeps one poll
// interval while serving forced-run submissions. It is the only goroutine
// that dispatches, which keeps the already-running guard race-free.
func (m *Manager) runLoop(stopCh <-chan struct{}, submitCh <-chan submitReq, done chan<- struct{}) {
	defer close(done)
	m.log.Debug("scheduler loop running")

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		m.tick()

		timer := time.NewTimer(m.cfg.PollInterval)
	wait:
		for {
			select {
			case <-stopCh:
				timer.Stop()
				return
			case req := <-submitCh:
				m.dispatch(req.t, true)
			case <-timer.C:
				break wait
			}
		}
	}
}

// tick dispatches every eligible task. A panic in the scan itself is
// logged and the loop moves on to the next interval.
func (m *Manager) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("scheduler tick panicked",
				logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
		}
	}()

	now := time.Now()
	for _, t := range m.collectDue(now) {
		m.dispatch(t, false)
	}
}

// collectDue returns the tasks eligible for dispatch at now: enabled, not
// already running, due, and below the retry ceiling. A record at the
// ceiling stays registered but is skipped until a successful run resets
// its counter.
func (m *Manager) collectDue(now time.Time) []*task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*task
	for _, t := range m.tasks {
		if !t.enabled || t.status == StatusRunning {
			continue
		}
		if t.nextRun.IsZero() || t.nextRun.After(now) {
			continue
		}
		if t.errorCount >= t.maxRetries {
			continue
		}
		due = append(due, t)
	}
	return due
}
