package sched

import (
	"context"
	"fmt"
	"time"

	logx "tickd/pkg/logx"
)

type runResult struct {
	out      Result
	err      error
	panicked bool
}

// dispatch moves a record into the running state and hands the body to a
// worker goroutine. Only the loop goroutine calls it, so the mark-running
// step cannot race another dispatch of the same task. A record that is
// already running is skipped, not queued.
func (m *Manager) dispatch(t *task, forced bool) {
	m.mu.Lock()
	if t.status == StatusRunning {
		m.mu.Unlock()
		if forced {
			m.log.Warn("manual run skipped: task already running", logx.String("task", t.id))
		}
		return
	}
	start := time.Now()
	t.status = StatusRunning
	t.lastRun = start
	timeout := t.timeout
	pctx, cancel := context.WithCancel(context.Background())
	m.inflight[t] = cancel
	m.mu.Unlock()

	m.log.Info("task starting",
		logx.String("task", t.id), logx.String("name", t.name), logx.Bool("forced", forced))
	m.publish(EventRunStarted, RunEvent{ID: t.id, Name: t.name, StartedAt: start})

	m.runWG.Add(1)
	go m.execute(t, pctx, timeout, start)
}

// execute runs the body under its timeout and applies the outcome. The body
// goroutine is not joined: when the deadline fires or the run is cancelled,
// the record is settled immediately and a body that ignores its context
// keeps running detached until it notices.
func (m *Manager) execute(t *task, pctx context.Context, timeout time.Duration, start time.Time) {
	defer m.runWG.Done()

	ctx, done := context.WithTimeout(pctx, timeout)
	defer done()

	resCh := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("task panicked",
					logx.String("task", t.id), logx.Any("panic", r),
					logx.Stack(logx.StackTrace(4, 32)))
				resCh <- runResult{err: fmt.Errorf("panic: %v", r), panicked: true}
			}
		}()
		out, err := t.run(ctx)
		resCh <- runResult{out: out, err: err}
	}()

	select {
	case res := <-resCh:
		switch {
		case res.err == nil && !res.panicked:
			m.finishRun(t, start, res.out, nil, ReasonOK)
		case res.panicked:
			m.finishRun(t, start, nil, res.err, ReasonPanic)
		case pctx.Err() != nil:
			// The body wound down because the run was cancelled; its error
			// is the cancellation, not a failure.
			m.finishRun(t, start, nil, context.Canceled, ReasonCancelled)
		case ctx.Err() != nil:
			m.finishRun(t, start, nil, fmt.Errorf("timed out after %s", timeout), ReasonTimeout)
		default:
			m.finishRun(t, start, nil, res.err, ReasonError)
		}
	case <-ctx.Done():
		if pctx.Err() != nil {
			m.finishRun(t, start, nil, context.Canceled, ReasonCancelled)
		} else {
			m.finishRun(t, start, nil, fmt.Errorf("timed out after %s", timeout), ReasonTimeout)
		}
	}
}

// finishRun applies one attempt's outcome to the record and reschedules it.
// The next run time is recomputed on every outcome, success or not; a
// record past its retry ceiling keeps the fresh next_run but the scan
// refuses to dispatch it. The record pointer is used directly, so an
// attempt that outlived its registry entry settles the detached record.
func (m *Manager) finishRun(t *task, start time.Time, out Result, err error, reason string) {
	finished := time.Now()
	next := t.nextRunAfter(finished)

	m.mu.Lock()
	delete(m.inflight, t)
	t.nextRun = next
	t.lastResult = out
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	switch reason {
	case ReasonOK:
		t.status = StatusCompleted
		t.errorCount = 0
	case ReasonCancelled:
		t.status = StatusCancelled
	default:
		t.status = StatusFailed
		t.errorCount++
	}
	errCount, maxRetries := t.errorCount, t.maxRetries
	m.mu.Unlock()

	took := finished.Sub(start)
	ev := RunEvent{
		ID:         t.id,
		Name:       t.name,
		StartedAt:  start,
		FinishedAt: finished,
		Duration:   took,
		Reason:     reason,
		ErrorCount: errCount,
		MaxRetries: maxRetries,
		Result:     out,
	}
	if err != nil {
		ev.Error = err.Error()
	}

	switch reason {
	case ReasonOK:
		m.log.Info("task completed",
			logx.String("task", t.id), logx.Duration("took", took),
			logx.Time("next_run", next))
		m.publish(EventRunCompleted, ev)
	case ReasonCancelled:
		m.log.Warn("task cancelled",
			logx.String("task", t.id), logx.Duration("took", took))
		m.publish(EventRunCancelled, ev)
	case ReasonTimeout:
		m.log.Error("task timed out",
			logx.String("task", t.id), logx.Duration("took", took),
			logx.Int("error_count", errCount), logx.Int("max_retries", maxRetries))
		m.publish(EventRunFailed, ev)
	default:
		m.log.Error("task failed",
			logx.String("task", t.id), logx.Err(err), logx.Duration("took", took),
			logx.Int("error_count", errCount), logx.Int("max_retries", maxRetries))
		m.publish(EventRunFailed, ev)
	}

	if reason != ReasonOK && reason != ReasonCancelled && errCount >= maxRetries {
		m.log.Error("task reached retry ceiling, scheduling stalled",
			logx.String("task", t.id), logx.Int("error_count", errCount))
	}
}
