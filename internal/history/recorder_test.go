package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/sched"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

func newRecorder(t *testing.T) (*Recorder, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "tickd.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(logx.Nop(), bus, st), bus
}

func TestRecorderPersistsFinishedRuns(t *testing.T) {
	t.Parallel()
	rec, bus := newRecorder(t)
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)

	now := time.Now()
	bus.Publish(eventbus.Event{Type: sched.EventRunFailed, Data: sched.RunEvent{
		ID:         "health",
		Name:       "Redis health check",
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
		Duration:   time.Second,
		Reason:     sched.ReasonTimeout,
		Error:      "timed out after 1s",
		ErrorCount: 1,
		MaxRetries: 1,
	}})
	// Started events carry no outcome and must not be recorded.
	bus.Publish(eventbus.Event{Type: sched.EventRunStarted, Data: sched.RunEvent{
		ID: "health", StartedAt: now,
	}})
	bus.Publish(eventbus.Event{Type: sched.EventRunCompleted, Data: sched.RunEvent{
		ID:         "health",
		Name:       "Redis health check",
		StartedAt:  now,
		FinishedAt: now.Add(200 * time.Millisecond),
		Duration:   200 * time.Millisecond,
		Reason:     sched.ReasonOK,
		Result:     sched.Result{"healthy": true},
	}})

	deadline := time.Now().Add(2 * time.Second)
	var runs []storage.RunRecord
	for time.Now().Before(deadline) {
		var err error
		runs, err = rec.Recent(context.Background(), "health", 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(runs) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(runs) != 2 {
		t.Fatalf("recorded runs = %d, want 2", len(runs))
	}

	newest := runs[0]
	if newest.Reason != sched.ReasonOK || newest.ResultJSON == "" {
		t.Fatalf("newest record = %+v, want the completed run with a result payload", newest)
	}
	if newest.RunID == "" || newest.RunID == runs[1].RunID {
		t.Fatalf("run ids not unique: %q vs %q", newest.RunID, runs[1].RunID)
	}
	if runs[1].Error != "timed out after 1s" || runs[1].ErrorCount != 1 {
		t.Fatalf("failed record = %+v", runs[1])
	}
}

func TestRecorderDisabledWithoutStore(t *testing.T) {
	t.Parallel()
	rec := New(logx.Nop(), eventbus.New(), nil)
	if rec.Enabled() {
		t.Fatal("Enabled = true without a store")
	}
	rec.Start(context.Background())
	rec.Stop() // must not panic or block

	runs, err := rec.Recent(context.Background(), "any", 5)
	if err != nil || runs != nil {
		t.Fatalf("Recent on disabled recorder = %v/%v, want nil/nil", runs, err)
	}
}
