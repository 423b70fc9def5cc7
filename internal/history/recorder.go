// Package history records finished execution attempts into the storage
// layer and answers recent-run queries. It is a passive bus consumer: the
// scheduler never waits on it.
package history

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickd/internal/eventbus"
	"tickd/internal/sched"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

type Recorder struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

func New(log logx.Logger, bus eventbus.Bus, store storage.Store) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		log:   log.With(logx.String("comp", "history")),
		bus:   bus,
		store: store,
	}
}

// Enabled reports whether the recorder has a store to write to.
func (r *Recorder) Enabled() bool {
	return r.store != nil && r.bus != nil
}

// Start subscribes to finished-run events. Without a store it is a no-op.
func (r *Recorder) Start(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return
	}
	ch, unsub := r.bus.SubscribeTypes(256,
		sched.EventRunCompleted, sched.EventRunFailed, sched.EventRunCancelled)
	done := make(chan struct{})
	r.unsub = unsub
	r.done = done
	r.mu.Unlock()

	go r.loop(ctx, ch, done)
}

// Stop detaches from the bus and waits for the write loop to drain.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	done := r.done
	r.unsub = nil
	r.done = nil
	r.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	<-done
}

// Recent returns the newest attempts for one task, newest first. With
// history disabled it reports nothing rather than an error.
func (r *Recorder) Recent(ctx context.Context, taskID string, limit int) ([]storage.RunRecord, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.RecentRuns(ctx, taskID, limit)
}

func (r *Recorder) loop(ctx context.Context, ch <-chan eventbus.Event, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			rec, ok := toRecord(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := r.store.AppendRun(wctx, rec)
			cancel()
			if err != nil {
				r.log.Warn("run record write failed",
					logx.String("task", rec.TaskID), logx.Err(err))
			}
		}
	}
}

func toRecord(ev eventbus.Event) (storage.RunRecord, bool) {
	re, ok := ev.Data.(sched.RunEvent)
	if !ok {
		return storage.RunRecord{}, false
	}
	rec := storage.RunRecord{
		RunID:      uuid.NewString(),
		TaskID:     re.ID,
		TaskName:   re.Name,
		StartedAt:  re.StartedAt,
		FinishedAt: re.FinishedAt,
		TookMS:     re.Duration.Milliseconds(),
		Reason:     re.Reason,
		Error:      re.Error,
		ErrorCount: re.ErrorCount,
	}
	if len(re.Result) > 0 {
		if b, err := json.Marshal(re.Result); err == nil {
			rec.ResultJSON = string(b)
		}
	}
	return rec, true
}
