// Package supervisor owns the lifecycle of named goroutines: panic capture,
// first-error retention, optional restart with backoff, and bounded waiting.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "tickd/pkg/logx"
)

// A healthy run at least this long resets the restart backoff window.
const healthyRunReset = 30 * time.Second

// Supervisor tracks goroutines spawned under one shared context. The first
// non-nil error (or recovered panic) is retained and reported by Wait.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	emu      sync.Mutex
	firstErr error

	started atomic.Uint64
	active  atomic.Int64

	wg       sync.WaitGroup
	waitOnce sync.Once
	waitCh   chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every sibling goroutine as soon as one of them
// returns a non-nil error or panics.
func WithCancelOnError(on bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = on }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, waitCh: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals every goroutine to stop. It does not wait; use Wait or Stop.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first retained error, nil while everything is healthy.
func (s *Supervisor) Err() error {
	s.emu.Lock()
	defer s.emu.Unlock()
	return s.firstErr
}

func (s *Supervisor) keep(err error) {
	if err == nil {
		return
	}
	s.emu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.emu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Counters is an operational signal only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Go runs fn on its own goroutine under the supervisor context. A panic is
// recovered and retained as the supervisor error; it never crashes the
// process. context.Canceled returns are treated as clean exits.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		err, pv, stack := s.runOnce(fn)
		switch {
		case pv != nil:
			s.log.Error("goroutine panicked",
				logx.String("name", name), logx.Any("panic", pv), logx.Stack(stack))
			s.keep(fmt.Errorf("panic in %s: %v", name, pv))
		case err != nil && !errors.Is(err, context.Canceled):
			s.keep(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Go0 is Go for functions with no error to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// runOnce invokes fn with panic isolation.
func (s *Supervisor) runOnce(fn func(ctx context.Context) error) (err error, pv any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pv = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(s.ctx)
	return
}

type restartPolicy struct {
	floor        time.Duration
	ceil         time.Duration
	maxRestarts  int // <=0: unlimited
	restartClean bool
	publishErr   bool
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.floor = min
		}
		if max > 0 {
			p.ceil = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the initial run is free.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithPublishFirstError retains the first failure on the supervisor while
// the loop keeps restarting.
func WithPublishFirstError(on bool) RestartOption {
	return func(p *restartPolicy) { p.publishErr = on }
}

// WithStopOnCleanExit stops the restart loop when fn returns nil.
// Enabled by default.
func WithStopOnCleanExit(on bool) RestartOption {
	return func(p *restartPolicy) { p.restartClean = !on }
}

// GoRestart runs fn and restarts it after errors or panics, backing off
// exponentially with jitter, until the context is cancelled. Meant for
// long-lived loops (pollers, watchers) that should self-heal.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	if pol.ceil < pol.floor {
		pol.ceil = pol.floor
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		delay := pol.floor
		restarts := 0
		for ctx.Err() == nil {
			began := time.Now()
			err, pv, stack := s.runOnce(fn)
			if pv != nil {
				s.log.Error("goroutine panicked (restart)",
					logx.String("name", name), logx.Any("panic", pv), logx.Stack(stack))
				err = fmt.Errorf("panic: %v", pv)
			}

			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if !pol.restartClean {
					return
				}
				err = errors.New("exited")
			}
			if pol.publishErr {
				s.keep(fmt.Errorf("%s: %w", name, err))
			}

			restarts++
			if pol.maxRestarts > 0 && restarts > pol.maxRestarts {
				s.log.Error("goroutine gave up after restarts",
					logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(began) >= healthyRunReset {
				delay = pol.floor
			}

			wait := jitter(delay)
			s.log.Warn("goroutine restarting",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if delay *= 2; delay > pol.ceil {
				delay = pol.ceil
			}
		}
	})
}

// jitter adds up to 20% on top of d.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// Stop cancels and waits, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx expires, and returns
// the retained first error (or the ctx error on timeout).
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.waitCh)
		}()
	})
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.waitCh:
		return s.Err()
	}
}
