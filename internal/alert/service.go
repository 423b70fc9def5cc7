// Package alert turns run failures from the event bus into operator
// notifications: queue, worker pool, rate limit, retry, dedup.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickd/internal/eventbus"
	rtsup "tickd/internal/runtime/supervisor"
	"tickd/internal/sched"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerter stopped")
)

// Per-send call bound; keeps a hung sender from pinning a worker.
const sendCallTimeout = 10 * time.Second

type job struct {
	taskID string
	key    string
	text   string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is safe for concurrent use. Alert delivery is best-effort by
// design: a failed or dropped alert never affects the scheduler.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup

	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	unsub     func()
	stopDone  chan struct{} // non-nil while a stop is draining

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppress until
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps the config at runtime. Queue and worker sizing only take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Burst equals the per-second budget so short spikes go straight out.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start spins up intake, workers, and the optional dedup persister.
// Idempotent; a Start racing a previous Stop waits for the drain first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	workers := s.cfg.Workers
	sup, q, pch, st := s.sup, s.queue, s.persistCh, s.store

	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.SubscribeTypes(256, sched.EventRunFailed)
	}
	s.mu.Unlock()

	// Each loop exits cleanly when its input channel closes during Stop;
	// any earlier exit is unexpected and restarts.
	spawn := func(name string, loop func(context.Context)) {
		sup.GoRestart(name, func(c context.Context) error {
			loop(c)
			if s.stopping() || c.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("alert %s exited unexpectedly", name)
		}, rtsup.WithPublishFirstError(true))
	}

	if events != nil {
		ch := events
		spawn("intake", func(c context.Context) { s.intakeLoop(c, ch) })
	}
	if pch != nil {
		spawn("dedup.persist", func(c context.Context) { s.persistLoop(c, pch, st) })
	}
	for i := 0; i < workers; i++ {
		spawn(fmt.Sprintf("worker.%d", i), func(c context.Context) { s.workerLoop(c, q) })
	}
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop blocks new alerts and drains the queue, bounded by ctx. Past the
// deadline the remaining loops are cancelled and the drain finishes in the
// background.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	q, pch, sup, unsub := s.queue, s.persistCh, s.sup, s.unsub
	s.mu.Unlock()

	go func() {
		defer close(done)
		if unsub != nil {
			unsub()
		}
		// In-flight Notify calls finish enqueueing before the close.
		s.enqueueWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue, s.persistCh, s.sup, s.unsub, s.stopDone = nil, nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) intakeLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			re, ok := ev.Data.(sched.RunEvent)
			if !ok {
				continue
			}
			err := s.Notify(ctx, re.ID, dedupKey(re.ID, re.Reason), formatRunFailure(re))
			if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrDisabled) {
				s.log.Debug("alert enqueue failed", logx.String("task", re.ID), logx.Err(err))
			}
		}
	}
}

// formatRunFailure renders one failure event as a plain-text alert.
func formatRunFailure(re sched.RunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task failed: %s (%s)\nreason: %s", re.Name, re.ID, re.Reason)
	if re.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", re.Error)
	}
	fmt.Fprintf(&b, "\nerrors: %d/%d", re.ErrorCount, re.MaxRetries)
	if re.MaxRetries > 0 && re.ErrorCount >= re.MaxRetries {
		b.WriteString("\nretry ceiling reached; task is stalled until a run succeeds")
	}
	return b.String()
}

// Notify enqueues one alert. key selects the dedup bucket; an empty key
// bypasses dedup for this message.
func (s *Service) Notify(ctx context.Context, taskID, key, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled || s.sender == nil:
		s.mu.Unlock()
		return ErrDisabled
	case !s.accepting || s.queue == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	q, pch := s.queue, s.persistCh
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup && s.store != nil
	st := s.store
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	if window > 0 && key != "" && !s.dedupAllow(ctx, key, window, maxEntries, persist, st, pch) {
		s.publish("alert.deduped", AlertEvent{TaskID: taskID, Key: key, At: time.Now()})
		return nil
	}

	s.publish("alert.queued", AlertEvent{TaskID: taskID, Key: key, At: time.Now()})
	select {
	case q <- job{taskID: taskID, key: key, text: text}:
		return nil
	default:
		s.publish("alert.dropped", AlertEvent{TaskID: taskID, Key: key, At: time.Now(), Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, ev AlertEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(wctx, w.key, w.until)
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one alert with rate limiting and bounded retries.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, snd := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if snd == nil || j.text == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, sendCallTimeout)
		err := snd.SendText(callCtx, j.text)
		cancel()
		if err == nil {
			s.publish("alert.sent", AlertEvent{TaskID: j.taskID, Key: j.key, At: time.Now()})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))

		if attempt == attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}
	s.publish("alert.failed", AlertEvent{TaskID: j.taskID, Key: j.key, At: time.Now(), Error: lastErr.Error()})
}

// sleepCtx waits for d, false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// dedupKey buckets failures by task and reason, so a timeout and an error on
// the same task alert independently. Empty task ids get no dedup.
func dedupKey(taskID, reason string) string {
	if taskID == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(reason))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may alert now, and if so records the new
// suppression window. The persistent store extends dedup across restarts,
// best-effort with tight timeouts.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	until, held := s.dedup[key]
	s.dmu.Unlock()
	if held && now.Before(until) {
		return false
	}

	if persist {
		qctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(qctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until = now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	s.pruneDedupLocked(now, maxEntries)
	s.dmu.Unlock()

	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// pruneDedupLocked drops expired windows, then evicts the earliest-expiring
// entries until the cap holds. Requires s.dmu.
func (s *Service) pruneDedupLocked(now time.Time, maxEntries int) {
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var victim string
		var soonest time.Time
		for k, u := range s.dedup {
			if victim == "" || u.Before(soonest) {
				victim, soonest = k, u
			}
		}
		delete(s.dedup, victim)
	}
}

// retryDelay is exponential from RetryBase, capped at RetryMaxDelay, with
// +-30% jitter. attempt counts the send that just failed, starting at 1.
func retryDelay(cfg Config, attempt int) time.Duration {
	base, ceil := cfg.RetryBase, cfg.RetryMaxDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceil <= 0 {
		ceil = 10 * time.Second
	}

	d := base
	for i := 1; i < attempt && d < ceil; i++ {
		d *= 2
	}
	if d > ceil {
		d = ceil
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > ceil {
		d = ceil
	}
	return d
}
