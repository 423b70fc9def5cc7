package alert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/sched"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

// fakeSender records delivered texts. It can fail the first failN calls
// and, when block is set, holds every send until the channel is closed.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	calls int
	failN int

	block   chan struct{}
	started chan struct{} // closed when the first send begins
}

func (f *fakeSender) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	started := f.started
	block := f.block
	f.mu.Unlock()

	if started != nil && call == 1 {
		close(started)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if call <= f.failN {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fastConfig keeps retries and rate limiting out of the way unless a test
// opts in.
func fastConfig() Config {
	return Config{Enabled: true, Workers: 1, RatePerSec: 1000}
}

func stopService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNotifyWhenDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), "job", "k", "text"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify with Enabled=false = %v, want ErrDisabled", err)
	}

	// Enabled but without a sender is still disabled.
	s = New(Config{Enabled: true}, nil, logx.Nop(), nil, nil)
	if s.Enabled() {
		t.Fatal("Enabled = true without a sender")
	}
	if err := s.Notify(context.Background(), "job", "k", "text"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify without sender = %v, want ErrDisabled", err)
	}
}

func TestNotifyBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), "job", "k", "text"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify before Start = %v, want ErrStopped", err)
	}
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, logx.Nop(), nil, nil)
	s.Start(context.Background())
	t.Cleanup(func() { stopService(t, s) })

	if err := s.Notify(context.Background(), "job", "", "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(snd.texts()) == 1 })
	if got := snd.texts()[0]; got != "hello" {
		t.Fatalf("sent %q, want %q", got, "hello")
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	s := New(cfg, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for _, n := range []struct{ key, text string }{
		{"key1", "first"},
		{"key1", "second"}, // same bucket, suppressed
		{"key2", "third"},
		{"", "fourth"}, // empty key bypasses dedup
	} {
		if err := s.Notify(context.Background(), "job", n.key, n.text); err != nil {
			t.Fatalf("Notify(%q): %v", n.text, err)
		}
	}
	stopService(t, s) // drains the queue

	got := snd.texts()
	if len(got) != 3 {
		t.Fatalf("sent %d alerts %v, want 3", len(got), got)
	}
	for _, text := range got {
		if text == "second" {
			t.Fatal("suppressed alert was sent")
		}
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	started := make(chan struct{})
	snd := &fakeSender{block: block, started: started}

	cfg := fastConfig()
	cfg.QueueSize = 1
	s := New(cfg, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())
	t.Cleanup(func() { stopService(t, s) })

	if err := s.Notify(context.Background(), "job", "", "one"); err != nil {
		t.Fatalf("Notify one: %v", err)
	}
	<-started // the single worker now holds "one" mid-send

	if err := s.Notify(context.Background(), "job", "", "two"); err != nil {
		t.Fatalf("Notify two: %v", err)
	}
	if err := s.Notify(context.Background(), "job", "", "three"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Notify three = %v, want ErrQueueFull", err)
	}

	close(block)
	waitFor(t, "drain", func() bool { return len(snd.texts()) == 2 })
	if got := snd.texts(); got[0] != "one" || got[1] != "two" {
		t.Fatalf("sent %v, want [one two]", got)
	}
}

func TestRetryEventuallyDelivers(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{failN: 2}
	cfg := fastConfig()
	cfg.RetryMax = 3
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	s := New(cfg, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())
	t.Cleanup(func() { stopService(t, s) })

	if err := s.Notify(context.Background(), "job", "", "flaky"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "retried delivery", func() bool { return len(snd.texts()) == 1 })
	if got := snd.callCount(); got != 3 {
		t.Fatalf("send attempts = %d, want 3", got)
	}
}

func TestIntakeTurnsRunFailuresIntoAlerts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, logx.Nop(), bus, nil)
	s.Start(context.Background())
	t.Cleanup(func() { stopService(t, s) })

	bus.Publish(eventbus.Event{Type: sched.EventRunFailed, Data: sched.RunEvent{
		ID:         "daily_cache_refresh",
		Name:       "Daily cache refresh",
		Reason:     sched.ReasonError,
		Error:      "redis unreachable",
		ErrorCount: 3,
		MaxRetries: 3,
	}})

	waitFor(t, "alert from bus event", func() bool { return len(snd.texts()) == 1 })
	text := snd.texts()[0]
	for _, want := range []string{"Daily cache refresh", "redis unreachable", "3/3", "stalled"} {
		if !strings.Contains(text, want) {
			t.Fatalf("alert text %q missing %q", text, want)
		}
	}
}

func TestPersistDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "tickd.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true

	first := &fakeSender{}
	s1 := New(cfg, first, logx.Nop(), nil, st)
	s1.Start(context.Background())
	if err := s1.Notify(context.Background(), "job", "stable-key", "boom"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	stopService(t, s1) // flushes the persisted dedup write
	if len(first.texts()) != 1 {
		t.Fatalf("first instance sent %d, want 1", len(first.texts()))
	}

	second := &fakeSender{}
	s2 := New(cfg, second, logx.Nop(), nil, st)
	s2.Start(context.Background())
	if err := s2.Notify(context.Background(), "job", "stable-key", "boom again"); err != nil {
		t.Fatalf("Notify after restart: %v", err)
	}
	stopService(t, s2)
	if got := second.texts(); len(got) != 0 {
		t.Fatalf("restart instance sent %v, want suppression via persisted dedup", got)
	}
}

func TestFormatRunFailure(t *testing.T) {
	t.Parallel()
	re := sched.RunEvent{
		ID:         "net_probe",
		Name:       "Network latency probe",
		Reason:     sched.ReasonTimeout,
		Error:      "timed out after 3m0s",
		ErrorCount: 1,
		MaxRetries: 2,
	}
	text := formatRunFailure(re)
	for _, want := range []string{
		"task failed: Network latency probe (net_probe)",
		"reason: timeout",
		"error: timed out after 3m0s",
		"errors: 1/2",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("text %q missing %q", text, want)
		}
	}
	if strings.Contains(text, "stalled") {
		t.Fatal("below the ceiling the stall note must be absent")
	}

	re.ErrorCount = 2
	if !strings.Contains(formatRunFailure(re), "stalled") {
		t.Fatal("at the ceiling the stall note must be present")
	}
}

func TestDedupKeyStable(t *testing.T) {
	t.Parallel()
	if dedupKey("a", "b") != dedupKey("a", "b") {
		t.Fatal("same inputs produced different keys")
	}
	if dedupKey("a", "b") == dedupKey("a", "c") {
		t.Fatal("different reasons collided")
	}
	if dedupKey("", "anything") != "" {
		t.Fatal("empty task id must disable dedup")
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("retryDelay(attempt=%d) = %v, want within [0, %v]", attempt, d, cfg.RetryMaxDelay)
		}
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	cfg := fastConfig()
	cfg.Workers = 2
	cfg.QueueSize = 32
	s := New(cfg, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for i := 0; i < 10; i++ {
		if err := s.Notify(context.Background(), "job", "", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	stopService(t, s)
	if got := len(snd.texts()); got != 10 {
		t.Fatalf("delivered %d after Stop, want 10", got)
	}
}
