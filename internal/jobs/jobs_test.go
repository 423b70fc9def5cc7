package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickd/internal/cache"
	"tickd/internal/sched"
	logx "tickd/pkg/logx"
)

type stubCache struct {
	pingErr  error
	stats    cache.Stats
	statsErr error
	mem      cache.MemoryInfo
	memErr   error

	scanned      int64
	purged       int64
	purgeErr     error
	purgePattern string
}

func (s *stubCache) Ping(context.Context) error { return s.pingErr }

func (s *stubCache) Stats(context.Context) (cache.Stats, error) { return s.stats, s.statsErr }

func (s *stubCache) MemoryInfo(context.Context) (cache.MemoryInfo, error) { return s.mem, s.memErr }

func (s *stubCache) PurgeStray(_ context.Context, pattern string) (int64, int64, error) {
	s.purgePattern = pattern
	return s.scanned, s.purged, s.purgeErr
}

type stubWarmer struct {
	stats cache.WarmStats
	err   error
	force bool
	calls int
}

func (s *stubWarmer) Warm(_ context.Context, force bool) (cache.WarmStats, error) {
	s.calls++
	s.force = force
	return s.stats, s.err
}

func depsFor(c Cache, w Warmer) Deps {
	return Deps{Cache: c, Warmer: w, Log: logx.Nop()}
}

func TestCacheRefreshForcesWarm(t *testing.T) {
	w := &stubWarmer{stats: cache.WarmStats{TotalTexts: 60, LanguagesProcessed: 10, TotalTranslations: 600}}
	job := CacheRefresh(depsFor(&stubCache{stats: cache.Stats{TotalKeys: 1}}, w))

	res, err := job(context.Background())
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if !w.force {
		t.Fatal("refresh must warm with force")
	}
	if res["languages_processed"] != 10 || res["translations"] != 600 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCacheRefreshFailsWhenUnreachable(t *testing.T) {
	w := &stubWarmer{}
	job := CacheRefresh(depsFor(&stubCache{pingErr: errors.New("refused")}, w))

	if _, err := job(context.Background()); err == nil {
		t.Fatal("want error when cache unreachable")
	}
	if w.calls != 0 {
		t.Fatal("must not warm an unreachable cache")
	}
}

func TestCacheRefreshFailsWhenNothingWarmed(t *testing.T) {
	w := &stubWarmer{stats: cache.WarmStats{TotalTexts: 60, Errors: 10}}
	job := CacheRefresh(depsFor(&stubCache{}, w))

	res, err := job(context.Background())
	if err == nil {
		t.Fatal("want error when every language failed")
	}
	if res["errors"] != 10 {
		t.Fatalf("partial result missing: %+v", res)
	}
}

func TestCacheRefreshToleratesPartialFailure(t *testing.T) {
	w := &stubWarmer{stats: cache.WarmStats{LanguagesProcessed: 8, TotalTranslations: 480, Errors: 2}}
	job := CacheRefresh(depsFor(&stubCache{}, w))

	res, err := job(context.Background())
	if err != nil {
		t.Fatalf("partial warmup must succeed: %v", err)
	}
	if res["errors"] != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCacheCleanupReportsRemaining(t *testing.T) {
	c := &stubCache{stats: cache.Stats{TotalKeys: 100}, scanned: 100, purged: 7}
	job := CacheCleanup(depsFor(c, nil), "translation:*")

	res, err := job(context.Background())
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if c.purgePattern != "translation:*" {
		t.Fatalf("pattern = %q", c.purgePattern)
	}
	if res["stray_keys_purged"] != int64(7) {
		t.Fatalf("purged = %v", res["stray_keys_purged"])
	}
	if res["total_keys_remaining"] != int64(93) {
		t.Fatalf("remaining = %v", res["total_keys_remaining"])
	}
}

func TestCacheCleanupFailsWhenUnreachable(t *testing.T) {
	job := CacheCleanup(depsFor(&stubCache{pingErr: errors.New("refused")}, nil), "")
	if _, err := job(context.Background()); err == nil {
		t.Fatal("want error when cache unreachable")
	}
}

func healthFlags(t *testing.T, res sched.Result) map[string]any {
	t.Helper()
	flags, ok := res["health_status"].(map[string]any)
	if !ok {
		t.Fatalf("no health_status in %+v", res)
	}
	return flags
}

func TestHealthCheckHealthy(t *testing.T) {
	c := &stubCache{
		stats: cache.Stats{TotalKeys: 42, IndividualTranslations: 30, BatchTranslations: 12},
		mem:   cache.MemoryInfo{UsedPercent: 12.5, UsedHuman: "1.0 MiB"},
	}
	res, err := HealthCheck(depsFor(c, nil))(context.Background())
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	flags := healthFlags(t, res)
	if flags["redis_connected"] != true || flags["cache_available"] != true || flags["memory_usage_ok"] != true {
		t.Fatalf("flags = %+v", flags)
	}
	if res["total_keys"] != int64(42) {
		t.Fatalf("total_keys = %v", res["total_keys"])
	}
}

func TestHealthCheckDisconnectedStillSucceeds(t *testing.T) {
	res, err := HealthCheck(depsFor(&stubCache{pingErr: errors.New("refused")}, nil))(context.Background())
	if err != nil {
		t.Fatalf("a degraded cache is a finding, not a job failure: %v", err)
	}
	flags := healthFlags(t, res)
	if flags["redis_connected"] != false || flags["cache_available"] != false {
		t.Fatalf("flags = %+v", flags)
	}
}

func TestHealthCheckMemoryPressureFlagged(t *testing.T) {
	c := &stubCache{stats: cache.Stats{TotalKeys: 10}, mem: cache.MemoryInfo{UsedPercent: 91.3}}
	res, err := HealthCheck(depsFor(c, nil))(context.Background())
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if healthFlags(t, res)["memory_usage_ok"] != false {
		t.Fatal("memory pressure not flagged")
	}
}

func TestHealthCheckProbeErrorFails(t *testing.T) {
	c := &stubCache{statsErr: errors.New("connection flapping")}
	if _, err := HealthCheck(depsFor(c, nil))(context.Background()); err == nil {
		t.Fatal("stats failure on a live connection must fail the run")
	}
}

type stubRegistry struct {
	tasks  []sched.TaskSpec
	crons  map[string]string
	reject bool
}

func (r *stubRegistry) AddTask(spec sched.TaskSpec) bool {
	if r.reject {
		return false
	}
	r.tasks = append(r.tasks, spec)
	return true
}

func (r *stubRegistry) AddCronTask(spec sched.TaskSpec, expr string) bool {
	if r.reject {
		return false
	}
	if r.crons == nil {
		r.crons = map[string]string{}
	}
	r.crons[spec.ID] = expr
	r.tasks = append(r.tasks, spec)
	return true
}

func (r *stubRegistry) find(id string) (sched.TaskSpec, bool) {
	for _, spec := range r.tasks {
		if spec.ID == id {
			return spec, true
		}
	}
	return sched.TaskSpec{}, false
}

func TestRegisterDefaults(t *testing.T) {
	reg := &stubRegistry{}
	on := true
	n := RegisterDefaults(reg, depsFor(&stubCache{}, &stubWarmer{}), Settings{
		Refresh:  Override{IntervalHours: 12},
		Health:   Override{Enabled: boolPtr(false)},
		NetProbe: Override{Enabled: &on},
	})
	if n != 4 {
		t.Fatalf("added = %d, want 4", n)
	}

	refresh, ok := reg.find(IDCacheRefresh)
	if !ok || refresh.IntervalHours != 12 {
		t.Fatalf("refresh override not applied: %+v", refresh)
	}
	health, _ := reg.find(IDHealthCheck)
	if !health.Disabled {
		t.Fatal("health override must disable the task")
	}
	cleanup, _ := reg.find(IDCacheCleanup)
	if cleanup.IntervalHours != 168 || cleanup.MaxRetries != 2 {
		t.Fatalf("cleanup defaults wrong: %+v", cleanup)
	}
	if _, ok := reg.find(IDNetProbe); !ok {
		t.Fatal("enabled net probe not registered")
	}
}

func TestRegisterDefaultsWithoutCache(t *testing.T) {
	reg := &stubRegistry{}
	if n := RegisterDefaults(reg, Deps{Log: logx.Nop()}, Settings{}); n != 0 {
		t.Fatalf("added = %d, want 0", n)
	}
}

func TestRegisterDeclared(t *testing.T) {
	reg := &stubRegistry{}
	retries := 5
	n := RegisterDeclared(reg, depsFor(&stubCache{}, &stubWarmer{}), Settings{}, []Declared{
		{ID: "nightly", Name: "Nightly refresh", Type: TypeCacheRefresh, Schedule: "cron:30 4 * * *", MaxRetries: &retries},
		{ID: "often", Name: "Frequent check", Type: TypeHealthCheck, Schedule: "every:2h", Timeout: time.Minute},
		{ID: "mystery", Name: "Unknown", Type: "reindex", Schedule: "24h"},
		{ID: "broken", Name: "Bad schedule", Type: TypeHealthCheck, Schedule: "every:banana"},
	})
	if n != 2 {
		t.Fatalf("added = %d, want 2", n)
	}
	if reg.crons["nightly"] != "30 4 * * *" {
		t.Fatalf("cron expr = %q", reg.crons["nightly"])
	}
	nightly, _ := reg.find("nightly")
	if nightly.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d", nightly.MaxRetries)
	}
	often, _ := reg.find("often")
	if often.IntervalHours != 2 || often.Timeout != time.Minute {
		t.Fatalf("interval task wrong: %+v", often)
	}
	if _, ok := reg.find("mystery"); ok {
		t.Fatal("unknown type must be skipped")
	}
	if _, ok := reg.find("broken"); ok {
		t.Fatal("bad schedule must be skipped")
	}
}

func boolPtr(b bool) *bool { return &b }
