package app

import (
	"fmt"
	"strings"
	"time"

	"tickd/internal/alert"
	"tickd/internal/cache"
	"tickd/internal/config"
	"tickd/internal/jobs"
	"tickd/internal/observability/pprof"
	"tickd/internal/sched"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:        cfg.Logging.File.Enabled,
			Path:           cfg.Logging.File.Path,
			MaxLinesPerSec: cfg.Logging.File.MaxLinesPerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) sched.Config {
	if cfg == nil {
		return sched.Config{}
	}
	return sched.Config{
		PollInterval:    cfg.Scheduler.PollInterval.Std(),
		StopGrace:       cfg.Scheduler.StopGrace.Std(),
		SubmitQueueSize: cfg.Scheduler.SubmitQueueSize,
	}
}

// mapStorageConfig reports whether storage is enabled alongside its
// config. An unknown driver is a hard error so a typo cannot silently
// disable run history.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retain: sc.Retain.Std()}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy := sc.BusyTimeout.StdOrDefault(1 * time.Second)
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retain: sc.Retain.Std()}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapCacheConfig(cc *config.CacheConfig) cache.Config {
	if cc == nil {
		return cache.Config{}
	}
	return cache.Config{
		Addr:        cc.Addr,
		Password:    cc.Password,
		DB:          cc.DB,
		DialTimeout: cc.DialTimeout.Std(),
		OpTimeout:   cc.OpTimeout.Std(),
		TTLHours:    cc.TTLHours,
	}
}

func mapWarmerConfig(wc *config.WarmConfig) cache.WarmerConfig {
	if wc == nil {
		return cache.WarmerConfig{}
	}
	out := cache.WarmerConfig{
		Languages: append([]string(nil), wc.Languages...),
		Pause:     wc.Pause.Std(),
	}
	if len(wc.Texts) > 0 {
		out.Texts = make(map[string]string, len(wc.Texts))
		for k, v := range wc.Texts {
			out.Texts[k] = v
		}
	}
	return out
}

func mapAlertsConfig(ac *config.AlertsConfig) alert.Config {
	if ac == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:         ac.Enabled,
		Workers:         ac.Workers,
		QueueSize:       ac.QueueSize,
		RatePerSec:      ac.RatePerSec,
		RetryMax:        ac.RetryMax,
		RetryBase:       ac.RetryBase.Std(),
		RetryMaxDelay:   ac.RetryMaxDelay.Std(),
		DedupWindow:     ac.DedupWindow.Std(),
		DedupMaxEntries: ac.DedupMaxEntries,
		PersistDedup:    ac.PersistDedup,
	}
}

// alertCredsChanged reports whether the sender identity changed. The
// sender is built once at startup, so credential edits need a restart.
func alertCredsChanged(prev, next *config.AlertsConfig) bool {
	var pt, nt string
	var pc, nc int64
	if prev != nil {
		pt, pc = prev.Token, prev.ChatID
	}
	if next != nil {
		nt, nc = next.Token, next.ChatID
	}
	return pt != nt || pc != nc
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if cfg == nil {
		return pprof.Config{}
	}
	pc := cfg.Pprof
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          pc.Addr,
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,

		ReadTimeout:  pc.ReadTimeout.Std(),
		WriteTimeout: pc.WriteTimeout.Std(),
		IdleTimeout:  pc.IdleTimeout.Std(),

		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}
}

func mapJobsSettings(cfg *config.Config) jobs.Settings {
	if cfg == nil {
		return jobs.Settings{}
	}
	jc := cfg.Jobs
	return jobs.Settings{
		Refresh:        mapOverride(jc.Refresh),
		Cleanup:        mapOverride(jc.Cleanup),
		Health:         mapOverride(jc.Health),
		NetProbe:       mapOverride(jc.NetProbe),
		CleanupPattern: jc.CleanupPattern,
		ProbeServers:   jc.ProbeServers,
	}
}

func mapOverride(o *config.JobOverride) jobs.Override {
	if o == nil {
		return jobs.Override{}
	}
	return jobs.Override{
		Enabled:       o.Enabled,
		IntervalHours: o.IntervalHours,
		MaxRetries:    o.MaxRetries,
		Timeout:       o.Timeout.Std(),
	}
}

func mapDeclaredJobs(dj []config.DeclaredJob) []jobs.Declared {
	if len(dj) == 0 {
		return nil
	}
	out := make([]jobs.Declared, 0, len(dj))
	for _, d := range dj {
		out = append(out, jobs.Declared{
			ID:         d.ID,
			Name:       d.Name,
			Type:       d.Type,
			Schedule:   d.Schedule,
			MaxRetries: d.MaxRetries,
			Timeout:    d.Timeout.Std(),
			Disabled:   d.Disabled,
		})
	}
	return out
}

// validateConfig rejects configs that would break the daemon. It runs at
// startup and again before every hot reload commits.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Scheduler.SubmitQueueSize < 0 {
		return fmt.Errorf("scheduler.submit_queue_size must be >= 0")
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cc := cfg.Cache; cc != nil {
		if cc.DB < 0 {
			return fmt.Errorf("cache.db must be >= 0")
		}
		if cc.TTLHours < 0 {
			return fmt.Errorf("cache.ttl_hours must be >= 0")
		}
	}
	if ac := cfg.Alerts; ac != nil && ac.Enabled {
		if strings.TrimSpace(ac.Token) == "" {
			return fmt.Errorf("alerts.token is required when alerts.enabled is true")
		}
		if ac.ChatID == 0 {
			return fmt.Errorf("alerts.chat_id is required when alerts.enabled is true")
		}
	}
	return validateJobs(cfg.Jobs)
}

func validateJobs(jc config.JobsConfig) error {
	if jc.ProbeServers < 0 {
		return fmt.Errorf("jobs.probe_servers must be >= 0")
	}
	overrides := []struct {
		name string
		o    *config.JobOverride
	}{
		{"refresh", jc.Refresh},
		{"cleanup", jc.Cleanup},
		{"health", jc.Health},
		{"net_probe", jc.NetProbe},
	}
	for _, ov := range overrides {
		if ov.o == nil {
			continue
		}
		if ov.o.IntervalHours < 0 {
			return fmt.Errorf("jobs.%s.interval_hours must be >= 0", ov.name)
		}
		if ov.o.MaxRetries != nil && *ov.o.MaxRetries < 0 {
			return fmt.Errorf("jobs.%s.max_retries must be >= 0", ov.name)
		}
	}

	// Declared tasks: bad schedules are caught here, before the registry
	// ever sees them. Unknown type names stay a register-time skip so a
	// disabled leftover entry doesn't block unrelated edits.
	seen := make(map[string]bool, len(jc.Declared))
	for i, d := range jc.Declared {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("jobs.declared[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("jobs.declared: duplicate id %q", d.ID)
		}
		seen[d.ID] = true
		if _, err := sched.ParseSchedule(d.Schedule); err != nil {
			return fmt.Errorf("jobs.declared[%d] (%s): %w", i, d.ID, err)
		}
		if d.MaxRetries != nil && *d.MaxRetries < 0 {
			return fmt.Errorf("jobs.declared[%d] (%s): max_retries must be >= 0", i, d.ID)
		}
	}
	return nil
}
