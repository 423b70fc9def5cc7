package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tickd/pkg/logx"
)

// SummarizeChange returns a compact sorted list of changed sections plus
// safe structured attrs for logging. Secrets (cache password, alert token,
// pprof token) are only ever surfaced as "set/unset" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Duration("scheduler.poll_interval", newCfg.Scheduler.PollInterval.Std()),
			logx.Duration("scheduler.stop_grace", newCfg.Scheduler.StopGrace.Std()),
			logx.Int("scheduler.submit_queue_size", newCfg.Scheduler.SubmitQueueSize),
		)
	}

	if !equalStorage(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		var pathSet bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		attrs = append(attrs,
			logx.String("storage.driver", driver),
			logx.Bool("storage.path_set", pathSet),
		)
	}

	if !equalCache(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		var addr string
		var passwordSet bool
		var ttl int
		if newCfg.Cache != nil {
			addr = strings.TrimSpace(newCfg.Cache.Addr)
			passwordSet = newCfg.Cache.Password != ""
			ttl = newCfg.Cache.TTLHours
		}
		attrs = append(attrs,
			logx.String("cache.addr", addr),
			logx.Bool("cache.password_set", passwordSet),
			logx.Int("cache.ttl_hours", ttl),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.declared_count", len(newCfg.Jobs.Declared)),
			logx.Bool("jobs.net_probe_enabled", overrideEnabled(newCfg.Jobs.NetProbe)),
		)
	}

	if !equalAlerts(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		var enabled, tokenSet bool
		var workers int
		if newCfg.Alerts != nil {
			enabled = newCfg.Alerts.Enabled
			tokenSet = newCfg.Alerts.Token != ""
			workers = newCfg.Alerts.Workers
		}
		attrs = append(attrs,
			logx.Bool("alerts.enabled", enabled),
			logx.Bool("alerts.token_set", tokenSet),
			logx.Int("alerts.workers", workers),
		)
	}

	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func equalStorage(a, b *StorageConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

func equalCache(a, b *CacheConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return reflect.DeepEqual(*a, *b)
}

func equalAlerts(a, b *AlertsConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

func overrideEnabled(o *JobOverride) bool {
	return o != nil && o.Enabled != nil && *o.Enabled
}
