// Package jobs holds the built-in task bodies and their registration
// against the scheduler. Bodies are plain sched.JobFunc closures over small
// interfaces so tests can run them against fakes.
package jobs

import (
	"context"
	"fmt"
	"time"

	"tickd/internal/cache"
	"tickd/internal/sched"
	logx "tickd/pkg/logx"
)

// Cache is the slice of the cache service the built-in jobs consume.
// *cache.Service implements it.
type Cache interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (cache.Stats, error)
	MemoryInfo(ctx context.Context) (cache.MemoryInfo, error)
	PurgeStray(ctx context.Context, pattern string) (scanned, purged int64, err error)
}

// Warmer fills the translation cache. *cache.Warmer implements it.
type Warmer interface {
	Warm(ctx context.Context, force bool) (cache.WarmStats, error)
}

// Deps carries the shared dependencies job bodies close over.
type Deps struct {
	Cache  Cache
	Warmer Warmer
	Log    logx.Logger
}

func (d Deps) logger() logx.Logger {
	if d.Log.IsZero() {
		return logx.Nop()
	}
	return d.Log
}

// memoryOKBelowPercent is the health threshold for used_memory against
// maxmemory. Instances without a maxmemory report 0% and always pass.
const memoryOKBelowPercent = 80.0

// CacheRefresh force-rewarms the translation cache. The run fails when the
// cache is unreachable or no language could be warmed at all; partial
// failures succeed with the error count in the result.
func CacheRefresh(d Deps) sched.JobFunc {
	log := d.logger()
	return func(ctx context.Context) (sched.Result, error) {
		start := time.Now()
		if d.Cache == nil || d.Warmer == nil {
			return nil, fmt.Errorf("cache service not configured")
		}
		if err := d.Cache.Ping(ctx); err != nil {
			return nil, fmt.Errorf("cache ping: %w", err)
		}

		stats, err := d.Warmer.Warm(ctx, true)
		res := sched.Result{
			"duration_seconds":    time.Since(start).Seconds(),
			"total_texts":         stats.TotalTexts,
			"languages_processed": stats.LanguagesProcessed,
			"translations":        stats.TotalTranslations,
			"errors":              stats.Errors,
		}
		if err != nil {
			return res, err
		}
		if stats.Errors > 0 && stats.LanguagesProcessed == 0 {
			return res, fmt.Errorf("warmup failed for all %d languages", stats.Errors)
		}
		log.Info("cache refresh finished",
			logx.Int("languages", stats.LanguagesProcessed),
			logx.Int("errors", stats.Errors),
			logx.Duration("took", time.Since(start)))
		return res, nil
	}
}

// CacheCleanup sweeps the keyspace for stray entries that lost their TTL
// and reports what remains. pattern defaults inside the cache service when
// empty.
func CacheCleanup(d Deps, pattern string) sched.JobFunc {
	log := d.logger()
	return func(ctx context.Context) (sched.Result, error) {
		start := time.Now()
		if d.Cache == nil {
			return nil, fmt.Errorf("cache service not configured")
		}
		if err := d.Cache.Ping(ctx); err != nil {
			return nil, fmt.Errorf("cache ping: %w", err)
		}

		before, err := d.Cache.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache stats: %w", err)
		}

		scanned, purged, err := d.Cache.PurgeStray(ctx, pattern)
		res := sched.Result{
			"duration_seconds":  time.Since(start).Seconds(),
			"keys_scanned":      scanned,
			"stray_keys_purged": purged,
			"total_keys_before": before.TotalKeys,
		}
		if err != nil {
			return res, fmt.Errorf("cache purge: %w", err)
		}
		remaining := before.TotalKeys - purged
		if remaining < 0 {
			remaining = 0
		}
		res["total_keys_remaining"] = remaining
		log.Info("cache cleanup finished",
			logx.Int64("scanned", scanned), logx.Int64("purged", purged),
			logx.Duration("took", time.Since(start)))
		return res, nil
	}
}

// HealthCheck reports cache health flags. A degraded cache is a successful
// check with the flags saying so; the run fails only when the probe itself
// cannot complete (stats or memory queries erroring on a live connection).
func HealthCheck(d Deps) sched.JobFunc {
	log := d.logger()
	return func(ctx context.Context) (sched.Result, error) {
		start := time.Now()
		if d.Cache == nil {
			return nil, fmt.Errorf("cache service not configured")
		}

		pingStart := time.Now()
		pingErr := d.Cache.Ping(ctx)
		responseMS := float64(time.Since(pingStart).Microseconds()) / 1000
		connected := pingErr == nil

		flags := map[string]any{
			"redis_connected":  connected,
			"cache_available":  false,
			"memory_usage_ok":  false,
			"response_time_ms": responseMS,
		}
		res := sched.Result{"health_status": flags}

		if !connected {
			log.Warn("cache health degraded", logx.Err(pingErr))
			res["duration_seconds"] = time.Since(start).Seconds()
			return res, nil
		}

		stats, err := d.Cache.Stats(ctx)
		if err != nil {
			return res, fmt.Errorf("cache stats: %w", err)
		}
		mem, err := d.Cache.MemoryInfo(ctx)
		if err != nil {
			return res, fmt.Errorf("cache memory info: %w", err)
		}

		flags["cache_available"] = stats.TotalKeys > 0
		flags["memory_usage_ok"] = mem.UsedPercent < memoryOKBelowPercent
		res["total_keys"] = stats.TotalKeys
		res["translations"] = stats.IndividualTranslations
		res["batches"] = stats.BatchTranslations
		res["used_memory"] = mem.UsedHuman
		res["used_memory_percent"] = mem.UsedPercent
		res["duration_seconds"] = time.Since(start).Seconds()

		if !healthy(flags) {
			log.Warn("cache health degraded",
				logx.Bool("connected", connected),
				logx.Bool("available", stats.TotalKeys > 0),
				logx.Float64("used_percent", mem.UsedPercent))
		} else {
			log.Debug("cache health ok",
				logx.Int64("keys", stats.TotalKeys),
				logx.Float64("response_ms", responseMS))
		}
		return res, nil
	}
}

func healthy(flags map[string]any) bool {
	for _, v := range flags {
		if b, ok := v.(bool); ok && !b {
			return false
		}
	}
	return true
}
