package jobs

import (
	"fmt"
	"time"

	"tickd/internal/sched"
	logx "tickd/pkg/logx"
)

// Task type names accepted in config-declared jobs.
const (
	TypeCacheRefresh = "cache_refresh"
	TypeCacheCleanup = "cache_cleanup"
	TypeHealthCheck  = "health_check"
	TypeNetProbe     = "net_probe"
)

// IDs of the built-in tasks.
const (
	IDCacheRefresh = "daily_cache_refresh"
	IDCacheCleanup = "weekly_cache_cleanup"
	IDHealthCheck  = "hourly_health_check"
	IDNetProbe     = "net_probe"
)

// Registry is the slice of the scheduler jobs register against.
// *sched.Manager implements it.
type Registry interface {
	AddTask(spec sched.TaskSpec) bool
	AddCronTask(spec sched.TaskSpec, expr string) bool
}

// Override adjusts one built-in task from config. Nil or zero fields keep
// the built-in default.
type Override struct {
	Enabled       *bool
	IntervalHours int
	MaxRetries    *int
	Timeout       time.Duration
}

func (o Override) apply(spec *sched.TaskSpec) {
	if o.Enabled != nil {
		spec.Disabled = !*o.Enabled
	}
	if o.IntervalHours > 0 {
		spec.IntervalHours = o.IntervalHours
	}
	if o.MaxRetries != nil {
		spec.MaxRetries = retriesValue(*o.MaxRetries)
	}
	if o.Timeout > 0 {
		spec.Timeout = o.Timeout
	}
}

// Settings selects and tunes the built-in tasks. The net probe is opt-in;
// the cache tasks are on whenever a cache is configured.
type Settings struct {
	Refresh  Override
	Cleanup  Override
	Health   Override
	NetProbe Override

	// CleanupPattern narrows the weekly stray-key sweep. Empty uses the
	// cache service default.
	CleanupPattern string

	// ProbeServers caps the latency probe candidate count.
	ProbeServers int
}

// Declared is one config-declared task. Schedule takes the same forms
// sched.ParseSchedule accepts.
type Declared struct {
	ID         string
	Name       string
	Type       string
	Schedule   string
	MaxRetries *int
	Timeout    time.Duration
	Disabled   bool
}

// RegisterDefaults installs the built-in tasks and returns how many were
// accepted. Cache tasks are skipped with a log line when no cache service
// is wired; the net probe is skipped unless explicitly enabled.
func RegisterDefaults(reg Registry, d Deps, set Settings) int {
	log := d.logger()
	added := 0

	if d.Cache == nil {
		log.Info("cache disabled, built-in cache tasks not registered")
	} else {
		defaults := []struct {
			spec sched.TaskSpec
			over Override
		}{
			{
				spec: sched.TaskSpec{
					ID:            IDCacheRefresh,
					Name:          "Daily cache refresh",
					Run:           CacheRefresh(d),
					IntervalHours: 24,
					MaxRetries:    3,
					Timeout:       2 * time.Hour,
					Metadata:      map[string]any{"type": TypeCacheRefresh},
				},
				over: set.Refresh,
			},
			{
				spec: sched.TaskSpec{
					ID:            IDCacheCleanup,
					Name:          "Weekly cache cleanup",
					Run:           CacheCleanup(d, set.CleanupPattern),
					IntervalHours: 168,
					MaxRetries:    2,
					Timeout:       time.Hour,
					Metadata:      map[string]any{"type": TypeCacheCleanup},
				},
				over: set.Cleanup,
			},
			{
				spec: sched.TaskSpec{
					ID:            IDHealthCheck,
					Name:          "Hourly health check",
					Run:           HealthCheck(d),
					IntervalHours: 1,
					MaxRetries:    1,
					Timeout:       5 * time.Minute,
					Metadata:      map[string]any{"type": TypeHealthCheck},
				},
				over: set.Health,
			},
		}
		for _, def := range defaults {
			def.over.apply(&def.spec)
			if reg.AddTask(def.spec) {
				added++
			} else {
				log.Warn("built-in task rejected", logx.String("id", def.spec.ID))
			}
		}
	}

	if set.NetProbe.Enabled != nil && *set.NetProbe.Enabled {
		spec := sched.TaskSpec{
			ID:            IDNetProbe,
			Name:          "Network latency probe",
			Run:           NetProbe(NetProbeConfig{Servers: set.ProbeServers}, log),
			IntervalHours: 6,
			MaxRetries:    2,
			Timeout:       3 * time.Minute,
			Metadata:      map[string]any{"type": TypeNetProbe},
		}
		set.NetProbe.apply(&spec)
		if reg.AddTask(spec) {
			added++
		} else {
			log.Warn("built-in task rejected", logx.String("id", spec.ID))
		}
	}

	return added
}

// RegisterDeclared installs config-declared tasks. Unknown types and bad
// schedules are skipped with a log line rather than failing the rest, so
// one typo cannot take the daemon down. Returns how many were accepted.
func RegisterDeclared(reg Registry, d Deps, set Settings, declared []Declared) int {
	log := d.logger()
	added := 0
	for _, dec := range declared {
		run, err := buildJob(dec.Type, d, set)
		if err != nil {
			log.Warn("declared task skipped", logx.String("id", dec.ID), logx.Err(err))
			continue
		}
		parsed, err := sched.ParseSchedule(dec.Schedule)
		if err != nil {
			log.Warn("declared task skipped", logx.String("id", dec.ID), logx.Err(err))
			continue
		}

		spec := sched.TaskSpec{
			ID:       dec.ID,
			Name:     dec.Name,
			Run:      run,
			Disabled: dec.Disabled,
			Timeout:  dec.Timeout,
			Metadata: map[string]any{"type": dec.Type, "declared": true},
		}
		if dec.MaxRetries != nil {
			spec.MaxRetries = retriesValue(*dec.MaxRetries)
		}

		ok := false
		switch parsed.Kind {
		case sched.ScheduleCron:
			ok = reg.AddCronTask(spec, parsed.Cron)
		case sched.ScheduleInterval:
			spec.IntervalHours = parsed.Hours
			ok = reg.AddTask(spec)
		}
		if ok {
			added++
		} else {
			log.Warn("declared task rejected", logx.String("id", dec.ID))
		}
	}
	return added
}

// retriesValue translates a config retry count into a TaskSpec value, where
// zero means "default" and an explicit 0 needs the NoRetries marker.
func retriesValue(n int) int {
	if n == 0 {
		return sched.NoRetries
	}
	return n
}

// buildJob maps a task type name to its body, mirroring how custom tasks
// reuse the built-in implementations.
func buildJob(typ string, d Deps, set Settings) (sched.JobFunc, error) {
	switch typ {
	case TypeCacheRefresh:
		if d.Cache == nil {
			return nil, fmt.Errorf("task type %q needs a cache", typ)
		}
		return CacheRefresh(d), nil
	case TypeCacheCleanup:
		if d.Cache == nil {
			return nil, fmt.Errorf("task type %q needs a cache", typ)
		}
		return CacheCleanup(d, set.CleanupPattern), nil
	case TypeHealthCheck:
		if d.Cache == nil {
			return nil, fmt.Errorf("task type %q needs a cache", typ)
		}
		return HealthCheck(d), nil
	case TypeNetProbe:
		return NetProbe(NetProbeConfig{Servers: set.ProbeServers}, d.logger()), nil
	default:
		return nil, fmt.Errorf("unknown task type %q", typ)
	}
}
