package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"tickd/internal/sched"
	logx "tickd/pkg/logx"
)

// NetProbeConfig tunes the latency probe. Servers caps how many of the
// nearest speedtest servers get pinged; zero means 5.
type NetProbeConfig struct {
	Servers int
}

// NetProbe measures baseline network latency: it fetches the public
// speedtest server list, pings the nearest candidates sequentially, and
// reports min/median/max round-trip times. No download or upload traffic is
// generated. The run fails when no candidate answers.
func NetProbe(cfg NetProbeConfig, log logx.Logger) sched.JobFunc {
	if log.IsZero() {
		log = logx.Nop()
	}
	count := cfg.Servers
	if count <= 0 {
		count = 5
	}
	return func(ctx context.Context) (sched.Result, error) {
		start := time.Now()

		// A fresh client per run; the library keeps state between calls.
		stc := st.New()
		servers, err := stc.FetchServerListContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch server list: %w", err)
		}
		if a := servers.Available(); a != nil {
			servers = *a
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("no servers available")
		}

		sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
		n := count
		if n > len(servers) {
			n = len(servers)
		}
		candidates := servers[:n]

		type probe struct {
			latency time.Duration
			name    string
			country string
		}
		probes := make([]probe, 0, n)
		for _, s := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.PingTestContext(ctx, nil); err != nil {
				log.Debug("latency probe failed", logx.String("server", s.Sponsor), logx.Err(err))
				continue
			}
			if s.Latency <= 0 {
				continue
			}
			probes = append(probes, probe{latency: s.Latency, name: s.Sponsor, country: s.Country})
		}
		if len(probes) == 0 {
			return nil, fmt.Errorf("all %d latency probes failed", n)
		}

		sort.Slice(probes, func(i, j int) bool { return probes[i].latency < probes[j].latency })
		best := probes[0]
		worst := probes[len(probes)-1]
		median := probes[len(probes)/2].latency
		if len(probes)%2 == 0 {
			median = (probes[len(probes)/2-1].latency + median) / 2
		}

		log.Info("latency probe finished",
			logx.Int("reachable", len(probes)), logx.Int("probed", n),
			logx.Duration("best", best.latency), logx.Duration("median", median))

		return sched.Result{
			"duration_seconds":  time.Since(start).Seconds(),
			"servers_probed":    n,
			"servers_reachable": len(probes),
			"latency_min_ms":    float64(best.latency.Microseconds()) / 1000,
			"latency_median_ms": float64(median.Microseconds()) / 1000,
			"latency_max_ms":    float64(worst.latency.Microseconds()) / 1000,
			"best_server":       best.name,
			"best_country":      best.country,
		}, nil
	}
}
