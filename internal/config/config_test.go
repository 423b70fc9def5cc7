package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, name, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewManager(path)
}

func TestLoadJSON(t *testing.T) {
	m := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": true, "path": "./tickd.log"}},
		"scheduler": {"poll_interval": "90s", "stop_grace": 30, "submit_queue_size": 64},
		"storage": {"driver": "file", "path": "./store", "retain": "720h"},
		"cache": {"addr": "127.0.0.1:6379", "db": 2, "ttl_hours": 48,
			"warm": {"on_start": true, "languages": ["zh", "ja"]}},
		"jobs": {
			"refresh": {"interval_hours": 12},
			"net_probe": {"enabled": true},
			"declared": [{"id": "nightly", "type": "cache_refresh", "schedule": "30 4 * * *"}]
		},
		"alerts": {"enabled": true, "token": "123:abc", "chat_id": -100123, "dedup_window": "5m"},
		"pprof": {"enabled": true, "addr": "127.0.0.1:6060"}
	}`)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.PollInterval.Std() != 90*time.Second {
		t.Fatalf("poll_interval = %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.StopGrace.Std() != 30*time.Second {
		t.Fatalf("numeric stop_grace = %v, want 30s", cfg.Scheduler.StopGrace)
	}
	if cfg.Storage == nil || cfg.Storage.Retain.Std() != 720*time.Hour {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Cache == nil || cfg.Cache.TTLHours != 48 || cfg.Cache.Warm == nil || !cfg.Cache.Warm.OnStart {
		t.Fatalf("cache = %+v", cfg.Cache)
	}
	if cfg.Jobs.Refresh == nil || cfg.Jobs.Refresh.IntervalHours != 12 {
		t.Fatalf("jobs.refresh = %+v", cfg.Jobs.Refresh)
	}
	if len(cfg.Jobs.Declared) != 1 || cfg.Jobs.Declared[0].Schedule != "30 4 * * *" {
		t.Fatalf("jobs.declared = %+v", cfg.Jobs.Declared)
	}
	if cfg.Alerts == nil || cfg.Alerts.DedupWindow.Std() != 5*time.Minute {
		t.Fatalf("alerts = %+v", cfg.Alerts)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the parsed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	m := writeConfig(t, "config.json", `{"logging": {"level": "info"}, "schedular": {}}`)
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled section must be rejected")
	}

	m = writeConfig(t, "config.json", `{"scheduler": {"pol_interval": "90s"}}`)
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown nested field must be rejected")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	m := writeConfig(t, "config.json", `{"logging": {"level": "info"}} {"extra": true}`)
	if _, err := m.Load(); err == nil {
		t.Fatal("concatenated JSON must be rejected")
	}
}

func TestLoadYAML(t *testing.T) {
	m := writeConfig(t, "config.yaml", strings.Join([]string{
		"logging:",
		"  level: warn",
		"  console: true",
		"scheduler:",
		"  poll_interval: 90",
		"cache:",
		"  addr: 127.0.0.1:6379",
		"  warm:",
		"    languages: [zh, ja, ko]",
	}, "\n"))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.PollInterval.Std() != 90*time.Second {
		t.Fatalf("poll_interval = %v", cfg.Scheduler.PollInterval)
	}
	if len(cfg.Cache.Warm.Languages) != 3 {
		t.Fatalf("languages = %v", cfg.Cache.Warm.Languages)
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	m := writeConfig(t, "config.yml", "logging:\n  levle: info\n")
	if _, err := m.Load(); err == nil {
		t.Fatal("strict decoding must apply to YAML too")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: `"90s"`, want: 90 * time.Second},
		{in: `"1h30m"`, want: 90 * time.Minute},
		{in: `90`, want: 90 * time.Second},
		{in: `1.5`, want: 1500 * time.Millisecond},
		{in: `0`, want: 0},
		{in: `""`, want: 0},
		{in: `null`, want: 0},
		{in: `"banana"`, wantErr: true},
		{in: `"-5s"`, wantErr: true},
		{in: `-5`, wantErr: true},
		{in: `true`, wantErr: true},
	}
	for _, tc := range cases {
		var d Duration
		err := json.Unmarshal([]byte(tc.in), &d)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: want error, got %v", tc.in, d.Std())
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if d.Std() != tc.want {
			t.Errorf("%s = %v, want %v", tc.in, d.Std(), tc.want)
		}
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	b, err := json.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"1m30s"` {
		t.Fatalf("marshal = %s", b)
	}
	var d Duration
	if err := json.Unmarshal(b, &d); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 90*time.Second {
		t.Fatalf("round trip = %v", d.Std())
	}
}

func TestSummarizeChangeSections(t *testing.T) {
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Cache:   &CacheConfig{Addr: "127.0.0.1:6379"},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Cache:   &CacheConfig{Addr: "127.0.0.1:6379", Password: "s3cret"},
		Alerts:  &AlertsConfig{Enabled: true, Token: "123:topsecret"},
	}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"alerts", "cache", "logging"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}

	// Render the attrs and make sure no secret leaked into the log line.
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	ev := lg.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	line := buf.String()
	for _, secret := range []string{"s3cret", "topsecret"} {
		if strings.Contains(line, secret) {
			t.Fatalf("secret %q leaked into %s", secret, line)
		}
	}
	if !strings.Contains(line, "cache.password_set") || !strings.Contains(line, "alerts.token_set") {
		t.Fatalf("redacted markers missing from %s", line)
	}
}

func TestSummarizeChangeNoChange(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	changed, attrs := SummarizeChange(cfg, cfg)
	if len(changed) != 0 || len(attrs) != 0 {
		t.Fatalf("changed = %v attrs = %d", changed, len(attrs))
	}
}
