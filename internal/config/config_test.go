package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduling:
  enabled: true
  window_start: 480
  window_end: 1320
  max_daily_requests: 3
  min_interval: 90m
livestream:
  no_response_timeout: 5m
  max_vlog_duration: 0s
provider:
  driver: sandbox
storage:
  driver: sqlite
  path: ./vlogd.db
webhook:
  url: https://hooks.example.test/vlog
seed_users:
  - id: u1
    timezone: Asia/Jakarta
    daily_request_limit: 2
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("vlogd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !cfg.Scheduling.Enabled || cfg.Scheduling.WindowStart != 480 || cfg.Scheduling.MaxDailyRequests != 3 {
		t.Fatalf("scheduling = %+v", cfg.Scheduling)
	}
	if cfg.Webhook == nil || cfg.Webhook.URL != "https://hooks.example.test/vlog" {
		t.Fatalf("webhook = %+v", cfg.Webhook)
	}
	if len(cfg.SeedUsers) != 1 || cfg.SeedUsers[0].Timezone != "Asia/Jakarta" {
		t.Fatalf("seed users = %+v", cfg.SeedUsers)
	}
	if cfg.Notifier != nil {
		t.Fatalf("omitted notifier should stay nil")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		data string
	}{
		{"unknown json key", "c.json", `{"storage":{"driver":"memory"},"plugins":{}}`},
		{"unknown nested yaml key", "c.yml", "scheduling:\n  poll_timeout: 10s\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "scheduling: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.data)); err == nil {
				t.Fatalf("Decode accepted %q", tt.data)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.yaml", nil); err != nil {
		t.Fatalf("Decode empty: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 5m ", 5 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("livestream.connect_timeout", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", tt.raw, got, err)
		}
		if err != nil && !strings.Contains(err.Error(), "livestream.connect_timeout") {
			t.Fatalf("error %q does not name the key", err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg.Scheduling.MaxDailyRequests = 4
	newCfg.Pprof.Token = "secret"
	newCfg.Storage.Path = "/var/lib/vlogd.db"

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"pprof", "scheduling", "storage"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RequiresRestart(changed); !slices.Equal(got, []string{"storage"}) {
		t.Fatalf("RequiresRestart = %v", got)
	}

	if changed, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vlogd.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewConfigManager(path)
	reject := errors.New("nope")
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return reject })
	if _, err := m.Load(context.Background()); !errors.Is(err, reject) {
		t.Fatalf("Load error = %v", err)
	}
	if m.Get() != nil {
		t.Fatalf("rejected config was committed")
	}

	m.SetValidator(nil)
	cfg, err := m.Load(context.Background())
	if err != nil || m.Get() != cfg {
		t.Fatalf("Load = %v", err)
	}
}

func TestReloadPublishesChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vlogd.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Unchanged content is not republished.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("unchanged config published")
	default:
	}

	updated := strings.Replace(sampleYAML, "max_daily_requests: 3", "max_daily_requests: 5", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Scheduling.MaxDailyRequests != 5 {
			t.Fatalf("published max_daily_requests = %d", cfg.Scheduling.MaxDailyRequests)
		}
	default:
		t.Fatalf("changed config not published")
	}

	// A broken file keeps the last good config.
	if err := os.WriteFile(path, []byte("scheduling: [\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	if m.Get().Scheduling.MaxDailyRequests != 5 {
		t.Fatalf("broken file replaced the config")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vlogd.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher is up and sees it.
		if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("watch did not publish")
		}
	}
}
