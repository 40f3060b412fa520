package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"vlogd/internal/config"
	"vlogd/internal/livestream"
	"vlogd/internal/model"
	"vlogd/internal/notifier"
	"vlogd/internal/observability/pprof"
	"vlogd/internal/provider"
	"vlogd/internal/selection"
	"vlogd/internal/storage"
	"vlogd/internal/task/engine"
	"vlogd/internal/task/scheduler"
	kit "vlogd/internal/transport"
	telegram "vlogd/internal/transport/telegram/adapter"
	"vlogd/internal/transport/webhook"
	"vlogd/internal/trigger"
	logx "vlogd/pkg/logx"
)

const defaultTickSpec = "* * * * *"

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapSelection(cfg *config.Config) (selection.Config, error) {
	s := cfg.Scheduling
	if s.WindowStart < 0 || s.WindowStart >= selection.MinutesPerDay {
		return selection.Config{}, fmt.Errorf("scheduling.window_start must be in [0,%d)", selection.MinutesPerDay)
	}
	end := s.WindowEnd
	if end == 0 {
		end = selection.MinutesPerDay - 1
	}
	if end < s.WindowStart || end >= selection.MinutesPerDay {
		return selection.Config{}, fmt.Errorf("scheduling.window_end must be in [window_start,%d)", selection.MinutesPerDay)
	}
	if s.MaxDailyRequests < 0 {
		return selection.Config{}, fmt.Errorf("scheduling.max_daily_requests must be >= 0")
	}
	interval, err := config.ParseDurationOrDefault("scheduling.min_interval", s.MinInterval, time.Hour)
	if err != nil {
		return selection.Config{}, err
	}
	if interval < time.Minute {
		return selection.Config{}, fmt.Errorf("scheduling.min_interval must be at least 1m")
	}
	return selection.Config{
		WindowStart:      s.WindowStart,
		WindowEnd:        end,
		MaxDailyRequests: s.MaxDailyRequests,
		MinInterval:      int(interval / time.Minute),
	}, nil
}

func tickSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduling.TickSpec); s != "" {
		return s
	}
	return defaultTickSpec
}

func mapLivestream(cfg *config.Config) (livestream.Config, error) {
	l := cfg.Livestream
	var out livestream.Config
	var err error
	if out.ConnectTimeout, err = config.ParseDurationOrDefault("livestream.connect_timeout", l.ConnectTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.NoResponseTimeout, err = config.ParseDurationOrDefault("livestream.no_response_timeout", l.NoResponseTimeout, 5*time.Minute); err != nil {
		return out, err
	}
	if out.MaxVlogDuration, err = config.ParseDurationField("livestream.max_vlog_duration", l.MaxVlogDuration); err != nil {
		return out, err
	}
	if out.OpTimeout, err = config.ParseDurationOrDefault("livestream.op_timeout", l.OpTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.ProviderRetryBase, err = config.ParseDurationOrDefault("livestream.provider_retry_base", l.ProviderRetryBase, 500*time.Millisecond); err != nil {
		return out, err
	}
	if l.ClaimAttempts < 0 {
		return out, fmt.Errorf("livestream.claim_attempts must be >= 0")
	}
	if l.ProviderRetryMax < 0 {
		return out, fmt.Errorf("livestream.provider_retry_max must be >= 0")
	}
	out.ClaimAttempts = l.ClaimAttempts
	out.ProviderRetryMax = l.ProviderRetryMax
	return out, nil
}

func mapTrigger(cfg *config.Config) (trigger.Config, error) {
	t := cfg.Trigger
	if t.Concurrency < 0 {
		return trigger.Config{}, fmt.Errorf("trigger.concurrency must be >= 0")
	}
	d, err := config.ParseDurationOrDefault("trigger.user_timeout", t.UserTimeout, time.Minute)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{Concurrency: t.Concurrency, UserTimeout: d}, nil
}

func mapProvider(cfg *config.Config) (provider.Config, error) {
	p := cfg.Provider
	timeout, err := config.ParseDurationOrDefault("provider.timeout", p.Timeout, 10*time.Second)
	if err != nil {
		return provider.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(p.Driver))
	switch driver {
	case "", "sandbox":
	case "http":
		if strings.TrimSpace(p.BaseURL) == "" {
			return provider.Config{}, fmt.Errorf("provider.base_url is required when provider.driver=http")
		}
	default:
		return provider.Config{}, fmt.Errorf("unknown provider.driver: %s", p.Driver)
	}
	if p.RatePerSec < 0 {
		return provider.Config{}, fmt.Errorf("provider.rate_per_sec must be >= 0")
	}
	return provider.Config{
		Driver:     driver,
		BaseURL:    strings.TrimSpace(p.BaseURL),
		Token:      strings.TrimSpace(p.Token),
		Timeout:    timeout,
		RatePerSec: p.RatePerSec,
		IngestBase: strings.TrimSpace(p.IngestBase),
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      5,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		SendTimeout:     10 * time.Second,
		DedupWindow:     10 * time.Minute,
		DedupMaxEntries: 20000,
		PersistDedup:    true,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// transportName picks the delivery adapter. An explicit notifier.transport
// wins, then webhook, then telegram. Empty means none is configured.
func transportName(cfg *config.Config) (string, error) {
	if cfg.Notifier != nil {
		switch t := strings.ToLower(strings.TrimSpace(cfg.Notifier.Transport)); t {
		case "":
		case "webhook":
			if cfg.Webhook == nil {
				return "", errors.New("notifier.transport=webhook requires a webhook section")
			}
			return t, nil
		case "telegram":
			if cfg.Telegram == nil {
				return "", errors.New("notifier.transport=telegram requires a telegram section")
			}
			return t, nil
		default:
			return "", fmt.Errorf("unknown notifier.transport: %s", cfg.Notifier.Transport)
		}
	}
	switch {
	case cfg.Webhook != nil:
		return "webhook", nil
	case cfg.Telegram != nil:
		return "telegram", nil
	}
	return "", nil
}

// newAdapter builds the configured transport. It returns a nil adapter when
// no transport section is present.
func newAdapter(cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
	name, err := transportName(cfg)
	if err != nil {
		return nil, err
	}
	switch name {
	case "webhook":
		w := cfg.Webhook
		timeout, err := config.ParseDurationOrDefault("webhook.timeout", w.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := webhook.New(webhook.Config{URL: strings.TrimSpace(w.URL), Secret: w.Secret, Timeout: timeout}, log.With(logx.String("comp", "webhook")))
		if err != nil {
			return nil, err
		}
		return ad, nil
	case "telegram":
		t := cfg.Telegram
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", t.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:     strings.TrimSpace(t.Token),
			AdminChat: strings.TrimSpace(t.AdminChat),
			APIURL:    strings.TrimSpace(t.APIURL),
			Timeout:   timeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		return ad, nil
	}
	return nil, nil
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     4,
		QueueSize:   256,
		HistorySize: 200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	// Durable timeouts and pool cleanup run on the engine.
	if te.Enabled != nil && !*te.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false")
	}
	if te.Workers != 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize != 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize != 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		driver = "memory"
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapPprof(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	out := pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          strings.TrimSpace(pc.Addr),
		Prefix:        strings.TrimSpace(pc.Prefix),
		Token:         strings.TrimSpace(pc.Token),
		AllowInsecure: pc.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 keeps long CPU profiles working.
	if out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if pc.MutexProfileFraction < 0 || pc.BlockProfileRate < 0 || pc.MemProfileRate < 0 {
		return out, fmt.Errorf("pprof: profile rates must be >= 0")
	}
	out.MutexProfileFraction = pc.MutexProfileFraction
	out.BlockProfileRate = pc.BlockProfileRate
	out.MemProfileRate = pc.MemProfileRate

	if out.Enabled {
		host, _, err := net.SplitHostPort(out.Addr)
		if err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		loopback := strings.EqualFold(host, "localhost")
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			loopback = true
		}
		if !loopback && out.Token == "" && !out.AllowInsecure {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func mapSeedUsers(cfg *config.Config) []model.User {
	out := make([]model.User, 0, len(cfg.SeedUsers))
	for _, u := range cfg.SeedUsers {
		out = append(out, model.User{
			ID:                strings.TrimSpace(u.ID),
			Timezone:          strings.TrimSpace(u.Timezone),
			DailyRequestLimit: u.DailyRequestLimit,
			NotifyTarget:      strings.TrimSpace(u.NotifyTarget),
		})
	}
	return out
}

// validate runs every mapper so a bad file is rejected before it is
// committed, at start and on hot reload.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if _, err := mapSelection(cfg); err != nil {
		return err
	}
	if _, err := scheduler.ParseCron(tickSpec(cfg)); err != nil {
		return fmt.Errorf("scheduling.tick_spec: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Scheduling.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduling.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapLivestream(cfg); err != nil {
		return err
	}
	if _, err := mapTrigger(cfg); err != nil {
		return err
	}
	if _, err := mapProvider(cfg); err != nil {
		return err
	}
	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	name, err := transportName(cfg)
	if err != nil {
		return err
	}
	if cfg.Scheduling.Enabled && (name == "" || !ncfg.Enabled) {
		return errors.New("scheduling.enabled requires an enabled notifier with a webhook or telegram transport")
	}
	if _, err := mapTaskEngine(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapPprof(cfg); err != nil {
		return err
	}
	for i, u := range mapSeedUsers(cfg) {
		if _, err := u.Validate(); err != nil {
			return fmt.Errorf("seed_users[%d]: %w", i, err)
		}
	}
	return nil
}
