package config

import (
	"reflect"
	"sort"
	"strings"

	logx "vlogd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Secrets (tokens, webhook secret) are reported only as
// set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduling, newCfg.Scheduling) {
		s := newCfg.Scheduling
		changed = append(changed, "scheduling")
		attrs = append(attrs,
			logx.Bool("scheduling.enabled", s.Enabled),
			logx.String("scheduling.tick_spec", strings.TrimSpace(s.TickSpec)),
			logx.Int("scheduling.window_start", s.WindowStart),
			logx.Int("scheduling.window_end", s.WindowEnd),
			logx.Int("scheduling.max_daily_requests", s.MaxDailyRequests),
			logx.String("scheduling.min_interval", strings.TrimSpace(s.MinInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Livestream, newCfg.Livestream) {
		l := newCfg.Livestream
		changed = append(changed, "livestream")
		attrs = append(attrs,
			logx.String("livestream.connect_timeout", l.ConnectTimeout),
			logx.String("livestream.no_response_timeout", l.NoResponseTimeout),
			logx.String("livestream.max_vlog_duration", l.MaxVlogDuration),
			logx.Int("livestream.claim_attempts", l.ClaimAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Trigger, newCfg.Trigger) {
		changed = append(changed, "trigger")
		attrs = append(attrs, logx.Int("trigger.concurrency", newCfg.Trigger.Concurrency))
	}

	if !reflect.DeepEqual(oldCfg.Provider, newCfg.Provider) {
		p := newCfg.Provider
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.driver", p.Driver),
			logx.String("provider.base_url", p.BaseURL),
			logx.Bool("provider.token_set", strings.TrimSpace(p.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.String("notifier.transport", n.Transport),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		if t := newCfg.Telegram; t != nil {
			attrs = append(attrs,
				logx.Bool("telegram.token_set", strings.TrimSpace(t.Token) != ""),
				logx.Bool("telegram.admin_chat_set", strings.TrimSpace(t.AdminChat) != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Webhook, newCfg.Webhook) {
		changed = append(changed, "webhook")
		if w := newCfg.Webhook; w != nil {
			attrs = append(attrs,
				logx.Bool("webhook.url_set", strings.TrimSpace(w.URL) != ""),
				logx.Bool("webhook.secret_set", w.Secret != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs,
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	op.Token, np.Token = "", ""
	if !reflect.DeepEqual(op, np) || (oldCfg.Pprof.Token != "") != (newCfg.Pprof.Token != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.SeedUsers, newCfg.SeedUsers) {
		changed = append(changed, "seed_users")
		attrs = append(attrs, logx.Int("seed_users.count", len(newCfg.SeedUsers)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running
// process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "provider", "telegram", "webhook":
			out = append(out, s)
		}
	}
	return out
}
