package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vlogd/internal/model"
	"vlogd/internal/selection"
)

type hookSink struct {
	mu    sync.Mutex
	users []string
}

func (h *hookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind   string `json:"kind"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Kind == "record_request" {
		h.mu.Lock()
		h.users = append(h.users, body.UserID)
		h.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookSink) got() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.users...)
}

func writeConfig(t *testing.T, hookURL string, scheduling bool) string {
	t.Helper()
	cfg := map[string]any{
		"logging":    map[string]any{"level": "error"},
		"scheduling": map[string]any{"enabled": scheduling, "window_start": 0, "window_end": 1439, "max_daily_requests": 1},
		"livestream": map[string]any{"no_response_timeout": "5m"},
		"provider":   map[string]any{"driver": "sandbox"},
		"storage":    map[string]any{"driver": "sqlite", "path": filepath.Join(t.TempDir(), "vlogd.db")},
		"webhook":    map[string]any{"url": hookURL},
		"seed_users": []map[string]any{{"id": "u1", "timezone": "UTC", "daily_request_limit": 1}},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "vlogd.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestAppSendsRequestEndToEnd(t *testing.T) {
	sink := &hookSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	a, err := New(writeConfig(t, srv.URL, true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopSignal)
	}()

	if a.tickSpec != defaultTickSpec {
		t.Fatalf("tick spec = %q", a.tickSpec)
	}

	at := time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC)
	req, err := a.orch.SendRequest(ctx, "u1", at)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if req.LivestreamID == "" || req.RecordID == "" {
		t.Fatalf("request = %+v", req)
	}
	got := sink.got()
	if len(got) == 0 {
		t.Fatalf("no webhook delivery")
	}
	for _, u := range got {
		if u != "u1" {
			t.Fatalf("webhook deliveries = %v", got)
		}
	}

	stats, err := a.pool.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[model.StatePendingUser] < 1 {
		t.Fatalf("pool stats = %v", stats)
	}

	pending, err := a.store.PendingTimeouts(ctx)
	if err != nil {
		t.Fatalf("PendingTimeouts: %v", err)
	}
	if len(pending) == 0 {
		t.Fatalf("no durable timeout armed")
	}
}

func TestApplyConfigTogglesTick(t *testing.T) {
	sink := &hookSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	a, err := New(writeConfig(t, srv.URL, false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopSignal)
	}()

	if n := len(a.sched.Snapshot().Schedules); n != 0 {
		t.Fatalf("tick registered while scheduling disabled (%d schedules)", n)
	}

	prev := a.cfgm.Get()
	next := *prev
	next.Scheduling.Enabled = true
	next.Scheduling.TickSpec = "*/2 * * * *"
	next.Scheduling.MaxDailyRequests = 3
	a.applyConfig(ctx, prev, &next)

	snap := a.sched.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != tickJob || snap.Schedules[0].Spec != "*/2 * * * *" {
		t.Fatalf("schedules after enable = %+v", snap.Schedules)
	}
	if a.sel.Config().MaxDailyRequests != 3 {
		t.Fatalf("selector not reconfigured: %+v", a.sel.Config())
	}

	off := next
	off.Scheduling.Enabled = false
	a.applyConfig(ctx, &next, &off)
	if n := len(a.sched.Snapshot().Schedules); n != 0 {
		t.Fatalf("tick still registered after disable (%d schedules)", n)
	}
}

func TestMinuteTickCatchesUpMissedMinutes(t *testing.T) {
	day := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	target := day.Add(time.Duration(selection.ScheduledMinute("u1", day, 1, 0, selection.MinutesPerDay)) * time.Minute)

	tests := []struct {
		name     string
		last     time.Time
		now      time.Time
		wantSent bool
		wantLast time.Time
	}{
		{"late pickup", target.Add(-time.Minute), target.Add(time.Minute + 20*time.Second), true, target.Add(time.Minute)},
		{"sparse tick", target.Add(-3 * time.Minute), target.Add(2 * time.Minute), true, target.Add(2 * time.Minute)},
		{"first tick", time.Time{}, target.Add(time.Minute), false, target.Add(time.Minute)},
		{"fell far behind", target.Add(-time.Hour), target.Add(maxTickCatchUp + time.Minute), false, target.Add(maxTickCatchUp + time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &hookSink{}
			srv := httptest.NewServer(sink)
			defer srv.Close()

			a, err := New(writeConfig(t, srv.URL, false))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer stopCancel()
				_ = a.Stop(stopCtx, StopSignal)
			}()

			a.lastMinute = tt.last
			if err := a.processThrough(ctx, tt.now); err != nil {
				t.Fatalf("processThrough: %v", err)
			}
			if !a.lastMinute.Equal(tt.wantLast) {
				t.Fatalf("last minute = %s, want %s", a.lastMinute, tt.wantLast)
			}
			sent := false
			for _, u := range sink.got() {
				sent = sent || u == "u1"
			}
			if sent != tt.wantSent {
				t.Fatalf("u1 notified = %v, want %v", sent, tt.wantSent)
			}
		})
	}
}
