package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"vlogd/internal/task/engine"
	logx "vlogd/pkg/logx"
)

type fakeService struct {
	mu     sync.Mutex
	calls  []string
	status map[string]int
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	key := r.Method + " " + r.URL.Path
	f.calls = append(f.calls, key)
	code := f.status[key]
	f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if code != 0 {
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "2")
		}
		w.WriteHeader(code)
		return
	}
	switch {
	case key == "POST /events":
		_ = json.NewEncoder(w).Encode(eventResponse{ID: "ev-1", IngestURL: "rtmp://ingest/ev-1"})
	case key == "POST /events/ev-1/outputs":
		var in outputRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(outputResponse{PlaybackURL: "https://play/" + in.RecordID})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func newHTTP(t *testing.T, f *fakeService) *HTTP {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	h, err := NewHTTP(Config{BaseURL: srv.URL + "/", Token: "tok", RatePerSec: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return h
}

func TestHTTPLifecycle(t *testing.T) {
	t.Parallel()

	f := &fakeService{status: map[string]int{}}
	h := newHTTP(t, f)
	ctx := context.Background()

	b, err := h.ProvisionEvent(ctx)
	if err != nil || b.ExternalID != "ev-1" || b.Location != "rtmp://ingest/ev-1" {
		t.Fatalf("ProvisionEvent = %+v, %v", b, err)
	}
	if err := h.StartEvent(ctx, "ev-1"); err != nil {
		t.Fatalf("StartEvent: %v", err)
	}
	url, err := h.CreateOutput(ctx, "ev-1", "rec-9")
	if err != nil || url != "https://play/rec-9" {
		t.Fatalf("CreateOutput = %q, %v", url, err)
	}
	if err := h.StopEvent(ctx, "ev-1"); err != nil {
		t.Fatalf("StopEvent: %v", err)
	}
	if err := h.DeleteOutputs(ctx, "ev-1"); err != nil {
		t.Fatalf("DeleteOutputs: %v", err)
	}
	want := "POST /events,POST /events/ev-1/start,POST /events/ev-1/outputs,POST /events/ev-1/stop,DELETE /events/ev-1/outputs"
	if got := strings.Join(f.calls, ","); got != want {
		t.Fatalf("calls = %s", got)
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	t.Parallel()

	f := &fakeService{status: map[string]int{
		"POST /events/bad/start":  http.StatusConflict,
		"POST /events/busy/start": http.StatusTooManyRequests,
		"POST /events/down/start": http.StatusBadGateway,
		"DELETE /events/gone":     http.StatusNotFound,
	}}
	h := newHTTP(t, f)
	ctx := context.Background()

	if err := h.StartEvent(ctx, "bad"); !engine.IsNoRetry(err) {
		t.Fatalf("409 err = %v, want no-retry", err)
	}
	var ra engine.RetryAfterError
	if err := h.StartEvent(ctx, "busy"); !errors.As(err, &ra) || ra.RetryAfter().Seconds() != 2 {
		t.Fatalf("429 err = %v, want retry-after 2s", err)
	}
	err := h.StartEvent(ctx, "down")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway || engine.IsNoRetry(err) {
		t.Fatalf("502 err = %v, want retryable status error", err)
	}
	if err := h.DeleteEvent(ctx, "gone"); err != nil {
		t.Fatalf("delete of missing event: %v", err)
	}
}

func TestSandbox(t *testing.T) {
	t.Parallel()

	s := NewSandbox("rtmp://test/live/")
	ctx := context.Background()

	b1, _ := s.ProvisionEvent(ctx)
	b2, _ := s.ProvisionEvent(ctx)
	if b1.ExternalID != "sbx-000001" || b2.ExternalID != "sbx-000002" || b1.Location != "rtmp://test/live/sbx-000001" {
		t.Fatalf("broadcasts = %+v %+v", b1, b2)
	}
	if err := s.StartEvent(ctx, "missing"); !errors.Is(err, ErrUnknownEvent) || !engine.IsNoRetry(err) {
		t.Fatalf("start unknown err = %v", err)
	}

	s.FailNext("stop", 1)
	if err := s.StopEvent(ctx, b1.ExternalID); err == nil {
		t.Fatalf("injected failure not returned")
	}
	if err := s.StopEvent(ctx, b1.ExternalID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if s.Calls("stop") != 2 {
		t.Fatalf("stop calls = %d", s.Calls("stop"))
	}

	_ = s.StartEvent(ctx, b1.ExternalID)
	_, _ = s.CreateOutput(ctx, b1.ExternalID, "rec-1")
	ev, ok := s.Event(b1.ExternalID)
	if !ok || !ev.Running || len(ev.Outputs) != 1 {
		t.Fatalf("event = %+v", ev)
	}
	_ = s.DeleteEvent(ctx, b1.ExternalID)
	if _, ok := s.Event(b1.ExternalID); ok {
		t.Fatalf("event not deleted")
	}
}

func TestNewDriver(t *testing.T) {
	t.Parallel()

	if p, err := New(Config{}, logx.Nop()); err != nil || p == nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, err := New(Config{Driver: "http"}, logx.Nop()); err == nil {
		t.Fatalf("http without base url: want error")
	}
	if _, err := New(Config{Driver: "ftp"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver: want error")
	}
}
