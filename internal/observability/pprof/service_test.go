package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "vlogd/pkg/logx"
)

func TestDebugHandlerAuthAndStats(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	s.Register("pool", func(ctx context.Context) (any, error) {
		return map[string]int{"created": 2, "live": 1}, nil
	})
	s.Register("broken", func(ctx context.Context) (any, error) {
		return nil, errors.New("store closed")
	})
	h := s.handler(Config{Token: "s3cret"})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/debug/pool", "", http.StatusUnauthorized},
		{"wrong token", "/debug/pool?token=nope", "", http.StatusUnauthorized},
		{"query token", "/debug/pool?token=s3cret", "", http.StatusOK},
		{"bearer token", "/debug/pool", "Bearer s3cret", http.StatusOK},
		{"stats error", "/debug/broken?token=s3cret", "", http.StatusInternalServerError},
		{"index", "/debug/?token=s3cret", "", http.StatusOK},
		{"unknown", "/debug/nothing?token=s3cret", "", http.StatusNotFound},
		{"healthz", "/healthz?token=s3cret", "", http.StatusOK},
		{"pprof index", "/debug/pprof/?token=s3cret", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("%s = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pool?token=s3cret", nil))
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["created"] != 2 || got["live"] != 1 {
		t.Fatalf("pool stats = %v", got)
	}
}

func TestReconfigureStartStop(t *testing.T) {
	s := New(Config{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 0, BlockProfileRate: 0})
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("server did not bind")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("server still bound after disable")
	}
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	s.Start(context.Background())
	if s.Addr() != "" {
		t.Fatalf("non-loopback bind without token should be refused")
	}
	if !isLoopbackAddr("127.0.0.1:6060") || !isLoopbackAddr("localhost:1") || isLoopbackAddr(":6060") {
		t.Fatalf("isLoopbackAddr mismatch")
	}
	if got := normalizePrefix("dbg"); got != "/dbg/" {
		t.Fatalf("normalizePrefix = %q", got)
	}
}
