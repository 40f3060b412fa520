package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatAlertJSONSortsFields(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"x","message":"claim failed","user":"u1","comp":"trigger"}` + "\n")
	got := formatAlertJSON(line)
	want := "[WARN] claim failed\n- comp=trigger\n- user=u1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	if got := formatAlertJSON([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-JSON line: got %q", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	if l.With(Int("n", 1)).IsZero() {
		t.Fatalf("logger with fields should not be zero")
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: t.TempDir() + "/vlogd.log"}, Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()

	sender := &captureSender{}
	svc.SetAlertSender(sender)

	log.Info("not forwarded")
	log.Warn("forwarded", String("livestream", "ls-1"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := sender.count(); n != 1 {
		t.Fatalf("alerts=%d want 1", n)
	}
	sender.mu.Lock()
	msg := sender.msgs[0]
	sender.mu.Unlock()
	if !strings.HasPrefix(msg, "[WARN] forwarded") || !strings.Contains(msg, "livestream=ls-1") {
		t.Fatalf("unexpected alert %q", msg)
	}
}
