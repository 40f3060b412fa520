package adapter

import (
	"strings"
	"testing"
	"time"

	"vlogd/internal/model"
	kit "vlogd/internal/transport"
	logx "vlogd/pkg/logx"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    chatTarget
		wantErr bool
	}{
		{in: "12345", want: chatTarget{ChatID: 12345}},
		{in: "-100200:7", want: chatTarget{ChatID: -100200, ThreadID: 7}},
		{in: " 42 ", want: chatTarget{ChatID: 42}},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1:x", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseTarget(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseTarget(%q) err=%v", tc.in, err)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("parseTarget(%q)=%+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}
	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(long, 8)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("split = %q", got)
	}
	for _, c := range splitText(strings.Repeat("x", 25), 10) {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}
}

func TestFormatRecordRequest(t *testing.T) {
	t.Parallel()

	text := Format(kit.Message{Kind: kit.KindRecordRequest, Request: &model.RecordRequest{
		RecordID: "rec-1", Location: "rtmp://ingest/x", Timeout: 5 * time.Minute,
		RequestedAt: time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC),
	}})
	for _, want := range []string{"rec-1", "rtmp://ingest/x", "5m0s", "10:00"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text %q missing %q", text, want)
		}
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("want error for empty token")
	}
	if _, err := New(Config{Token: "123:abc", AdminChat: "nope"}, logx.Nop()); err == nil {
		t.Fatalf("want error for bad admin chat")
	}
	a, err := New(Config{Token: "123:abc", AdminChat: "-100:3"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.admin.ChatID != -100 || a.admin.ThreadID != 3 || a.Name() != "telegram" {
		t.Fatalf("adapter = %+v", a.admin)
	}
}
