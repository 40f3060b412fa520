package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vlogd/internal/model"
	"vlogd/internal/task/engine"
	kit "vlogd/internal/transport"
	logx "vlogd/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []kit.Message
	fails int
	err   error
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Send(_ context.Context, m kit.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transient")
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type users map[string]model.User

func (u users) GetUser(_ context.Context, id string) (model.User, error) {
	if v, ok := u[id]; ok {
		return v, nil
	}
	return model.User{}, &model.NotFoundError{Kind: "user", ID: id}
}

func startService(t *testing.T, cfg Config, ad kit.Adapter, lookup UserLookup) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
		cfg.RetryMaxDelay = 2 * time.Millisecond
	}
	s := New(cfg, ad, logx.Nop(), nil, nil, lookup)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

var trigger = time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC)

func TestSendRecordRequestResolvesAddress(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := startService(t, Config{}, ad, users{"u1": {ID: "u1", NotifyTarget: "42"}})

	req := model.RecordRequest{LivestreamID: "ls-1", RecordID: "rec-1", RequestedAt: trigger, Timeout: 5 * time.Minute}
	if err := s.SendRecordRequest(context.Background(), "u1", req); err != nil {
		t.Fatalf("SendRecordRequest: %v", err)
	}
	if ad.count() != 1 {
		t.Fatalf("sent %d, want 1", ad.count())
	}
	m := ad.sent[0]
	if m.Address != "42" || m.Kind != kit.KindRecordRequest || m.Request.RecordID != "rec-1" {
		t.Fatalf("message = %+v", m)
	}

	if err := s.SendRecordRequest(context.Background(), "ghost", req); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestSendRecordRequestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{fails: 2}
	s := startService(t, Config{RetryMax: 3}, ad, nil)
	if err := s.SendRecordRequest(context.Background(), "u1", model.RecordRequest{RequestedAt: trigger}); err != nil {
		t.Fatalf("SendRecordRequest: %v", err)
	}
	if ad.count() != 1 {
		t.Fatalf("sent %d, want 1", ad.count())
	}
}

func TestAbandonedRecordRequestIsNotDelivered(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{fails: 1}
	s := startService(t, Config{RetryMax: 3, RetryBase: 200 * time.Millisecond, RetryMaxDelay: 200 * time.Millisecond}, ad, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.SendRecordRequest(ctx, "u1", model.RecordRequest{RequestedAt: trigger})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendRecordRequest err = %v, want deadline exceeded", err)
	}

	// Past the retry backoff: a late attempt would have been delivered by now.
	time.Sleep(500 * time.Millisecond)
	if ad.count() != 0 {
		t.Fatalf("abandoned request delivered %d time(s)", ad.count())
	}
}

func TestQueuedRecordRequestSkippedAfterCallerGaveUp(t *testing.T) {
	t.Parallel()

	j := job{msg: kit.Message{Kind: kit.KindRecordRequest, UserID: "u1"}}
	ctx, cancel := context.WithCancel(context.Background())
	j.caller = ctx
	cancel()

	ad := &fakeAdapter{}
	s := New(Config{Enabled: true}, ad, logx.Nop(), nil, nil, nil)
	if err := s.sendWithRetry(context.Background(), j); !errors.Is(err, context.Canceled) {
		t.Fatalf("sendWithRetry err = %v, want canceled", err)
	}
	if ad.count() != 0 {
		t.Fatalf("abandoned job delivered")
	}
}

func TestSendRecordRequestReportsPermanentFailure(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{err: engine.NoRetry(errors.New("chat not found"))}
	s := startService(t, Config{RetryMax: 5}, ad, nil)
	err := s.SendRecordRequest(context.Background(), "u1", model.RecordRequest{RequestedAt: trigger})
	if err == nil {
		t.Fatalf("want error")
	}
	h := s.Snapshot()
	if len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestRecordRequestDedupPerMinute(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := startService(t, Config{DedupWindow: time.Hour}, ad, nil)
	ctx := context.Background()

	if err := s.SendRecordRequest(ctx, "u1", model.RecordRequest{RequestedAt: trigger}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.SendRecordRequest(ctx, "u1", model.RecordRequest{RequestedAt: trigger.Add(20 * time.Second)}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := s.SendRecordRequest(ctx, "u1", model.RecordRequest{RequestedAt: trigger.Add(time.Minute)}); err != nil {
		t.Fatalf("next minute: %v", err)
	}
	if ad.count() != 2 {
		t.Fatalf("sent %d, want 2", ad.count())
	}
}

func TestFailedSendIsNotDeduplicated(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{fails: 1}
	s := startService(t, Config{DedupWindow: time.Hour}, ad, nil)
	ctx := context.Background()
	if err := s.SendRecordRequest(ctx, "u1", model.RecordRequest{RequestedAt: trigger}); err == nil {
		t.Fatalf("first send: want error")
	}
	if err := s.SendRecordRequest(ctx, "u1", model.RecordRequest{RequestedAt: trigger}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestSendAlertAsync(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := startService(t, Config{DedupWindow: time.Minute}, ad, nil)
	for i := 0; i < 3; i++ {
		if err := s.SendAlert(context.Background(), "disk full"); err != nil {
			t.Fatalf("SendAlert: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for ad.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("alert not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if ad.count() != 1 {
		t.Fatalf("sent %d alerts, want 1", ad.count())
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeAdapter{}, logx.Nop(), nil, nil, nil)
	if err := s.SendRecordRequest(context.Background(), "u1", model.RecordRequest{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
