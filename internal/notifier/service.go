package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vlogd/internal/eventbus"
	"vlogd/internal/model"
	rtsup "vlogd/internal/runtime/supervisor"
	"vlogd/internal/task/engine"
	kit "vlogd/internal/transport"
	logx "vlogd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	msg      kit.Message
	dedupKey string
	// done receives the final send result; nil for fire-and-forget jobs.
	done chan error
	// caller is the waiting sender's context. Once it is done the job is
	// abandoned and no further attempt is made.
	caller context.Context
}

func (j job) abandoned() error {
	if j.caller == nil {
		return nil
	}
	return j.caller.Err()
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   DedupStore
	users   UserLookup

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. store and users may be nil.
func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store DedupStore, users UserLookup) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		users:   users,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 20000
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes are not throttled.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. It waits for an in-progress Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch := s.sup, s.queue, s.persistCh
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.exitErr(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.String("adapter", s.adapterName()), logx.Int("workers", workers))
}

// exitErr tells the supervisor whether a loop exit was a shutdown.
func (s *Service) exitErr(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// SendRecordRequest delivers req to userID and waits for the outcome. A
// request already delivered for the same user and trigger minute is not sent
// again.
func (s *Service) SendRecordRequest(ctx context.Context, userID string, req model.RecordRequest) error {
	key := recordKey(userID, req.RequestedAt)
	if s.seen(ctx, key) {
		s.log.Info("record request deduplicated", logx.String("user", userID), logx.String("key", key))
		s.publish("notifier.deduped", kit.KindRecordRequest, userID, key, nil)
		return nil
	}

	msg := kit.Message{Kind: kit.KindRecordRequest, UserID: userID, Request: &req}
	if s.users != nil {
		u, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("resolve user %s: %w", userID, err)
		}
		msg.Address = u.NotifyTarget
	}

	done := make(chan error, 1)
	if err := s.enqueue(ctx, job{msg: msg, dedupKey: key, done: done, caller: ctx}); err != nil {
		return err
	}
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		s.markSent(key)
		return nil
	case <-ctx.Done():
		// A send that finished in the same instant still counts.
		select {
		case err := <-done:
			if err == nil {
				s.markSent(key)
				return nil
			}
		default:
		}
		return ctx.Err()
	}
}

// SendAlert queues an operator alert. It satisfies the log alert sink.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	key := alertKey(text)
	if s.seen(ctx, key) {
		return nil
	}
	// Alerts are suppressed from the moment they are queued.
	s.markSent(key)
	return s.enqueue(ctx, job{msg: kit.Message{Kind: kit.KindAlert, Text: text}, dedupKey: key})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- j:
		s.publish("notifier.queued", j.msg.Kind, j.msg.UserID, j.dedupKey, nil)
		return nil
	default:
		s.publish("notifier.dropped", j.msg.Kind, j.msg.UserID, j.dedupKey, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(m kit.Message, err error) {
	item := HistoryItem{At: time.Now(), Kind: string(m.Kind), UserID: m.UserID}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			err := s.sendWithRetry(ctx, j)
			if j.done != nil {
				j.done <- err
			}
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil {
		return errors.New("notifier has no transport adapter")
	}

	if err := j.abandoned(); err != nil {
		s.log.Debug("notify abandoned before send", logx.String("kind", string(j.msg.Kind)), logx.String("user", j.msg.UserID), logx.Err(err))
		s.publish("notifier.abandoned", j.msg.Kind, j.msg.UserID, j.dedupKey, err)
		return err
	}
	if j.caller != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(j.caller, cancel)
		defer stop()
	}

	opt := engine.TaskOptions{RetryMax: cfg.RetryMax, RetryBase: cfg.RetryBase, RetryMaxDelay: cfg.RetryMaxDelay}
	attempts := 0
	err := engine.Retry(ctx, opt, func(c context.Context) error {
		if err := j.abandoned(); err != nil {
			return engine.NoRetry(err)
		}
		attempts++
		if err := lim.Wait(c); err != nil {
			return engine.NoRetry(err)
		}
		// The caller may have given up while waiting on the limiter.
		if err := j.abandoned(); err != nil {
			return engine.NoRetry(err)
		}
		cctx, cancel := context.WithTimeout(c, cfg.SendTimeout)
		defer cancel()
		err := ad.Send(cctx, j.msg)
		if err != nil {
			s.log.Debug("notify send failed", logx.String("kind", string(j.msg.Kind)), logx.Int("attempt", attempts), logx.Err(err))
		}
		return err
	})

	s.appendHistory(j.msg, err)
	if err != nil {
		s.log.Warn("notify failed",
			logx.String("kind", string(j.msg.Kind)),
			logx.String("user", j.msg.UserID),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
		s.publish("notifier.failed", j.msg.Kind, j.msg.UserID, j.dedupKey, err)
		return err
	}
	s.publish("notifier.sent", j.msg.Kind, j.msg.UserID, j.dedupKey, nil)
	return nil
}

func (s *Service) publish(typ string, kind kit.Kind, userID, key string, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{Kind: string(kind), UserID: userID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) adapterName() string {
	if s.adapter == nil {
		return "none"
	}
	return s.adapter.Name()
}

func recordKey(userID string, triggerAt time.Time) string {
	return "rr:" + userID + ":" + model.TriggerMinute(triggerAt).Format("2006-01-02T15:04")
}

func alertKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("alert:%x", h.Sum64())
}

// seen reports whether key is inside its suppression window, checking the
// persistent store when the in-memory cache misses.
func (s *Service) seen(ctx context.Context, key string) bool {
	s.mu.Lock()
	window, persist, st := s.cfg.DedupWindow, s.cfg.PersistDedup, s.store
	s.mu.Unlock()
	if window <= 0 {
		return false
	}
	now := time.Now()

	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}

	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return true
		}
	}
	return false
}

func (s *Service) markSent(key string) {
	s.mu.Lock()
	window, maxEntries, pch := s.cfg.DedupWindow, s.cfg.DedupMaxEntries, s.persistCh
	s.mu.Unlock()
	if window <= 0 {
		return
	}
	now := time.Now()
	until := now.Add(window)

	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		// pch may be closed by a concurrent Stop.
		defer func() { _ = recover() }()
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
}
