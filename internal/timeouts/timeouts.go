// Package timeouts persists delayed livestream callbacks and fires them
// through the one-shot scheduler. Pending callbacks survive a restart.
package timeouts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vlogd/internal/eventbus"
	logx "vlogd/pkg/logx"
)

type Kind string

const (
	KindNoResponse  Kind = "no_response"
	KindConnect     Kind = "connect"
	KindVlogExpired Kind = "vlog_expired"
)

// Callback is a durable request to run a handler for a livestream at Due.
type Callback struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	LivestreamID string    `json:"livestream_id"`
	UserID       string    `json:"user_id"`
	TriggerAt    time.Time `json:"trigger_at"`
	Due          time.Time `json:"due"`
}

type Store interface {
	PutTimeout(ctx context.Context, cb Callback) error
	DeleteTimeout(ctx context.Context, id string) error
	PendingTimeouts(ctx context.Context) ([]Callback, error)
}

// OnceScheduler is the subset of the task scheduler used to arm timers.
type OnceScheduler interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

type Handler func(ctx context.Context, cb Callback) error

const (
	defaultRunTimeout   = time.Minute
	defaultRetryBase    = 30 * time.Second
	defaultRetryMaxWait = 10 * time.Minute
)

type Service struct {
	store Store
	sched OnceScheduler
	log   logx.Logger
	bus   eventbus.Bus

	mu        sync.RWMutex
	handlers  map[Kind]Handler
	timeout   time.Duration
	retryBase time.Duration
	retryMax  time.Duration
	// failures counts consecutive handler failures per armed callback. A
	// callback missing here was cancelled and is not re-armed.
	failures map[string]int
}

func New(store Store, sched OnceScheduler, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		sched:    sched,
		log:      log.With(logx.String("comp", "timeouts")),
		bus:      bus,
		handlers:  make(map[Kind]Handler),
		timeout:   defaultRunTimeout,
		retryBase: defaultRetryBase,
		retryMax:  defaultRetryMaxWait,
		failures:  make(map[string]int),
	}
}

// SetRunTimeout bounds a single handler run.
func (s *Service) SetRunTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultRunTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// SetRetryBackoff sets the delay before a failed callback runs again. The
// delay doubles per consecutive failure up to maxWait.
func (s *Service) SetRetryBackoff(base, maxWait time.Duration) {
	if base <= 0 {
		base = defaultRetryBase
	}
	if maxWait < base {
		maxWait = max(base, defaultRetryMaxWait)
	}
	s.mu.Lock()
	s.retryBase, s.retryMax = base, maxWait
	s.mu.Unlock()
}

// Handle registers h for kind, replacing any previous handler.
func (s *Service) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Schedule persists cb and arms its timer. An empty ID gets a fresh one.
func (s *Service) Schedule(ctx context.Context, cb Callback) error {
	if cb.Kind == "" || cb.LivestreamID == "" {
		return errors.New("timeout kind and livestream id are required")
	}
	if cb.Due.IsZero() {
		return errors.New("timeout due time is required")
	}
	if cb.ID == "" {
		cb.ID = uuid.NewString()
	}
	if err := s.store.PutTimeout(ctx, cb); err != nil {
		return fmt.Errorf("persist timeout: %w", err)
	}
	if err := s.arm(cb); err != nil {
		return err
	}
	s.log.Debug("timeout scheduled",
		logx.String("id", cb.ID),
		logx.String("kind", string(cb.Kind)),
		logx.String("livestream", cb.LivestreamID),
		logx.Time("due", cb.Due),
	)
	return nil
}

// Cancel drops a pending callback.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
	s.sched.Remove(jobName(id))
	return s.store.DeleteTimeout(ctx, id)
}

// Restore re-arms every persisted callback. Overdue ones fire right away.
func (s *Service) Restore(ctx context.Context) (int, error) {
	pending, err := s.store.PendingTimeouts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending timeouts: %w", err)
	}
	n := 0
	for _, cb := range pending {
		if err := s.arm(cb); err != nil {
			s.log.Warn("timeout restore failed", logx.String("id", cb.ID), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("timeouts restored", logx.Int("count", n))
	}
	return n, nil
}

func (s *Service) arm(cb Callback) error {
	at := cb.Due
	if now := time.Now(); at.Before(now) {
		at = now
	}
	s.mu.Lock()
	timeout := s.timeout
	if _, ok := s.failures[cb.ID]; !ok {
		s.failures[cb.ID] = 0
	}
	s.mu.Unlock()
	if _, err := s.sched.AddOnce(jobName(cb.ID), at, timeout, func(ctx context.Context) error {
		return s.fire(ctx, cb)
	}); err != nil {
		return fmt.Errorf("arm timeout %s: %w", cb.ID, err)
	}
	return nil
}

// fire runs the handler and forgets the callback once it succeeded. A failed
// handler keeps the row and re-arms it after a backoff; the new due time is
// persisted so a restart honours it.
func (s *Service) fire(ctx context.Context, cb Callback) error {
	s.mu.RLock()
	h := s.handlers[cb.Kind]
	s.mu.RUnlock()
	if h == nil {
		s.log.Warn("no handler for timeout", logx.String("id", cb.ID), logx.String("kind", string(cb.Kind)))
		s.forget(cb.ID)
		return s.store.DeleteTimeout(ctx, cb.ID)
	}

	herr := h(ctx, cb)
	if herr == nil {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTimeoutFired, Data: cb})
		}
		s.forget(cb.ID)
		return s.store.DeleteTimeout(ctx, cb.ID)
	}

	s.mu.Lock()
	n, live := s.failures[cb.ID]
	if live {
		n++
		s.failures[cb.ID] = n
	}
	wait := backoff(s.retryBase, s.retryMax, n)
	s.mu.Unlock()

	if !live {
		s.log.Debug("cancelled timeout failed", logx.String("id", cb.ID), logx.Err(herr))
		return nil
	}
	cb.Due = time.Now().Add(wait)
	s.log.Warn("timeout handler failed",
		logx.String("id", cb.ID),
		logx.String("kind", string(cb.Kind)),
		logx.String("livestream", cb.LivestreamID),
		logx.Int("failures", n),
		logx.Duration("retry_in", wait),
		logx.Err(herr),
	)
	// The run context may already be spent by a slow handler.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.PutTimeout(pctx, cb); err != nil {
		return fmt.Errorf("persist timeout retry: %w", errors.Join(herr, err))
	}
	if err := s.arm(cb); err != nil {
		return errors.Join(herr, err)
	}
	return nil
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
}

func backoff(base, maxWait time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures && d < maxWait; i++ {
		d *= 2
	}
	return min(d, maxWait)
}

func jobName(id string) string { return "timeout." + id }
