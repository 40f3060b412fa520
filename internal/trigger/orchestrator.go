// Package trigger turns a scheduling minute into record requests: it picks
// the due users, claims a livestream for each and notifies them.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vlogd/internal/eventbus"
	"vlogd/internal/livestream"
	"vlogd/internal/model"
	"vlogd/internal/selection"
	"vlogd/internal/timeouts"
	logx "vlogd/pkg/logx"
)

// Dispatcher delivers a record request to a user. A nil return means the
// request was handed to the transport.
type Dispatcher interface {
	SendRecordRequest(ctx context.Context, userID string, req model.RecordRequest) error
}

// Claims looks up the livestream a user holds for a trigger minute.
type Claims interface {
	FindByTrigger(ctx context.Context, userID string, triggerAt time.Time) (model.Livestream, error)
}

type Config struct {
	// Concurrency bounds the users processed in parallel for one minute.
	Concurrency int
	// UserTimeout bounds one user's claim and notify.
	UserTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.UserTimeout <= 0 {
		c.UserTimeout = time.Minute
	}
	return c
}

// Report summarizes one minute.
type Report struct {
	Minute   time.Time `json:"minute"`
	Selected int       `json:"selected"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	// Skipped counts users that already held a claim for the minute.
	Skipped int `json:"skipped"`
}

// SentEvent is published after a record request went out.
type SentEvent struct {
	UserID       string    `json:"user_id"`
	LivestreamID string    `json:"livestream_id"`
	RecordID     string    `json:"record_id"`
	TriggerAt    time.Time `json:"trigger_at"`
	Error        string    `json:"error,omitempty"`
}

type Orchestrator struct {
	sel      *selection.Selector
	lc       *livestream.Lifecycle
	claims   Claims
	dispatch Dispatcher
	timeouts livestream.TimeoutScheduler
	log      logx.Logger
	bus      eventbus.Bus

	mu  sync.RWMutex
	cfg Config

	now func() time.Time
}

func New(sel *selection.Selector, lc *livestream.Lifecycle, claims Claims, d Dispatcher, ts livestream.TimeoutScheduler, cfg Config, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		sel:      sel,
		lc:       lc,
		claims:   claims,
		dispatch: d,
		timeouts: ts,
		log:      log,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// ProcessForMinute sends a record request to every user due at the minute
// of at. Users are processed independently; one failure never stops the
// others. The returned error is only set when selection itself failed.
func (o *Orchestrator) ProcessForMinute(ctx context.Context, at time.Time) (Report, error) {
	cfg := o.config()
	minute := model.TriggerMinute(at)
	rep := Report{Minute: minute}

	var (
		wg           sync.WaitGroup
		sent, failed atomic.Int64
		skipped      atomic.Int64
		selErr       error
	)
	sem := make(chan struct{}, cfg.Concurrency)

	for u, err := range o.sel.ForMinute(ctx, minute) {
		if err != nil {
			selErr = err
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			selErr = ctx.Err()
		}
		if selErr != nil {
			break
		}
		rep.Selected++
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()

			uctx, cancel := context.WithTimeout(ctx, cfg.UserTimeout)
			defer cancel()
			_, err := o.SendRequest(uctx, userID, minute)
			switch {
			case err == nil:
				sent.Add(1)
			case errors.Is(err, model.ErrDuplicateClaim):
				skipped.Add(1)
				o.log.Debug("user already claimed", logx.String("user", userID), logx.Time("minute", minute))
			default:
				failed.Add(1)
				o.log.Warn("record request failed", logx.String("user", userID), logx.Time("minute", minute), logx.Err(err))
			}
		}(u.ID)
	}
	wg.Wait()

	rep.Sent = int(sent.Load())
	rep.Failed = int(failed.Load())
	rep.Skipped = int(skipped.Load())
	if selErr != nil {
		o.log.Error("user selection failed", logx.Time("minute", minute), logx.Int("selected", rep.Selected), logx.Err(selErr))
		return rep, fmt.Errorf("select users for %s: %w", minute.Format(time.RFC3339), selErr)
	}
	if rep.Selected > 0 {
		o.log.Info("minute processed", logx.Time("minute", minute), logx.Int("selected", rep.Selected), logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped))
	}
	return rep, nil
}

// SendRequest claims a livestream for userID and notifies them. When the
// notification fails the claim goes back to the pool.
func (o *Orchestrator) SendRequest(ctx context.Context, userID string, triggerAt time.Time) (model.RecordRequest, error) {
	ls, err := o.lc.ClaimForUser(ctx, userID, triggerAt)
	if err != nil {
		return model.RecordRequest{}, fmt.Errorf("claim for %s: %w", userID, err)
	}
	timeout := o.lc.Pool().Config().NoResponseTimeout
	req := model.RecordRequest{
		LivestreamID: ls.ID,
		RecordID:     ls.RecordID,
		RequestedAt:  ls.TriggerAt,
		Timeout:      timeout,
		Location:     ls.Location,
	}

	// Armed before the send so a crash between the two still recycles the
	// claim. After a release the callback finds nothing and does nothing.
	if o.timeouts != nil {
		cb := timeouts.Callback{
			Kind:         timeouts.KindNoResponse,
			LivestreamID: ls.ID,
			UserID:       userID,
			TriggerAt:    ls.TriggerAt,
			Due:          o.now().Add(timeout),
		}
		if err := o.timeouts.Schedule(ctx, cb); err != nil {
			o.log.Warn("schedule no-response timeout failed", logx.String("livestream", ls.ID), logx.String("user", userID), logx.Bool("reconcile", true), logx.Err(err))
		}
	}

	if err := o.dispatch.SendRecordRequest(ctx, userID, req); err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.lc.Pool().Config().OpTimeout*2)
		defer cancel()
		if rerr := o.lc.ReleaseClaim(rctx, ls.ID, userID); rerr != nil {
			o.log.Warn("release claim failed", logx.String("livestream", ls.ID), logx.String("user", userID), logx.Bool("reconcile", true), logx.Err(rerr))
		}
		o.publish(eventbus.TypeTriggerFailed, req, userID, err)
		return model.RecordRequest{}, fmt.Errorf("notify %s: %w", userID, err)
	}

	o.log.Info("record request sent", logx.String("user", userID), logx.String("livestream", ls.ID), logx.String("record", ls.RecordID), logx.Time("trigger_at", ls.TriggerAt))
	o.publish(eventbus.TypeTriggerSent, req, userID, nil)
	return req, nil
}

// ProcessTimeout handles the no-response deadline of a request. It is safe
// to call late or more than once.
func (o *Orchestrator) ProcessTimeout(ctx context.Context, userID string, triggerAt time.Time) error {
	ls, err := o.claims.FindByTrigger(ctx, userID, model.TriggerMinute(triggerAt))
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch ls.State {
	case model.StatePendingUser:
		return o.lc.ProcessNoResponseTimeout(ctx, ls.ID, userID)
	case model.StateCreatedInternal:
		return fmt.Errorf("%w: livestream %s bound to user %s while %s", model.ErrInvariantViolation, ls.ID, userID, ls.State)
	default:
		o.log.Debug("no-response timeout after progress", logx.String("livestream", ls.ID), logx.String("user", userID), logx.String("state", string(ls.State)))
		return nil
	}
}

// HandleTimeout routes a fired durable callback. Callbacks whose livestream
// has since been reused for another claim are dropped.
func (o *Orchestrator) HandleTimeout(ctx context.Context, cb timeouts.Callback) error {
	if cb.Kind == timeouts.KindNoResponse {
		return o.ProcessTimeout(ctx, cb.UserID, cb.TriggerAt)
	}

	ls, err := o.lc.Pool().Get(ctx, cb.LivestreamID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ls.OwnerUserID != cb.UserID || !ls.TriggerAt.Equal(model.TriggerMinute(cb.TriggerAt)) {
		return nil
	}
	switch cb.Kind {
	case timeouts.KindConnect:
		return o.lc.OnConnectTimeout(ctx, cb.LivestreamID)
	case timeouts.KindVlogExpired:
		return o.lc.OnVlogTimeExpired(ctx, cb.LivestreamID)
	default:
		return fmt.Errorf("unknown timeout kind %q", cb.Kind)
	}
}

func (o *Orchestrator) publish(typ string, req model.RecordRequest, userID string, err error) {
	if o.bus == nil {
		return
	}
	ev := SentEvent{UserID: userID, LivestreamID: req.LivestreamID, RecordID: req.RecordID, TriggerAt: req.RequestedAt}
	if err != nil {
		ev.Error = err.Error()
	}
	o.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
