package livestream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vlogd/internal/eventbus"
	"vlogd/internal/model"
	"vlogd/internal/task/engine"
	logx "vlogd/pkg/logx"
)

// Pool owns the livestream rows and every state change applied to them.
// Each operation is a single conditional write, so concurrent callers on the
// same row cannot both win.
type Pool struct {
	store    Store
	provider Provider
	log      logx.Logger
	bus      eventbus.Bus

	mu  sync.RWMutex
	cfg Config

	now   func() time.Time
	newID func() string
}

func NewPool(store Store, provider Provider, cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		store:    store,
		provider: provider,
		log:      log,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// Config returns the current timings.
func (p *Pool) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Pool) Get(ctx context.Context, id string) (model.Livestream, error) {
	return p.store.Get(ctx, id)
}

// Stats counts livestreams per state.
func (p *Pool) Stats(ctx context.Context) (map[model.State]int, error) {
	return p.store.CountByState(ctx)
}

// TryGetFromPool returns an available livestream, provisioning a new one
// when none is free. It never claims.
func (p *Pool) TryGetFromPool(ctx context.Context) (model.Livestream, error) {
	avail, err := p.store.ListAvailable(ctx, 1)
	if err != nil {
		return model.Livestream{}, err
	}
	if len(avail) > 0 {
		return avail[0], nil
	}
	return p.provision(ctx)
}

func (p *Pool) provision(ctx context.Context) (model.Livestream, error) {
	var b Broadcast
	err := p.callProvider(ctx, "provision", "", true, func(c context.Context) error {
		var err error
		b, err = p.provider.ProvisionEvent(c)
		return err
	})
	if err != nil {
		return model.Livestream{}, err
	}

	now := p.now().UTC()
	ls := model.Livestream{
		ID:             p.newID(),
		ExternalID:     b.ExternalID,
		Location:       b.Location,
		State:          model.StateCreatedInternal,
		CreatedAt:      now,
		UpdatedAt:      now,
		StateChangedAt: now,
	}
	if err := p.store.Create(ctx, ls); err != nil {
		// Nothing references the event yet.
		if derr := p.callProvider(ctx, "delete", b.ExternalID, true, func(c context.Context) error {
			return p.provider.DeleteEvent(c, b.ExternalID)
		}); derr != nil {
			p.log.Warn("orphaned broadcast event", logx.String("external_id", b.ExternalID), logx.Bool("reconcile", true), logx.Err(derr))
		}
		return model.Livestream{}, fmt.Errorf("create livestream: %w", err)
	}

	ls, err = p.transition(ctx, ls.ID, model.StateCreatedInternal, model.EventPublish, nil)
	if err != nil {
		return model.Livestream{}, err
	}
	p.log.Info("livestream provisioned", logx.String("livestream", ls.ID), logx.String("external_id", ls.ExternalID))
	return ls, nil
}

// ClaimForUser binds a Created livestream to userID for triggerAt and
// reserves a video record in the same write.
func (p *Pool) ClaimForUser(ctx context.Context, id, userID string, triggerAt time.Time) (model.Livestream, error) {
	claim := &Claim{UserID: userID, TriggerAt: model.TriggerMinute(triggerAt), RecordID: p.newID()}
	return p.transition(ctx, id, model.StateCreated, model.EventClaim, func(ch *Change) {
		ch.Claim = claim
	})
}

func (p *Pool) MarkPendingUserConnect(ctx context.Context, id, playbackURL string) (model.Livestream, error) {
	return p.transition(ctx, id, model.StatePendingUser, model.EventStartStreaming, func(ch *Change) {
		ch.PlaybackURL = &playbackURL
	})
}

func (p *Pool) MarkLive(ctx context.Context, id string) (model.Livestream, error) {
	return p.transition(ctx, id, model.StatePendingUserConnect, model.EventConnect, func(ch *Change) {
		ch.RecordStatus = model.RecordRecording
	})
}

// MarkPendingClosure ends a live session. ev is EventDisconnect or EventExpire.
func (p *Pool) MarkPendingClosure(ctx context.Context, id string, ev model.Event) (model.Livestream, error) {
	if ev != model.EventDisconnect && ev != model.EventExpire {
		return model.Livestream{}, fmt.Errorf("mark pending closure: unexpected event %s", ev)
	}
	return p.transition(ctx, id, model.StateLive, ev, func(ch *Change) {
		ch.RecordStatus = model.RecordCompleted
	})
}

func (p *Pool) MarkClosed(ctx context.Context, id string) (model.Livestream, error) {
	return p.transition(ctx, id, model.StatePendingClosure, model.EventClose, nil)
}

func (p *Pool) MarkNoResponse(ctx context.Context, id string) (model.Livestream, error) {
	return p.transition(ctx, id, model.StatePendingUser, model.EventNoResponse, func(ch *Change) {
		ch.DeleteUnusedRecord = true
	})
}

func (p *Pool) MarkNeverConnected(ctx context.Context, id string) (model.Livestream, error) {
	return p.transition(ctx, id, model.StatePendingUserConnect, model.EventNeverConnected, func(ch *Change) {
		ch.DeleteUnusedRecord = true
	})
}

// ResetToCreated returns a finished livestream to the pool.
func (p *Pool) ResetToCreated(ctx context.Context, id string) (model.Livestream, error) {
	ls, err := p.store.Get(ctx, id)
	if err != nil {
		return model.Livestream{}, err
	}
	return p.reset(ctx, ls)
}

func (p *Pool) reset(ctx context.Context, ls model.Livestream) (model.Livestream, error) {
	if _, ok := model.Next(ls.State, model.EventReset); !ok {
		return model.Livestream{}, model.Conflict(ls.ID, model.EventReset, ls.State)
	}
	return p.transition(ctx, ls.ID, ls.State, model.EventReset, func(ch *Change) {
		ch.Release = true
	})
}

// Cleanup tears down outputs of a finished session and resets the row.
// Running it again on an already reset row is a no-op.
func (p *Pool) Cleanup(ctx context.Context, id string) error {
	ls, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch ls.State {
	case model.StateCreated:
		return nil
	case model.StatePendingClosure:
		p.deleteOutputs(ctx, ls)
		ls, err = p.MarkClosed(ctx, id)
		if err != nil {
			return p.settled(ctx, id, err)
		}
	case model.StateClosed:
	default:
		return model.Conflict(id, model.EventClose, ls.State)
	}
	if _, err := p.reset(ctx, ls); err != nil {
		return p.settled(ctx, id, err)
	}
	return nil
}

// CleanupTimedOut resets a livestream whose user never answered.
func (p *Pool) CleanupTimedOut(ctx context.Context, id string) error {
	return p.cleanupFrom(ctx, id, model.StateUserNoResponseTimeout, false)
}

// CleanupNeverConnected resets a livestream whose user never connected.
func (p *Pool) CleanupNeverConnected(ctx context.Context, id string) error {
	return p.cleanupFrom(ctx, id, model.StateUserNeverConnectedTimeout, true)
}

func (p *Pool) cleanupFrom(ctx context.Context, id string, from model.State, outputs bool) error {
	ls, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ls.State == model.StateCreated {
		return nil
	}
	if ls.State != from {
		return model.Conflict(id, model.EventReset, ls.State)
	}
	if outputs {
		p.deleteOutputs(ctx, ls)
	}
	if _, err := p.reset(ctx, ls); err != nil {
		return p.settled(ctx, id, err)
	}
	return nil
}

// settled swallows a conflict when a concurrent cleanup already reset the row.
func (p *Pool) settled(ctx context.Context, id string, err error) error {
	if !model.IsStateConflict(err) {
		return err
	}
	cur, gerr := p.store.Get(ctx, id)
	if gerr == nil && cur.State == model.StateCreated {
		return nil
	}
	return err
}

func (p *Pool) deleteOutputs(ctx context.Context, ls model.Livestream) {
	err := p.callProvider(ctx, "delete_outputs", ls.ExternalID, true, func(c context.Context) error {
		return p.provider.DeleteOutputs(c, ls.ExternalID)
	})
	if err != nil {
		p.log.Warn("delete outputs failed", logx.String("livestream", ls.ID), logx.String("external_id", ls.ExternalID), logx.Bool("reconcile", true), logx.Err(err))
	}
}

// stopEvent stops the provider event with retries.
func (p *Pool) stopEvent(ctx context.Context, ls model.Livestream) error {
	return p.callProvider(ctx, "stop", ls.ExternalID, true, func(c context.Context) error {
		return p.provider.StopEvent(c, ls.ExternalID)
	})
}

// callProvider bounds fn with the per-call timeout and retries idempotent
// calls. Failures come back as *model.ExternalProviderError.
func (p *Pool) callProvider(ctx context.Context, op, externalID string, idempotent bool, fn func(ctx context.Context) error) error {
	cfg := p.Config()
	opt := engine.TaskOptions{RetryMax: cfg.ProviderRetryMax, RetryBase: cfg.ProviderRetryBase}
	if !idempotent {
		opt.RetryMax = 0
	}
	err := engine.Retry(ctx, opt, func(c context.Context) error {
		c, cancel := context.WithTimeout(c, cfg.OpTimeout)
		defer cancel()
		return fn(c)
	})
	if err == nil {
		return nil
	}
	var pe *model.ExternalProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &model.ExternalProviderError{Op: op, ExternalID: externalID, Err: err}
}

func (p *Pool) transition(ctx context.Context, id string, from model.State, ev model.Event, mutate func(*Change)) (model.Livestream, error) {
	to, ok := model.Next(from, ev)
	if !ok {
		return model.Livestream{}, model.Conflict(id, ev, from)
	}
	ch := Change{ID: id, Event: ev, From: from, To: to, At: p.now().UTC()}
	if mutate != nil {
		mutate(&ch)
	}
	ls, err := p.store.Apply(ctx, ch)
	if err != nil {
		return model.Livestream{}, err
	}

	userID := ls.OwnerUserID
	if ch.Claim != nil {
		userID = ch.Claim.UserID
	}
	p.log.Debug("livestream transition", logx.String("livestream", id), logx.String("from", string(from)), logx.String("to", string(to)), logx.String("event", string(ev)))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeLivestreamTransition, Data: TransitionEvent{ID: id, From: from, To: to, Event: ev, UserID: userID}})
	}
	return ls, nil
}
