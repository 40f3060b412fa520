package livestream

import (
	"context"
	"errors"
	"time"

	"vlogd/internal/eventbus"
	"vlogd/internal/model"
	"vlogd/internal/task/engine"
	"vlogd/internal/timeouts"
	logx "vlogd/pkg/logx"
)

// Lifecycle drives a livestream through a user's session on top of the pool
// and performs the provider side effects of each step.
//
// User-driven calls (start, connect, disconnect) return state conflicts as
// errors. Timeout-driven calls treat a state that already moved on as a no-op.
type Lifecycle struct {
	pool     *Pool
	timeouts TimeoutScheduler
	runner   TaskRunner
	log      logx.Logger
	bus      eventbus.Bus
}

// NewLifecycle builds the service. runner may be nil, in which case cleanup
// runs inline.
func NewLifecycle(pool *Pool, ts TimeoutScheduler, runner TaskRunner, log logx.Logger, bus eventbus.Bus) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lifecycle{pool: pool, timeouts: ts, runner: runner, log: log, bus: bus}
}

func (l *Lifecycle) Pool() *Pool { return l.pool }

// ClaimForUser takes a livestream from the pool and claims it for userID.
// Losing a race on a row retries with another one.
func (l *Lifecycle) ClaimForUser(ctx context.Context, userID string, triggerAt time.Time) (model.Livestream, error) {
	attempts := l.pool.Config().ClaimAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ls, err := l.pool.TryGetFromPool(ctx)
		if err != nil {
			return model.Livestream{}, err
		}
		claimed, err := l.pool.ClaimForUser(ctx, ls.ID, userID, triggerAt)
		if err == nil {
			l.log.Info("livestream claimed", logx.String("livestream", claimed.ID), logx.String("user", userID), logx.Time("trigger_at", claimed.TriggerAt))
			return claimed, nil
		}
		if errors.Is(err, model.ErrDuplicateClaim) || !model.IsStateConflict(err) {
			return model.Livestream{}, err
		}
		l.log.Debug("claim lost race", logx.String("livestream", ls.ID), logx.String("user", userID), logx.Int("attempt", attempt))
		lastErr = err
	}
	return model.Livestream{}, lastErr
}

// OnUserStartStreaming starts the provider event for the owner, binds the
// record output and waits for the user to connect.
func (l *Lifecycle) OnUserStartStreaming(ctx context.Context, id, userID string) (model.Livestream, error) {
	ls, err := l.owned(ctx, id, userID)
	if err != nil {
		return model.Livestream{}, err
	}
	if ls.State != model.StatePendingUser {
		return model.Livestream{}, model.Conflict(id, model.EventStartStreaming, ls.State)
	}

	if err := l.pool.callProvider(ctx, "start", ls.ExternalID, false, func(c context.Context) error {
		return l.pool.provider.StartEvent(c, ls.ExternalID)
	}); err != nil {
		return model.Livestream{}, err
	}
	var playback string
	if err := l.pool.callProvider(ctx, "create_output", ls.ExternalID, false, func(c context.Context) error {
		var err error
		playback, err = l.pool.provider.CreateOutput(c, ls.ExternalID, ls.RecordID)
		return err
	}); err != nil {
		return model.Livestream{}, err
	}

	ls, err = l.pool.MarkPendingUserConnect(ctx, id, playback)
	if err != nil {
		return model.Livestream{}, err
	}
	l.schedule(ctx, timeouts.KindConnect, ls, l.pool.Config().ConnectTimeout)
	return ls, nil
}

// OnUserConnected marks the session live.
func (l *Lifecycle) OnUserConnected(ctx context.Context, id, userID string) (model.Livestream, error) {
	if _, err := l.owned(ctx, id, userID); err != nil {
		return model.Livestream{}, err
	}
	ls, err := l.pool.MarkLive(ctx, id)
	if err != nil {
		return model.Livestream{}, err
	}
	if d := l.pool.Config().MaxVlogDuration; d > 0 {
		l.schedule(ctx, timeouts.KindVlogExpired, ls, d)
	}
	return ls, nil
}

// OnUserDisconnected stops the broadcast, closes the session and hands the
// row to pool cleanup.
func (l *Lifecycle) OnUserDisconnected(ctx context.Context, id, userID string) (model.Livestream, error) {
	ls, err := l.owned(ctx, id, userID)
	if err != nil {
		return model.Livestream{}, err
	}
	if ls.State != model.StateLive {
		return model.Livestream{}, model.Conflict(id, model.EventDisconnect, ls.State)
	}
	if err := l.pool.stopEvent(ctx, ls); err != nil {
		return model.Livestream{}, err
	}
	ls, err = l.pool.MarkPendingClosure(ctx, id, model.EventDisconnect)
	if err != nil {
		return model.Livestream{}, err
	}
	l.cleanupLater(id)
	return ls, nil
}

// OnVlogTimeExpired closes a session that ran past the maximum duration. It
// does nothing unless the livestream is still live.
func (l *Lifecycle) OnVlogTimeExpired(ctx context.Context, id string) error {
	ls, err := l.pool.Get(ctx, id)
	if err != nil {
		return err
	}
	if ls.State != model.StateLive {
		return nil
	}
	if err := l.pool.stopEvent(ctx, ls); err != nil {
		return err
	}
	if _, err := l.pool.MarkPendingClosure(ctx, id, model.EventExpire); err != nil {
		return benign(err)
	}
	l.log.Info("vlog time expired", logx.String("livestream", id), logx.String("user", ls.OwnerUserID))
	l.cleanupLater(id)
	return nil
}

// OnConnectTimeout recycles a livestream whose user started but never
// connected. It does nothing once the user connected.
func (l *Lifecycle) OnConnectTimeout(ctx context.Context, id string) error {
	ls, err := l.pool.Get(ctx, id)
	if err != nil {
		return err
	}
	if ls.State != model.StatePendingUserConnect {
		return nil
	}
	if err := l.pool.stopEvent(ctx, ls); err != nil {
		l.log.Warn("stop event failed", logx.String("livestream", id), logx.Bool("reconcile", true), logx.Err(err))
	}
	if _, err := l.pool.MarkNeverConnected(ctx, id); err != nil {
		return benign(err)
	}
	l.log.Info("user never connected", logx.String("livestream", id), logx.String("user", ls.OwnerUserID))
	return l.pool.CleanupNeverConnected(ctx, id)
}

// ProcessNoResponseTimeout recycles a claim the user never acted on. Calling
// it after the state moved on is a no-op.
func (l *Lifecycle) ProcessNoResponseTimeout(ctx context.Context, id, userID string) error {
	return l.expireClaim(ctx, id, userID, "no_response")
}

// ReleaseClaim returns a claim to the pool right away, e.g. when the user
// could not be notified.
func (l *Lifecycle) ReleaseClaim(ctx context.Context, id, userID string) error {
	return l.expireClaim(ctx, id, userID, "released")
}

func (l *Lifecycle) expireClaim(ctx context.Context, id, userID, reason string) error {
	ls, err := l.pool.Get(ctx, id)
	if err != nil {
		return err
	}
	if ls.State != model.StatePendingUser {
		l.log.Debug("claim already progressed", logx.String("livestream", id), logx.String("state", string(ls.State)), logx.String("reason", reason))
		return nil
	}
	if ls.OwnerUserID != userID {
		return &model.OwnershipError{ID: id, UserID: userID, Owner: ls.OwnerUserID}
	}
	if err := l.pool.stopEvent(ctx, ls); err != nil {
		l.log.Warn("stop event failed", logx.String("livestream", id), logx.Bool("reconcile", true), logx.Err(err))
	}
	if _, err := l.pool.MarkNoResponse(ctx, id); err != nil {
		return benign(err)
	}
	if err := l.pool.CleanupTimedOut(ctx, id); err != nil {
		return err
	}
	l.log.Info("claim recycled", logx.String("livestream", id), logx.String("user", userID), logx.String("reason", reason))
	return nil
}

func (l *Lifecycle) owned(ctx context.Context, id, userID string) (model.Livestream, error) {
	ls, err := l.pool.Get(ctx, id)
	if err != nil {
		return model.Livestream{}, err
	}
	if ls.OwnerUserID != userID {
		return model.Livestream{}, &model.OwnershipError{ID: id, UserID: userID, Owner: ls.OwnerUserID}
	}
	return ls, nil
}

func (l *Lifecycle) schedule(ctx context.Context, kind timeouts.Kind, ls model.Livestream, after time.Duration) {
	if l.timeouts == nil {
		return
	}
	cb := timeouts.Callback{
		Kind:         kind,
		LivestreamID: ls.ID,
		UserID:       ls.OwnerUserID,
		TriggerAt:    ls.TriggerAt,
		Due:          time.Now().Add(after),
	}
	if err := l.timeouts.Schedule(ctx, cb); err != nil {
		// The state change is committed; the timeout will be missing until reconciled.
		l.log.Warn("schedule timeout failed", logx.String("livestream", ls.ID), logx.String("kind", string(kind)), logx.Bool("reconcile", true), logx.Err(err))
	}
}

func (l *Lifecycle) cleanupLater(id string) {
	run := func(ctx context.Context) error { return l.pool.Cleanup(ctx, id) }
	if l.runner == nil {
		if err := run(context.Background()); err != nil {
			l.log.Warn("pool cleanup failed", logx.String("livestream", id), logx.Err(err))
		}
		return
	}
	err := l.runner.Enqueue(engine.Task{
		Name:    "livestream.cleanup." + id,
		Timeout: l.pool.Config().OpTimeout * 3,
		Run:     run,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: 3},
	})
	if err != nil {
		l.log.Warn("enqueue pool cleanup failed", logx.String("livestream", id), logx.Bool("reconcile", true), logx.Err(err))
	}
}

// benign turns a lost race on a timeout path into a no-op.
func benign(err error) error {
	if model.IsStateConflict(err) {
		return nil
	}
	return err
}
