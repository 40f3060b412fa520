package livestream

import (
	"context"
	"time"

	"vlogd/internal/model"
	"vlogd/internal/task/engine"
	"vlogd/internal/timeouts"
)

// Store persists livestreams and their bound video records.
//
// Apply is the only mutating call after Create. It must commit the whole
// Change atomically and only if the stored state still equals Change.From.
type Store interface {
	Get(ctx context.Context, id string) (model.Livestream, error)
	Create(ctx context.Context, ls model.Livestream) error
	ListAvailable(ctx context.Context, limit int) ([]model.Livestream, error)
	FindByTrigger(ctx context.Context, userID string, triggerAt time.Time) (model.Livestream, error)
	Apply(ctx context.Context, ch Change) (model.Livestream, error)
	Record(ctx context.Context, id string) (model.VideoRecord, error)
	CountByState(ctx context.Context) (map[model.State]int, error)
}

// Change is one conditional state write plus the field updates that must
// commit with it.
type Change struct {
	ID    string
	Event model.Event
	From  model.State
	To    model.State
	At    time.Time

	// Claim binds the owner and creates the reserved video record.
	Claim *Claim
	// PlaybackURL is stored when non-nil.
	PlaybackURL *string
	// RecordStatus updates the bound record when set.
	RecordStatus model.RecordStatus
	// DeleteUnusedRecord removes the bound record if it is still reserved.
	DeleteUnusedRecord bool
	// Release clears owner, trigger minute, record binding and playback URL.
	Release bool
}

type Claim struct {
	UserID    string
	TriggerAt time.Time
	RecordID  string
}

// Broadcast is a freshly provisioned provider event.
type Broadcast struct {
	ExternalID string
	Location   string
}

// Provider is the external broadcast service backing the pool.
type Provider interface {
	ProvisionEvent(ctx context.Context) (Broadcast, error)
	StartEvent(ctx context.Context, externalID string) error
	StopEvent(ctx context.Context, externalID string) error
	CreateOutput(ctx context.Context, externalID, recordID string) (playbackURL string, err error)
	DeleteOutputs(ctx context.Context, externalID string) error
	DeleteEvent(ctx context.Context, externalID string) error
}

// TimeoutScheduler arranges an out-of-band callback after a delay.
type TimeoutScheduler interface {
	Schedule(ctx context.Context, cb timeouts.Callback) error
}

// TaskRunner runs follow-up work in the background. *engine.Service
// satisfies it.
type TaskRunner interface {
	Enqueue(t engine.Task) error
}

// Config holds the pool and lifecycle timings.
type Config struct {
	ConnectTimeout    time.Duration
	NoResponseTimeout time.Duration
	MaxVlogDuration   time.Duration // 0 disables the expiry callback

	ClaimAttempts int
	OpTimeout     time.Duration // per provider call

	ProviderRetryMax  int
	ProviderRetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Minute
	}
	if c.NoResponseTimeout <= 0 {
		c.NoResponseTimeout = 5 * time.Minute
	}
	if c.MaxVlogDuration < 0 {
		c.MaxVlogDuration = 0
	}
	if c.ClaimAttempts <= 0 {
		c.ClaimAttempts = 3
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 15 * time.Second
	}
	if c.ProviderRetryMax < 0 {
		c.ProviderRetryMax = 0
	}
	if c.ProviderRetryBase <= 0 {
		c.ProviderRetryBase = 500 * time.Millisecond
	}
	return c
}

// TransitionEvent is published on the bus after every committed transition.
type TransitionEvent struct {
	ID     string      `json:"id"`
	From   model.State `json:"from"`
	To     model.State `json:"to"`
	Event  model.Event `json:"event"`
	UserID string      `json:"user_id,omitempty"`
}
