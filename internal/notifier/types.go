package notifier

import (
	"context"
	"time"

	"vlogd/internal/model"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds one adapter call.
	SendTimeout time.Duration

	// DedupWindow suppresses a repeated alert text, and a second record
	// request for the same user and trigger minute.
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// DedupStore persists suppression keys across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// UserLookup resolves the transport address of a user.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

type HistoryItem struct {
	At     time.Time
	Kind   string
	UserID string
	Error  string
}

// NotificationEvent is published on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind   string    `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
