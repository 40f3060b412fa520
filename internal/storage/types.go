package storage

import (
	"context"
	"errors"
	"time"

	"vlogd/internal/livestream"
	"vlogd/internal/model"
	"vlogd/internal/selection"
	"vlogd/internal/timeouts"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-memory SQLite, lost on exit
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is the persistence API used by the daemon.
type Store interface {
	livestream.Store
	selection.Directory
	timeouts.Store

	GetUser(ctx context.Context, id string) (model.User, error)
	PutUser(ctx context.Context, u model.User) error
	DisableUser(ctx context.Context, id string) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
