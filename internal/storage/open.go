package storage

import (
	"context"
	"errors"
	"strings"

	"vlogd/internal/model"
	logx "vlogd/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	path := ":memory:"
	switch driver {
	case "", "memory":
	case "sqlite", "sqlite3":
		path = strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, errors.New("storage.path is required for sqlite driver")
		}
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	st, err := openSQLite(path, cfg, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SeedUsers upserts users into the directory. Invalid users are skipped and
// reported together.
func SeedUsers(ctx context.Context, st Store, users []model.User) (int, error) {
	var errs []error
	n := 0
	for _, u := range users {
		if _, err := u.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := st.PutUser(ctx, u); err != nil {
			return n, err
		}
		n++
	}
	return n, errors.Join(errs...)
}
