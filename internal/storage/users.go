package storage

import (
	"context"
	"database/sql"
	"errors"
	"iter"

	"vlogd/internal/model"
)

// userPageSize bounds how many directory rows one query reads. Paging keeps
// the connection free between pages while the caller works on a user.
const userPageSize = 256

func (s *sqliteStore) PutUser(ctx context.Context, u model.User) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, timezone, daily_request_limit, notify_target, active) VALUES(?,?,?,?,1)
		 ON CONFLICT(id) DO UPDATE SET
			timezone=excluded.timezone,
			daily_request_limit=excluded.daily_request_limit,
			notify_target=excluded.notify_target,
			active=1`,
		u.ID, u.Timezone, u.DailyRequestLimit, u.NotifyTarget,
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (model.User, error) {
	if s.closed.Load() {
		return model.User{}, ErrClosed
	}
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, timezone, daily_request_limit, notify_target FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Timezone, &u.DailyRequestLimit, &u.NotifyTarget)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, &model.NotFoundError{Kind: "user", ID: id}
	}
	return u, err
}

// DisableUser removes a user from scheduling without deleting history.
func (s *sqliteStore) DisableUser(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "user", ID: id}
	}
	return nil
}

// EligibleUsers streams active users ordered by id, one page at a time. Rows
// are returned as stored; validation is left to the caller.
func (s *sqliteStore) EligibleUsers(ctx context.Context) iter.Seq2[model.User, error] {
	return func(yield func(model.User, error) bool) {
		if s.closed.Load() {
			yield(model.User{}, ErrClosed)
			return
		}
		after := ""
		for {
			page, err := s.userPage(ctx, after)
			if err != nil {
				yield(model.User{}, err)
				return
			}
			for _, u := range page {
				if !yield(u, nil) {
					return
				}
			}
			if len(page) < userPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *sqliteStore) userPage(ctx context.Context, after string) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timezone, daily_request_limit, notify_target FROM users
		 WHERE active = 1 AND id > ? ORDER BY id LIMIT ?`,
		after, userPageSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	page := make([]model.User, 0, userPageSize)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Timezone, &u.DailyRequestLimit, &u.NotifyTarget); err != nil {
			return nil, err
		}
		page = append(page, u)
	}
	return page, rows.Err()
}
