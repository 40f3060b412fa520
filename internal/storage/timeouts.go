package storage

import (
	"context"

	"vlogd/internal/timeouts"
)

func (s *sqliteStore) PutTimeout(ctx context.Context, cb timeouts.Callback) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_timeouts(id, kind, livestream_id, user_id, trigger_at, due) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET due=excluded.due`,
		cb.ID, string(cb.Kind), cb.LivestreamID, cb.UserID, toMS(cb.TriggerAt), toMS(cb.Due),
	)
	return err
}

func (s *sqliteStore) DeleteTimeout(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_timeouts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) PendingTimeouts(ctx context.Context) ([]timeouts.Callback, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, livestream_id, user_id, trigger_at, due FROM pending_timeouts ORDER BY due`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []timeouts.Callback
	for rows.Next() {
		var (
			cb           timeouts.Callback
			kind         string
			trigger, due int64
		)
		if err := rows.Scan(&cb.ID, &kind, &cb.LivestreamID, &cb.UserID, &trigger, &due); err != nil {
			return nil, err
		}
		cb.Kind = timeouts.Kind(kind)
		cb.TriggerAt, cb.Due = fromMS(trigger), fromMS(due)
		out = append(out, cb)
	}
	return out, rows.Err()
}
