package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vlogd/internal/livestream"
	"vlogd/internal/model"
)

const livestreamCols = `id, external_id, location, state, owner_user_id, trigger_at, record_id,
	playback_url, created_at, updated_at, state_changed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLivestream(r rowScanner) (model.Livestream, error) {
	var (
		ls                    model.Livestream
		state                 string
		owner, record         sql.NullString
		trigger               sql.NullInt64
		created, updated, chg int64
	)
	if err := r.Scan(&ls.ID, &ls.ExternalID, &ls.Location, &state, &owner, &trigger, &record,
		&ls.PlaybackURL, &created, &updated, &chg); err != nil {
		return model.Livestream{}, err
	}
	ls.State = model.State(state)
	ls.OwnerUserID = owner.String
	ls.RecordID = record.String
	if trigger.Valid {
		ls.TriggerAt = fromMS(trigger.Int64)
	}
	ls.CreatedAt, ls.UpdatedAt, ls.StateChangedAt = fromMS(created), fromMS(updated), fromMS(chg)
	return ls, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLivestream(ctx context.Context, q querier, id string) (model.Livestream, error) {
	ls, err := scanLivestream(q.QueryRowContext(ctx, `SELECT `+livestreamCols+` FROM livestreams WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Livestream{}, &model.NotFoundError{Kind: "livestream", ID: id}
	}
	return ls, err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (model.Livestream, error) {
	if s.closed.Load() {
		return model.Livestream{}, ErrClosed
	}
	return getLivestream(ctx, s.db, id)
}

func (s *sqliteStore) Create(ctx context.Context, ls model.Livestream) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if ls.ID == "" || ls.ExternalID == "" {
		return errors.New("livestream id and external id are required")
	}
	if _, err := model.ParseState(string(ls.State)); err != nil {
		return err
	}
	var trigger any
	if !ls.TriggerAt.IsZero() {
		trigger = ls.TriggerAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO livestreams(`+livestreamCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		ls.ID, ls.ExternalID, ls.Location, string(ls.State), nullStr(ls.OwnerUserID), trigger, nullStr(ls.RecordID),
		ls.PlaybackURL, toMS(ls.CreatedAt), toMS(ls.UpdatedAt), toMS(ls.StateChangedAt),
	)
	return err
}

// ListAvailable returns up to limit Created livestreams, longest idle first.
func (s *sqliteStore) ListAvailable(ctx context.Context, limit int) ([]model.Livestream, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+livestreamCols+` FROM livestreams WHERE state = ? ORDER BY state_changed_at, id LIMIT ?`,
		string(model.StateCreated), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Livestream
	for rows.Next() {
		ls, err := scanLivestream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindByTrigger(ctx context.Context, userID string, triggerAt time.Time) (model.Livestream, error) {
	if s.closed.Load() {
		return model.Livestream{}, ErrClosed
	}
	ls, err := scanLivestream(s.db.QueryRowContext(ctx,
		`SELECT `+livestreamCols+` FROM livestreams WHERE owner_user_id = ? AND trigger_at = ?`,
		userID, model.TriggerMinute(triggerAt).UnixMilli(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Livestream{}, &model.NotFoundError{Kind: "claim", ID: userID + "@" + model.TriggerMinute(triggerAt).Format(time.RFC3339)}
	}
	return ls, err
}

func (s *sqliteStore) CountByState(ctx context.Context) (map[model.State]int, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM livestreams GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.State]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[model.State(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) Record(ctx context.Context, id string) (model.VideoRecord, error) {
	if s.closed.Load() {
		return model.VideoRecord{}, ErrClosed
	}
	var (
		r                model.VideoRecord
		status           string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, livestream_id, user_id, status, created_at, updated_at FROM video_records WHERE id = ?`, id,
	).Scan(&r.ID, &r.LivestreamID, &r.UserID, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.VideoRecord{}, &model.NotFoundError{Kind: "record", ID: id}
	}
	if err != nil {
		return model.VideoRecord{}, err
	}
	r.Status = model.RecordStatus(status)
	r.CreatedAt, r.UpdatedAt = fromMS(created), fromMS(updated)
	return r, nil
}

// Apply commits ch only if the row is still in ch.From. The state write,
// owner binding and record changes land in one transaction.
func (s *sqliteStore) Apply(ctx context.Context, ch livestream.Change) (model.Livestream, error) {
	if s.closed.Load() {
		return model.Livestream{}, ErrClosed
	}
	at := ch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Livestream{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getLivestream(ctx, tx, ch.ID)
	if err != nil {
		return model.Livestream{}, err
	}
	if cur.State != ch.From {
		return model.Livestream{}, model.Conflict(ch.ID, ch.Event, cur.State)
	}

	set := []string{"state = ?", "updated_at = ?", "state_changed_at = ?"}
	args := []any{string(ch.To), at.UnixMilli(), at.UnixMilli()}
	switch {
	case ch.Claim != nil:
		trigger := model.TriggerMinute(ch.Claim.TriggerAt)
		var other string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM livestreams WHERE owner_user_id = ? AND trigger_at = ? AND id <> ?`,
			ch.Claim.UserID, trigger.UnixMilli(), ch.ID,
		).Scan(&other)
		if err == nil {
			return model.Livestream{}, duplicateClaim(ch, other)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Livestream{}, err
		}
		set = append(set, "owner_user_id = ?", "trigger_at = ?", "record_id = ?", "playback_url = ''")
		args = append(args, ch.Claim.UserID, trigger.UnixMilli(), ch.Claim.RecordID)
	case ch.Release:
		set = append(set, "owner_user_id = NULL", "trigger_at = NULL", "record_id = NULL", "playback_url = ''")
	}
	if ch.PlaybackURL != nil && !ch.Release {
		set = append(set, "playback_url = ?")
		args = append(args, *ch.PlaybackURL)
	}
	args = append(args, ch.ID, string(ch.From))

	res, err := tx.ExecContext(ctx, `UPDATE livestreams SET `+strings.Join(set, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		if ch.Claim != nil && isUniqueViolation(err) {
			return model.Livestream{}, duplicateClaim(ch, "")
		}
		return model.Livestream{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Livestream{}, err
	} else if n == 0 {
		latest, gerr := getLivestream(ctx, tx, ch.ID)
		if gerr != nil {
			return model.Livestream{}, gerr
		}
		return model.Livestream{}, model.Conflict(ch.ID, ch.Event, latest.State)
	}

	if ch.Claim != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO video_records(id, livestream_id, user_id, status, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
			ch.Claim.RecordID, ch.ID, ch.Claim.UserID, string(model.RecordReserved), at.UnixMilli(), at.UnixMilli(),
		); err != nil {
			return model.Livestream{}, fmt.Errorf("reserve record: %w", err)
		}
	}
	if cur.RecordID != "" {
		if ch.RecordStatus != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE video_records SET status = ?, updated_at = ? WHERE id = ?`,
				string(ch.RecordStatus), at.UnixMilli(), cur.RecordID,
			); err != nil {
				return model.Livestream{}, fmt.Errorf("update record: %w", err)
			}
		}
		if ch.DeleteUnusedRecord {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM video_records WHERE id = ? AND status = ?`,
				cur.RecordID, string(model.RecordReserved),
			); err != nil {
				return model.Livestream{}, fmt.Errorf("delete record: %w", err)
			}
		}
	}

	out, err := getLivestream(ctx, tx, ch.ID)
	if err != nil {
		return model.Livestream{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Livestream{}, err
	}
	return out, nil
}

func duplicateClaim(ch livestream.Change, other string) error {
	held := ""
	if other != "" {
		held = " by " + other
	}
	return fmt.Errorf("%w: user %s at %s held%s: %w",
		model.ErrDuplicateClaim, ch.Claim.UserID, model.TriggerMinute(ch.Claim.TriggerAt).Format(time.RFC3339), held,
		model.Conflict(ch.ID, ch.Event, ch.From))
}
