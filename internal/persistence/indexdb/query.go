package indexdb

import (
	"context"
	"database/sql"
	"time"
)

// Flushes returns the most recent flushes, newest first.
func (s *SQLiteIndex) Flushes(ctx context.Context, limit int) ([]FlushRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT at,blocks,duration_ms,backend,error,final FROM flushes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FlushRow
	for rows.Next() {
		var (
			at    string
			ms    int64
			errS  sql.NullString
			final int
			r     FlushRow
		)
		if err := rows.Scan(&at, &r.Blocks, &ms, &r.Backend, &errS, &final); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Error = errS.String
		r.Final = final != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sessions returns the most recent session events, newest first. An empty
// sessionID matches every session.
func (s *SQLiteIndex) Sessions(ctx context.Context, sessionID string, limit int) ([]SessionRow, error) {
	q := `SELECT at,session_id,account,remote,event,reason FROM sessions`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var (
			at      string
			account sql.NullString
			reason  sql.NullString
			r       SessionRow
		)
		if err := rows.Scan(&at, &r.SessionID, &account, &r.Remote, &r.Event, &reason); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Account = account.String
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

type EditCount struct {
	Actor string `json:"actor"`
	Edits int    `json:"edits"`
}

// EditsByActor counts indexed edits per principal.
func (s *SQLiteIndex) EditsByActor(ctx context.Context) ([]EditCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor, COUNT(*) FROM edits GROUP BY actor ORDER BY COUNT(*) DESC, actor`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EditCount
	for rows.Next() {
		var c EditCount
		if err := rows.Scan(&c.Actor, &c.Edits); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
