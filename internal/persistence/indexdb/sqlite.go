// Package indexdb keeps a queryable SQLite index of flushes, session events
// and edits. Writes are queued to a single writer goroutine and dropped when
// the queue is full; the audit segments remain the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"centredsharp/internal/world"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFlush   atomic.Uint64
	dropSession atomic.Uint64
	dropEdit    atomic.Uint64
}

type reqKind int

const (
	reqFlush reqKind = iota + 1
	reqSession
	reqEdit
	reqBarrier
)

type req struct {
	kind reqKind

	flush   FlushRow
	session SessionRow
	edit    world.AuditEntry
	done    chan struct{}
}

type FlushRow struct {
	At       time.Time     `json:"at"`
	Blocks   int           `json:"blocks"`
	Duration time.Duration `json:"duration"`
	Backend  string        `json:"backend"`
	Error    string        `json:"error,omitempty"`
	Final    bool          `json:"final,omitempty"`
}

// Session event kinds.
const (
	EventConnect    = "connect"
	EventLogin      = "login"
	EventDisconnect = "disconnect"
)

type SessionRow struct {
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Account   string    `json:"account,omitempty"`
	Remote    string    `json:"remote"`
	Event     string    `json:"event"`
	Reason    string    `json:"reason,omitempty"`
}

type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropFlushTotal   uint64
	DropSessionTotal uint64
	DropEditTotal    uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS flushes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			blocks INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			backend TEXT NOT NULL,
			error TEXT,
			final INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			session_id TEXT NOT NULL,
			account TEXT,
			remote TEXT NOT NULL,
			event TEXT NOT NULL,
			reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_session ON sessions(session_id, id);`,
		`CREATE TABLE IF NOT EXISTS edits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			from_tile INTEGER NOT NULL,
			to_tile INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_edits_actor ON edits(actor, at);`,
		`CREATE INDEX IF NOT EXISTS idx_edits_pos ON edits(x, y, at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordFlush(r FlushRow) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqFlush, flush: r}, &s.dropFlush)
}

func (s *SQLiteIndex) RecordSession(r SessionRow) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSession, session: r}, &s.dropSession)
}

func (s *SQLiteIndex) WriteAudit(e world.AuditEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqEdit, edit: e}, &s.dropEdit)
	return nil
}

// Sync blocks until everything queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqBarrier, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropFlushTotal:   s.dropFlush.Load(),
		DropSessionTotal: s.dropSession.Load(),
		DropEditTotal:    s.dropEdit.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFlush, _ := s.db.Prepare(`INSERT INTO flushes(at,blocks,duration_ms,backend,error,final) VALUES(?,?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT INTO sessions(at,session_id,account,remote,event,reason) VALUES(?,?,?,?,?,?)`)
	insertEdit, _ := s.db.Prepare(`INSERT INTO edits(at,session_id,actor,action,x,y,z,from_tile,to_tile,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFlush, insertSession, insertEdit} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			_ = tx.Rollback()
			tx = nil
			return
		}
		opCount++
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()
	for {
		var r req
		select {
		case next, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = next
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}
		if r.kind == reqBarrier {
			commit()
			close(r.done)
			continue
		}
		begin()
		switch r.kind {
		case reqFlush:
			f := r.flush
			exec(insertFlush, f.At.UTC().Format(time.RFC3339Nano), f.Blocks, f.Duration.Milliseconds(), f.Backend, nullString(f.Error), boolInt(f.Final))
		case reqSession:
			se := r.session
			exec(insertSession, se.At.UTC().Format(time.RFC3339Nano), se.SessionID, nullString(se.Account), se.Remote, se.Event, nullString(se.Reason))
		case reqEdit:
			e := r.edit
			raw, _ := json.Marshal(e)
			exec(insertEdit, e.Time, e.Session, e.Actor, e.Action, e.Pos[0], e.Pos[1], e.Pos[2], int64(e.From), int64(e.To), string(raw))
		}
		if tx != nil && opCount >= commitEvery {
			commit()
		}
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
