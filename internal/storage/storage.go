// Package storage provides DuckDB persistence for trace sessions and
// events.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"

	"github.com/probeline/probeline/internal/errors"
)

// EventKind classifies stored trace events.
type EventKind string

const (
	EventEnter    EventKind = "enter"
	EventExit     EventKind = "exit"
	EventSnapshot EventKind = "snapshot"
	EventOutput   EventKind = "output"
	EventCrash    EventKind = "crash"
)

// evictableKinds are the high-volume kinds subject to per-session
// retention. Output and crash events are exempt: they are scarce and
// carry context the trace events cannot reconstruct.
var evictableKinds = []EventKind{EventEnter, EventExit, EventSnapshot}

// Evictable reports whether retention may delete events of this kind.
func (k EventKind) Evictable() bool {
	for _, e := range evictableKinds {
		if k == e {
			return true
		}
	}
	return false
}

// Event is one stored trace event. Seq is assigned by the drain loop
// and is monotonic per session; ParentSeq links an enter event to its
// innermost open caller (0 when top-level or unknown).
type Event struct {
	Seq        int64
	Kind       EventKind
	Timestamp  uint64
	PID        int
	ThreadID   uint32
	Function   string
	SourceFile string
	Line       int
	Depth      uint16
	ParentSeq  int64
	DurationNs uint64
	Arg0       uint64
	Arg1       uint64
	Ret        uint64
	Sampled    bool
	Stream     string
	Text       string
}

// Session is one traced launch.
type Session struct {
	ID          string
	Cmd         string
	Args        []string
	ProjectRoot string
	PID         int
	BinaryHash  string
	Status      string
	CreatedAt   time.Time
	StoppedAt   *time.Time
}

// Session status values. Exited means the target ended on its own;
// stopped means the daemon tore the session down.
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
	StatusExited  = "exited"
	StatusCrashed = "crashed"
)

// Store wraps a DuckDB connection.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open creates the storage directory if needed, opens the database, and
// initializes the schema.
func Open(storagePath string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(storagePath, "probeline.duckdb")

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		errors.DeferClose(logger, db, "failed to close database")
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: logger.With().Str("component", "storage").Logger(),
	}
	if err := s.initSchema(); err != nil {
		errors.DeferClose(logger, db, "failed to close database")
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("storage opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_events_id START 1`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR PRIMARY KEY,
			cmd VARCHAR NOT NULL,
			args VARCHAR,
			project_root VARCHAR,
			pid INTEGER,
			binary_hash VARCHAR,
			status VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_events_id'),
			session_id VARCHAR NOT NULL,
			seq BIGINT NOT NULL,
			kind VARCHAR NOT NULL,
			ts UBIGINT NOT NULL,
			pid INTEGER,
			thread_id UINTEGER,
			func_name VARCHAR,
			source_file VARCHAR,
			line INTEGER,
			depth USMALLINT,
			parent_seq BIGINT,
			duration_ns UBIGINT,
			arg0 UBIGINT,
			arg1 UBIGINT,
			ret UBIGINT,
			sampled BOOLEAN,
			stream VARCHAR,
			text VARCHAR
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_kind ON events(session_id, kind)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a session row with status active.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	args, err := json.Marshal(sess.Args)
	if err != nil {
		return fmt.Errorf("marshal session args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, cmd, args, project_root, pid, binary_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Cmd, string(args), sess.ProjectRoot, sess.PID,
		sess.BinaryHash, sess.Status, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// UpdateSessionStatus marks a session stopped, exited, or crashed.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, stoppedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, stopped_at = ? WHERE id = ?`,
		status, stoppedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cmd, args, project_root, pid, binary_hash, status, created_at, stopped_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions, optionally filtered by status.
func (s *Store) ListSessions(ctx context.Context, status string) ([]Session, error) {
	query := `
		SELECT id, cmd, args, project_root, pid, binary_hash, status, created_at, stopped_at
		FROM sessions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var args sql.NullString
	var stoppedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Cmd, &args, &sess.ProjectRoot, &sess.PID,
		&sess.BinaryHash, &sess.Status, &sess.CreatedAt, &stoppedAt)
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &sess.Args); err != nil {
			return Session{}, fmt.Errorf("unmarshal session args: %w", err)
		}
	}
	if stoppedAt.Valid {
		sess.StoppedAt = &stoppedAt.Time
	}
	return sess, nil
}

// InsertEvents persists a batch of events in one transaction.
func (s *Store) InsertEvents(ctx context.Context, sessionID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	defer errors.DeferRollback(s.logger, tx)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (session_id, seq, kind, ts, pid, thread_id, func_name,
			source_file, line, depth, parent_seq, duration_ns, arg0, arg1, ret,
			sampled, stream, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range events {
		e := &events[i]
		_, err := stmt.ExecContext(ctx,
			sessionID, e.Seq, string(e.Kind), e.Timestamp, e.PID, e.ThreadID,
			e.Function, e.SourceFile, e.Line, e.Depth, e.ParentSeq,
			e.DurationNs, e.Arg0, e.Arg1, e.Ret, e.Sampled, e.Stream, e.Text,
		)
		if err != nil {
			return fmt.Errorf("insert event seq %d: %w", e.Seq, err)
		}
	}
	return tx.Commit()
}

// evictableFilter is the kind predicate shared by CountEvents and
// EnforceRetention. Count and delete must agree on which events are
// evictable or the cap drifts.
func evictableFilter() (string, []interface{}) {
	marks := make([]string, len(evictableKinds))
	args := make([]interface{}, len(evictableKinds))
	for i, k := range evictableKinds {
		marks[i] = "?"
		args[i] = string(k)
	}
	return "kind IN (" + strings.Join(marks, ", ") + ")", args
}

// CountEvents counts a session's evictable events.
func (s *Store) CountEvents(ctx context.Context, sessionID string) (int64, error) {
	filter, filterArgs := evictableFilter()
	args := append([]interface{}{sessionID}, filterArgs...)

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ? AND `+filter,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events for %s: %w", sessionID, err)
	}
	return count, nil
}

// EnforceRetention deletes the oldest evictable events above the
// per-session cap, by seq order. Returns the number evicted.
func (s *Store) EnforceRetention(ctx context.Context, sessionID string, maxEvents int64) (int64, error) {
	count, err := s.CountEvents(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	excess := count - maxEvents
	if excess <= 0 {
		return 0, nil
	}

	filter, filterArgs := evictableFilter()
	args := append([]interface{}{sessionID}, filterArgs...)
	args = append(args, excess)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE id IN (
			SELECT id FROM events
			WHERE session_id = ? AND `+filter+`
			ORDER BY seq ASC
			LIMIT ?
		)`, args...)
	if err != nil {
		return 0, fmt.Errorf("evict events for %s: %w", sessionID, err)
	}
	evicted, _ := res.RowsAffected()

	s.logger.Debug().
		Str("session_id", sessionID).
		Int64("evicted", evicted).
		Msg("retention enforced")
	return evicted, nil
}

// QueryFilter narrows QueryEvents results. Zero values mean no filter.
type QueryFilter struct {
	Kinds    []EventKind
	ThreadID uint32
	Function string
	SinceSeq int64
	Limit    int
}

// QueryEvents returns a session's events in seq order.
func (s *Store) QueryEvents(ctx context.Context, sessionID string, f QueryFilter) ([]Event, error) {
	query := `
		SELECT seq, kind, ts, pid, thread_id, func_name, source_file, line,
			depth, parent_seq, duration_ns, arg0, arg1, ret, sampled, stream, text
		FROM events WHERE session_id = ?`
	args := []interface{}{sessionID}

	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += ` AND kind IN (` + strings.Join(marks, ", ") + `)`
	}
	if f.ThreadID != 0 {
		query += ` AND thread_id = ?`
		args = append(args, f.ThreadID)
	}
	if f.Function != "" {
		query += ` AND func_name = ?`
		args = append(args, f.Function)
	}
	if f.SinceSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, f.SinceSeq)
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		err := rows.Scan(&e.Seq, &kind, &e.Timestamp, &e.PID, &e.ThreadID,
			&e.Function, &e.SourceFile, &e.Line, &e.Depth, &e.ParentSeq,
			&e.DurationNs, &e.Arg0, &e.Arg1, &e.Ret, &e.Sampled, &e.Stream, &e.Text)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}
