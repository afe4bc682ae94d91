package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rendis/ruledbg/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Sessions ---

func (s *LibSQLStore) CreateSession(ctx context.Context, sess *Session) error {
	state := sess.State
	if state == "" {
		state = schema.StateStopped
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, rule_source, state, step_index, total_steps, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RuleSource, string(state), sess.StepIndex, sess.TotalSteps,
		nullStr(sess.Error), timeOrNow(sess.CreatedAt), nullTime(sess.StartedAt),
		nullTime(sess.CompletedAt), timeOrNow(sess.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var (
		state                  string
		errMsg                 sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, rule_source, state, step_index, total_steps, error, created_at, started_at, completed_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.RuleSource, &state, &sess.StepIndex, &sess.TotalSteps,
		&errMsg, &sess.CreatedAt, &startedAt, &completedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	sess.State = schema.DebugStateKind(state)
	sess.Error = errMsg.String
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return sess, nil
}

func (s *LibSQLStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.StepIndex != nil {
		sets = append(sets, "step_index = ?")
		args = append(args, *update.StepIndex)
	}
	if update.TotalSteps != nil {
		sets = append(sets, "total_steps = ?")
		args = append(args, *update.TotalSteps)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	var where []string
	var args []any

	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.Before != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.Before)
	}

	query := `SELECT id, rule_source, state, step_index, total_steps, error, created_at, started_at, completed_at, updated_at FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		var (
			state                  string
			errMsg                 sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.RuleSource, &state, &sess.StepIndex, &sess.TotalSteps,
			&errMsg, &sess.CreatedAt, &startedAt, &completedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.State = schema.DebugStateKind(state)
		sess.Error = errMsg.String
		if startedAt.Valid {
			sess.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *LibSQLStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

// --- Breakpoints ---

func (s *LibSQLStore) SetBreakpoint(ctx context.Context, bp *BreakpointRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO breakpoints (session_id, line, condition, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, line) DO UPDATE SET condition=excluded.condition`,
		bp.SessionID, bp.Line, nullStr(bp.Condition), timeOrNow(bp.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) RemoveBreakpoint(ctx context.Context, sessionID string, line int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM breakpoints WHERE session_id = ? AND line = ?`, sessionID, line,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "breakpoint", fmt.Sprintf("%s:%d", sessionID, line))
}

func (s *LibSQLStore) ListBreakpoints(ctx context.Context, sessionID string) ([]*BreakpointRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, line, condition, created_at FROM breakpoints WHERE session_id = ? ORDER BY line ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bps []*BreakpointRow
	for rows.Next() {
		bp := &BreakpointRow{}
		var cond sql.NullString
		if err := rows.Scan(&bp.SessionID, &bp.Line, &cond, &bp.CreatedAt); err != nil {
			return nil, err
		}
		bp.Condition = cond.String
		bps = append(bps, bp)
	}
	return bps, rows.Err()
}

// --- Traces ---

// SaveTrace persists the enriched step trace as a msgpack blob, replacing
// any earlier trace for the session.
func (s *LibSQLStore) SaveTrace(ctx context.Context, sessionID string, steps []schema.EnrichedDebugStep) error {
	blob, err := msgpack.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO traces (session_id, steps, step_count, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(session_id) DO UPDATE SET steps=excluded.steps, step_count=excluded.step_count, created_at=CURRENT_TIMESTAMP`,
		sessionID, blob, len(steps),
	)
	return err
}

func (s *LibSQLStore) LoadTrace(ctx context.Context, sessionID string) ([]schema.EnrichedDebugStep, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT steps FROM traces WHERE session_id = ?`, sessionID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trace", sessionID)
	}
	if err != nil {
		return nil, err
	}
	var steps []schema.EnrichedDebugStep
	if err := msgpack.Unmarshal(blob, &steps); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	return steps, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this session.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?)`,
		event.SessionID, event.Type, nullRaw(event.Payload), timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, timestamp, sequence
		 FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, session_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.DebugError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
