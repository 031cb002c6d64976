// Package store is the relational persistence adapter: append-only event
// log, bounded conversational turn store, bounded memory store, tool audit
// log and the per-user actor state blob. Every row carries a user_id and
// every read filters by it; there is no cross-user access path.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Memory is one row of the bounded per-user memory store.
type Memory struct {
	ID            string
	UserID        string
	Type          string // fact, preference, constraint, style, episode, note
	ContentJSON   []byte
	EmbeddingJSON []byte
	Source        string
	Sensitivity   string // normal, sensitive
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MemoryEvent is one row of the append-only event log.
type MemoryEvent struct {
	ID          string
	UserID      string
	EventType   string // recall, write, tool, redaction, error
	PayloadJSON []byte
	Source      string
	Confidence  float64
	CreatedAt   time.Time
}

// Turn is one persisted conversational turn.
type Turn struct {
	ID        string
	UserID    string
	ThreadID  string
	Role      string // user, assistant
	Content   string
	TokensEst int
	RequestID string
	Model     string
	CreatedAt time.Time
}

// ToolAudit is one row of the append-only tool audit log.
type ToolAudit struct {
	ID                 string
	UserID             string
	Tool               string
	RequestID          string
	Status             string // ok, error
	ArgsJSON           []byte
	DurationMS         int64
	RedactionApplied   bool
	RedactedOutputJSON []byte
	CreatedAt          time.Time
}

// Store wraps the SQL database with prepared statements for the hot paths.
type Store struct {
	db     *sql.DB
	driver string

	insertMemory  *sql.Stmt
	pruneMemories *sql.Stmt
	insertTurn    *sql.Stmt // wide form
	insertTurnN   *sql.Stmt // narrow fallback
	pruneTurns    *sql.Stmt
	recentTurns   *sql.Stmt
	insertEvent   *sql.Stmt // wide form
	insertEventN  *sql.Stmt // narrow fallback
	insertAudit   *sql.Stmt // wide form
	insertAuditN  *sql.Stmt // narrow fallback
	saveState     *sql.Stmt
	loadState     *sql.Stmt
}

// Open connects to the database named by url. URLs with a postgres scheme
// use lib/pq; everything else is treated as a sqlite path or DSN.
func Open(url string) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	}

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent actors.
		db.SetMaxOpenConns(1)
	}

	return New(db, driver)
}

// New wraps an existing database handle. Used directly by tests.
func New(db *sql.DB, driver string) (*Store, error) {
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.prepare(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content_json TEXT NOT NULL,
			embedding_json TEXT,
			source TEXT,
			sensitivity TEXT NOT NULL DEFAULT 'normal',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memory_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload_json TEXT,
			created_at TEXT NOT NULL,
			source TEXT,
			confidence REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_events_user_created ON memory_events (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens_est INTEGER,
			created_at TEXT NOT NULL,
			request_id TEXT,
			token_budget INTEGER,
			model TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user_created ON conversation_turns (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_thread_created ON conversation_turns (thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_audit (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			request_id TEXT,
			status TEXT NOT NULL,
			args_json TEXT,
			duration_ms INTEGER,
			redaction_applied INTEGER,
			redacted_output_json TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_audit_user_created ON tool_audit (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_state (
			user_id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, q := range ddl {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to the $n form lib/pq expects.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) prepare() error {
	prep := func(dst **sql.Stmt, query string) error {
		stmt, err := s.db.Prepare(s.rebind(query))
		if err != nil {
			return fmt.Errorf("store: prepare: %w", err)
		}
		*dst = stmt
		return nil
	}

	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.insertMemory, `INSERT INTO memories
			(id, user_id, type, content_json, embedding_json, source, sensitivity, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.pruneMemories, `DELETE FROM memories WHERE user_id = ? AND id NOT IN (
			SELECT id FROM memories WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?)`},
		{&s.insertTurn, `INSERT INTO conversation_turns
			(id, user_id, thread_id, role, content, tokens_est, created_at, request_id, model)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.insertTurnN, `INSERT INTO conversation_turns
			(id, user_id, thread_id, role, content, tokens_est, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`},
		{&s.pruneTurns, `DELETE FROM conversation_turns WHERE user_id = ? AND id NOT IN (
			SELECT id FROM conversation_turns WHERE user_id = ? ORDER BY created_at DESC LIMIT ?)`},
		{&s.recentTurns, `SELECT id, user_id, thread_id, role, content, COALESCE(tokens_est, 0), created_at
			FROM conversation_turns WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`},
		{&s.insertEvent, `INSERT INTO memory_events
			(id, user_id, event_type, payload_json, created_at, source, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?)`},
		{&s.insertEventN, `INSERT INTO memory_events
			(id, user_id, event_type, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?)`},
		{&s.insertAudit, `INSERT INTO tool_audit
			(id, user_id, tool, request_id, status, args_json, duration_ms, redaction_applied, redacted_output_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.insertAuditN, `INSERT INTO tool_audit
			(id, user_id, tool, request_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`},
		{&s.saveState, `INSERT INTO agent_state (user_id, state_json, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`},
		{&s.loadState, `SELECT state_json FROM agent_state WHERE user_id = ?`},
	}

	for _, p := range stmts {
		if err := prep(p.dst, p.query); err != nil {
			return err
		}
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// InsertMemory appends a memory row, then prunes the user's rows down to
// keep, retaining the newest by updated_at.
func (s *Store) InsertMemory(ctx context.Context, m *Memory, keep int) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Sensitivity == "" {
		m.Sensitivity = "normal"
	}

	var embedding any
	if len(m.EmbeddingJSON) > 0 {
		embedding = string(m.EmbeddingJSON)
	}

	if _, err := s.insertMemory.ExecContext(ctx,
		m.ID, m.UserID, m.Type, string(m.ContentJSON), embedding,
		m.Source, m.Sensitivity, ts(m.CreatedAt), ts(m.UpdatedAt)); err != nil {
		return fmt.Errorf("store: insert memory: %w", err)
	}

	if keep > 0 {
		if _, err := s.pruneMemories.ExecContext(ctx, m.UserID, m.UserID, keep); err != nil {
			return fmt.Errorf("store: prune memories: %w", err)
		}
	}
	return nil
}

// ListPinnedMemories returns up to limit rows of the given types for the
// user, newest-updated first.
func (s *Store) ListPinnedMemories(ctx context.Context, userID string, types []string, limit int) ([]Memory, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	query := s.rebind(fmt.Sprintf(
		`SELECT id, user_id, type, content_json, updated_at FROM memories
		 WHERE user_id = ? AND type IN (%s) ORDER BY updated_at DESC LIMIT ?`, placeholders))

	args := make([]any, 0, len(types)+2)
	args = append(args, userID)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list pinned: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// GetMemoriesByIDs loads the given memory rows, filtered by user.
func (s *Store) GetMemoriesByIDs(ctx context.Context, userID string, ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := s.rebind(fmt.Sprintf(
		`SELECT id, user_id, type, content_json, updated_at FROM memories
		 WHERE user_id = ? AND id IN (%s)`, placeholders))

	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		var content, updated string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &content, &updated); err != nil {
			return nil, fmt.Errorf("store: scan memory: %w", err)
		}
		m.ContentJSON = []byte(content)
		m.UpdatedAt = parseTS(updated)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: memories: %w", err)
	}
	return out, nil
}

// CountMemories reports the user's memory row count. Test hook.
func (s *Store) CountMemories(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM memories WHERE user_id = ?`), userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count memories: %w", err)
	}
	return n, nil
}

// AppendEvent writes to the append-only event log. The wide form (source,
// confidence) is attempted first with a fallback to the narrow form, so the
// service keeps writing against pre-migration schemas.
func (s *Store) AppendEvent(ctx context.Context, e *MemoryEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.insertEvent.ExecContext(ctx,
		e.ID, e.UserID, e.EventType, string(e.PayloadJSON), ts(e.CreatedAt), e.Source, e.Confidence)
	if err == nil {
		return nil
	}

	if _, nerr := s.insertEventN.ExecContext(ctx,
		e.ID, e.UserID, e.EventType, string(e.PayloadJSON), ts(e.CreatedAt)); nerr != nil {
		return fmt.Errorf("store: append event: %w", nerr)
	}
	return nil
}

// CountEvents reports the user's event rows of the given type. Test hook.
func (s *Store) CountEvents(ctx context.Context, userID, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM memory_events WHERE user_id = ? AND event_type = ?`), userID, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

// AppendTurn persists one turn and prunes the user's turns down to keep.
func (s *Store) AppendTurn(ctx context.Context, t *Turn, keep int) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.ThreadID == "" {
		t.ThreadID = t.UserID
	}

	_, err := s.insertTurn.ExecContext(ctx,
		t.ID, t.UserID, t.ThreadID, t.Role, t.Content, t.TokensEst, ts(t.CreatedAt), t.RequestID, t.Model)
	if err != nil {
		if _, nerr := s.insertTurnN.ExecContext(ctx,
			t.ID, t.UserID, t.ThreadID, t.Role, t.Content, t.TokensEst, ts(t.CreatedAt)); nerr != nil {
			return fmt.Errorf("store: append turn: %w", nerr)
		}
	}

	if keep > 0 {
		if _, err := s.pruneTurns.ExecContext(ctx, t.UserID, t.UserID, keep); err != nil {
			return fmt.Errorf("store: prune turns: %w", err)
		}
	}
	return nil
}

// RecentTurns returns the user's newest n turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, userID string, n int) ([]Turn, error) {
	rows, err := s.recentTurns.QueryContext(ctx, userID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Turn
	for rows.Next() {
		var t Turn
		var created string
		if err := rows.Scan(&t.ID, &t.UserID, &t.ThreadID, &t.Role, &t.Content, &t.TokensEst, &created); err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		t.CreatedAt = parseTS(created)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: turns: %w", err)
	}

	// Newest-first from the query; callers want oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountTurns reports the user's persisted turn count. Test hook.
func (s *Store) CountTurns(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM conversation_turns WHERE user_id = ?`), userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count turns: %w", err)
	}
	return n, nil
}

// AppendToolAudit writes one audit row per tool invocation attempt, wide
// form first with narrow fallback.
func (s *Store) AppendToolAudit(ctx context.Context, a *ToolAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	redacted := 0
	if a.RedactionApplied {
		redacted = 1
	}

	_, err := s.insertAudit.ExecContext(ctx,
		a.ID, a.UserID, a.Tool, a.RequestID, a.Status, string(a.ArgsJSON),
		a.DurationMS, redacted, string(a.RedactedOutputJSON), ts(a.CreatedAt))
	if err == nil {
		return nil
	}

	if _, nerr := s.insertAuditN.ExecContext(ctx,
		a.ID, a.UserID, a.Tool, a.RequestID, a.Status, ts(a.CreatedAt)); nerr != nil {
		return fmt.Errorf("store: append tool audit: %w", nerr)
	}
	return nil
}

// ListToolAudit returns the user's audit rows, newest first. Test hook.
func (s *Store) ListToolAudit(ctx context.Context, userID string, limit int) ([]ToolAudit, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, tool, COALESCE(request_id, ''), status,
		        COALESCE(args_json, ''), COALESCE(duration_ms, 0),
		        COALESCE(redaction_applied, 0), COALESCE(redacted_output_json, ''), created_at
		 FROM tool_audit WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list tool audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ToolAudit
	for rows.Next() {
		var a ToolAudit
		var args, output, created string
		var redacted int
		if err := rows.Scan(&a.ID, &a.UserID, &a.Tool, &a.RequestID, &a.Status,
			&args, &a.DurationMS, &redacted, &output, &created); err != nil {
			return nil, fmt.Errorf("store: scan tool audit: %w", err)
		}
		a.ArgsJSON = []byte(args)
		a.RedactedOutputJSON = []byte(output)
		a.RedactionApplied = redacted != 0
		a.CreatedAt = parseTS(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: tool audit: %w", err)
	}
	return out, nil
}

// SaveState persists the complete actor state blob under the user's key.
func (s *Store) SaveState(ctx context.Context, userID string, stateJSON []byte) error {
	if _, err := s.saveState.ExecContext(ctx, userID, string(stateJSON), ts(time.Now())); err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

// LoadState returns the actor state blob, or nil when absent.
func (s *Store) LoadState(ctx context.Context, userID string) ([]byte, error) {
	var blob string
	err := s.loadState.QueryRowContext(ctx, userID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state: %w", err)
	}
	return []byte(blob), nil
}
