package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the Persistence Store contract: durable, crash-safe storage of
// Sessions, Messages, AllowedTools, and offline-buffered PendingEvents.
// Writes are serialized through a single writer connection; reads may be
// concurrent via a separate read-only pool.
type Store interface {
	UpsertSession(ctx context.Context, s Session) error
	UpdateSessionField(ctx context.Context, id, field string, value any) error
	Get(ctx context.Context, id string) (Session, bool, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)

	AppendMessage(ctx context.Context, sessionID, role, content string, ts int64) error
	LoadMessages(ctx context.Context, sessionID string) ([]Message, error)

	AllowedToolsFor(ctx context.Context, sessionID string) ([]string, error)
	AllowTool(ctx context.Context, sessionID, toolName, ruleContent string) error
	ClearAllowedTools(ctx context.Context, sessionID string) error

	EnqueueEvent(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (int64, error)
	DrainEvents(ctx context.Context, sessionID string) ([]PendingEvent, error)
	PurgeEvents(ctx context.Context, sessionID string, upTo int64) error

	Deactivate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ExpireSessionsOlderThan(ctx context.Context, cutoffActivity int64) ([]string, error)

	SetOnChangeListener(listener OnChangeListener)

	// Close runs a final truncating WAL checkpoint and closes both connections.
	Close() error
}

// SQLiteStore is a modernc.org/sqlite (pure Go, no cgo) backed Store with
// write-ahead logging. A single writer connection (SetMaxOpenConns(1))
// serializes all mutations; a separate read-only pooled connection serves
// concurrent readers without blocking on the writer.
type SQLiteStore struct {
	write *sql.DB
	read  *sql.DB

	mu       sync.Mutex
	listener OnChangeListener

	checkpointStop chan struct{}
	checkpointDone chan struct{}
}

// NewSQLiteStore opens (creating if absent) a WAL-mode SQLite database under
// dataDir, applies any forward migrations, and starts the periodic WAL
// checkpoint sweep.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "gateway.db")

	if err := applyMigrations(dbPath); err != nil {
		return nil, err
	}

	write, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dbPath+"?mode=ro&_pragma=busy_timeout(5000)&_txlock=deferred")
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}

	s := &SQLiteStore{
		write:          write,
		read:           read,
		checkpointStop: make(chan struct{}),
		checkpointDone: make(chan struct{}),
	}
	go s.runCheckpointLoop()
	return s, nil
}

func (s *SQLiteStore) runCheckpointLoop() {
	defer close(s.checkpointDone)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.write.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
				slog.Error("wal checkpoint failed", "error", err)
			}
		case <-s.checkpointStop:
			return
		}
	}
}

// Close runs a final truncating checkpoint and closes both connections.
func (s *SQLiteStore) Close() error {
	close(s.checkpointStop)
	<-s.checkpointDone
	_, _ = s.write.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := s.read.Close(); err != nil {
		s.write.Close()
		return err
	}
	return s.write.Close()
}

func (s *SQLiteStore) SetOnChangeListener(listener OnChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *SQLiteStore) notifyChange(event ChangeEvent) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.OnSessionChange(event)
	}
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO sessions (
			id, name, owner_username, owner_uid, owner_gid, owner_home,
			working_directory, worktree, agent_type, mode, web_search_enabled,
			agent_session_id, created_at, last_activity, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			working_directory = excluded.working_directory,
			worktree = excluded.worktree,
			agent_type = excluded.agent_type,
			mode = excluded.mode,
			web_search_enabled = excluded.web_search_enabled,
			agent_session_id = excluded.agent_session_id,
			last_activity = excluded.last_activity,
			is_active = excluded.is_active
	`,
		sess.ID, sess.Name, sess.Owner.Username, sess.Owner.UID, sess.Owner.GID, sess.Owner.Home,
		sess.WorkingDirectory, sess.Worktree, sess.AgentType, string(sess.Mode), boolToInt(sess.WebSearchEnabled),
		sess.AgentSessionID, sess.CreatedAt, sess.LastActivity, boolToInt(sess.IsActive),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	tools, err := s.AllowedToolsFor(ctx, sess.ID)
	if err != nil {
		return err
	}
	sess.AllowedTools = tools
	s.notifyChange(ChangeEvent{Op: OperationUpdate, Session: sess})
	return nil
}

// allowedSessionFields whitelists the mutable single-column updates named in
// the Persistence Store contract; every value must be re-persisted atomically
// so agentSessionId (invariant #4) never observes a stale last_activity.
var allowedSessionFields = map[string]bool{
	"name": true, "mode": true, "web_search_enabled": true,
	"agent_session_id": true, "last_activity": true, "is_active": true,
	"worktree": true,
}

func (s *SQLiteStore) UpdateSessionField(ctx context.Context, id, field string, value any) error {
	if !allowedSessionFields[field] {
		return fmt.Errorf("session: field %q is not mutable", field)
	}
	query := fmt.Sprintf(`UPDATE sessions SET %s = ?, last_activity = ? WHERE id = ?`, field)
	now := time.Now().UnixMilli()
	res, err := s.write.ExecContext(ctx, query, value, now, id)
	if err != nil {
		return fmt.Errorf("update session field %s: %w", field, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	sess, found, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if found {
		s.notifyChange(ChangeEvent{Op: OperationUpdate, Session: sess})
	}
	return nil
}

const sessionColumns = `id, name, owner_username, owner_uid, owner_gid, owner_home,
	working_directory, worktree, agent_type, mode, web_search_enabled,
	agent_session_id, created_at, last_activity, is_active`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		sess          Session
		mode          string
		webSearch     int
		isActive      int
	)
	err := row.Scan(
		&sess.ID, &sess.Name, &sess.Owner.Username, &sess.Owner.UID, &sess.Owner.GID, &sess.Owner.Home,
		&sess.WorkingDirectory, &sess.Worktree, &sess.AgentType, &mode, &webSearch,
		&sess.AgentSessionID, &sess.CreatedAt, &sess.LastActivity, &isActive,
	)
	if err != nil {
		return Session{}, err
	}
	sess.Mode = Mode(mode)
	sess.WebSearchEnabled = webSearch != 0
	sess.IsActive = isActive != 0
	return sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, bool, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}
	tools, err := s.AllowedToolsFor(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	sess.AllowedTools = tools
	return sess, true, nil
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_active = 1 ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		tools, err := s.AllowedToolsFor(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sess.AllowedTools = tools
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role, content string, ts int64) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, ts,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, ts, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT session_id, role, content, timestamp FROM messages WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AllowedToolsFor(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT tool_name FROM allowed_tools WHERE session_id = ? ORDER BY allowed_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("allowed tools for: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AllowTool(ctx context.Context, sessionID, toolName, ruleContent string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO allowed_tools (session_id, tool_name, allowed_at, rule_content) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, tool_name) DO UPDATE SET rule_content = excluded.rule_content`,
		sessionID, toolName, time.Now().UnixMilli(), ruleContent,
	)
	if err != nil {
		return fmt.Errorf("allow tool: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearAllowedTools(ctx context.Context, sessionID string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM allowed_tools WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear allowed tools: %w", err)
	}
	return nil
}

// EnqueueEvent assigns a monotone per-session sequence number to payload and
// persists it for later draining once a client (re)attaches.
func (s *SQLiteStore) EnqueueEvent(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (int64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue event: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM pending_events WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	seq := maxSeq.Int64 + 1

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_events (session_id, seq, type, payload, enqueued_at, delivered) VALUES (?, ?, ?, ?, ?, 0)`,
		sessionID, seq, eventType, string(payload), time.Now().UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("insert pending event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLiteStore) DrainEvents(ctx context.Context, sessionID string) ([]PendingEvent, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT session_id, seq, type, payload, enqueued_at, delivered FROM pending_events WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}
	defer rows.Close()

	var out []PendingEvent
	for rows.Next() {
		var (
			e         PendingEvent
			payload   string
			delivered int
		)
		if err := rows.Scan(&e.SessionID, &e.Sequence, &e.Type, &payload, &e.EnqueuedAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.Delivered = delivered != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeEvents(ctx context.Context, sessionID string, upTo int64) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM pending_events WHERE session_id = ? AND seq <= ?`, sessionID, upTo)
	if err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0, last_activity = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	sess, found, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if found {
		s.notifyChange(ChangeEvent{Op: OperationUpdate, Session: sess})
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	s.notifyChange(ChangeEvent{Op: OperationDelete, Session: Session{ID: id}})
	return nil
}

func (s *SQLiteStore) ExpireSessionsOlderThan(ctx context.Context, cutoffActivity int64) ([]string, error) {
	rows, err := s.write.QueryContext(ctx,
		`SELECT id FROM sessions WHERE is_active = 1 AND last_activity < ?`, cutoffActivity)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.Deactivate(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
