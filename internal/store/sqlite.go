package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/conduit/pkg/models"
)

// SQLite is the durable Store implementation. A single connection is used so
// writes serialise without SQLITE_BUSY churn; WAL keeps readers cheap.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	working_dir TEXT NOT NULL DEFAULT '',
	bypass_permissions INTEGER NOT NULL DEFAULT 0,
	parent_session_id TEXT NOT NULL DEFAULT '',
	parent_branch_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_working_dir ON sessions(working_dir, created_at);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	parent_branch_id TEXT NOT NULL DEFAULT '',
	parent_message_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	preferred_model TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_branches_session ON branches(session_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	branch_id TEXT NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	kind TEXT NOT NULL,
	parts TEXT NOT NULL,
	turn_duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id, created_at, id);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	branch_id TEXT NOT NULL DEFAULT '',
	tag TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	branch_id TEXT NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	plan_path TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	first_kept_message_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_branch ON checkpoints(branch_id, created_at);

CREATE TABLE IF NOT EXISTS permission_rules (
	position INTEGER PRIMARY KEY,
	tool TEXT NOT NULL,
	pattern TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL
);
`

// OpenSQLite opens (creating if necessary) the database at path and applies
// the schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Cause: err}
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &StorageError{Op: "pragma", Cause: err}
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "migrate", Cause: err}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decodeTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func (s *SQLite) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, working_dir, bypass_permissions, parent_session_id, parent_branch_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Name, session.WorkingDir, boolToInt(session.BypassPermissions),
		session.ParentSessionID, session.ParentBranchID,
		encodeTime(session.CreatedAt), encodeTime(session.UpdatedAt))
	if err != nil {
		return &StorageError{Op: "create session", Cause: err}
	}
	return nil
}

func (s *SQLite) scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var (
		session            models.Session
		bypass             int
		createdAt, updated string
	)
	err := row.Scan(&session.ID, &session.Name, &session.WorkingDir, &bypass,
		&session.ParentSessionID, &session.ParentBranchID, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	session.BypassPermissions = bypass != 0
	session.CreatedAt = decodeTime(createdAt)
	session.UpdatedAt = decodeTime(updated)
	return &session, nil
}

const sessionColumns = `id, name, working_dir, bypass_permissions, parent_session_id, parent_branch_id, created_at, updated_at`

func (s *SQLite) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := s.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get session", Cause: err}
	}
	return session, nil
}

func (s *SQLite) UpdateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	session.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET name = ?, working_dir = ?, bypass_permissions = ?, updated_at = ?
		WHERE id = ?`,
		session.Name, session.WorkingDir, boolToInt(session.BypassPermissions),
		encodeTime(session.UpdatedAt), session.ID)
	if err != nil {
		return &StorageError{Op: "update session", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return &StorageError{Op: "delete session", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLite) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, &StorageError{Op: "list sessions", Cause: err}
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		session, err := s.scanSession(rows)
		if err != nil {
			return nil, &StorageError{Op: "list sessions", Cause: err}
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLite) LastSessionByWorkingDir(ctx context.Context, cwd string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE working_dir = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, cwd)
	session, err := s.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "last session by working dir", Cause: err}
	}
	return session, nil
}

func (s *SQLite) CreateBranch(ctx context.Context, branch *models.Branch) error {
	if branch == nil {
		return errors.New("branch is required")
	}
	if _, err := s.GetSession(ctx, branch.SessionID); err != nil {
		return err
	}
	if branch.ID == "" {
		branch.ID = uuid.NewString()
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, session_id, parent_branch_id, parent_message_id, name, summary, preferred_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		branch.ID, branch.SessionID, branch.ParentBranchID, branch.ParentMessageID,
		branch.Name, branch.Summary, branch.PreferredModel, encodeTime(branch.CreatedAt))
	if err != nil {
		return &StorageError{Op: "create branch", Cause: err}
	}
	return nil
}

const branchColumns = `id, session_id, parent_branch_id, parent_message_id, name, summary, preferred_model, created_at`

func scanBranch(row interface{ Scan(...any) error }) (*models.Branch, error) {
	var (
		branch    models.Branch
		createdAt string
	)
	err := row.Scan(&branch.ID, &branch.SessionID, &branch.ParentBranchID, &branch.ParentMessageID,
		&branch.Name, &branch.Summary, &branch.PreferredModel, &createdAt)
	if err != nil {
		return nil, err
	}
	branch.CreatedAt = decodeTime(createdAt)
	return &branch, nil
}

func (s *SQLite) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, id)
	branch, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBranchNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get branch", Cause: err}
	}
	return branch, nil
}

func (s *SQLite) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+branchColumns+` FROM branches WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, &StorageError{Op: "list branches", Cause: err}
	}
	defer rows.Close()
	var out []*models.Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, &StorageError{Op: "list branches", Cause: err}
		}
		out = append(out, branch)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateBranchSummary(ctx context.Context, branchID, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE branches SET summary = ? WHERE id = ?`, summary, branchID)
	if err != nil {
		return &StorageError{Op: "update branch summary", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBranchNotFound
	}
	return nil
}

func (s *SQLite) UpdateBranchModel(ctx context.Context, branchID, model string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE branches SET preferred_model = ? WHERE id = ?`, model, branchID)
	if err != nil {
		return &StorageError{Op: "update branch model", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBranchNotFound
	}
	return nil
}

func (s *SQLite) CountMessages(ctx context.Context, branchID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE branch_id = ?`, branchID).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "count messages", Cause: err}
	}
	return n, nil
}

func (s *SQLite) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if _, err := s.GetBranch(ctx, msg.BranchID); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = models.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return &StorageError{Op: "encode message parts", Cause: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, branch_id, role, kind, parts, turn_duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.BranchID, string(msg.Role), string(msg.Kind),
		string(parts), msg.TurnDurationMS, encodeTime(msg.CreatedAt))
	if err != nil {
		return &StorageError{Op: "create message", Cause: err}
	}
	return nil
}

const messageColumns = `id, session_id, branch_id, role, kind, parts, turn_duration_ms, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		msg        models.Message
		role, kind string
		parts      string
		createdAt  string
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.BranchID, &role, &kind, &parts, &msg.TurnDurationMS, &createdAt)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Kind = models.MessageKind(kind)
	msg.CreatedAt = decodeTime(createdAt)
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return nil, fmt.Errorf("decode message parts: %w", err)
	}
	return &msg, nil
}

func (s *SQLite) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "list messages", Cause: err}
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, &StorageError{Op: "list messages", Cause: err}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLite) ListMessages(ctx context.Context, branchID string) ([]*models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE branch_id = ? ORDER BY created_at, id`, branchID)
}

func (s *SQLite) ListMessagesSince(ctx context.Context, branchID string, after time.Time) ([]*models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE branch_id = ? AND created_at > ?
		ORDER BY created_at, id`, branchID, encodeTime(after))
}

func (s *SQLite) ListMessagesFrom(ctx context.Context, branchID, messageID string) ([]*models.Message, error) {
	var anchor string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE branch_id = ? AND id = ?`, branchID, messageID).Scan(&anchor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "list messages from", Cause: err}
	}
	// Inclusive of the anchor; id tie-break keeps same-timestamp neighbours
	// stable because message ids are time-sortable.
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE branch_id = ? AND (created_at > ? OR (created_at = ? AND id >= ?))
		ORDER BY created_at, id`, branchID, anchor, anchor, messageID)
}

func (s *SQLite) SetTurnDuration(ctx context.Context, messageID string, d time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET turn_duration_ms = ? WHERE id = ?`, d.Milliseconds(), messageID)
	if err != nil {
		return &StorageError{Op: "set turn duration", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *SQLite) AppendEvent(ctx context.Context, event models.Event) (*models.EventEnvelope, error) {
	if event == nil {
		return nil, errors.New("event is required")
	}
	payload, err := models.MarshalEvent(event)
	if err != nil {
		return nil, &StorageError{Op: "encode event", Cause: err}
	}
	createdAt := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, branch_id, tag, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventSessionID(), event.EventBranchID(), event.Tag(),
		string(payload), encodeTime(createdAt))
	if err != nil {
		return nil, &StorageError{Op: "append event", Cause: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &StorageError{Op: "append event", Cause: err}
	}
	return &models.EventEnvelope{ID: id, CreatedAt: createdAt, Event: event}, nil
}

func (s *SQLite) eventQuery(filter EventFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.BranchID != "" {
		// Branchless events are session-wide and match every branch filter.
		where = append(where, "(branch_id = ? OR branch_id = '')")
		args = append(args, filter.BranchID)
	}
	if filter.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, filter.AfterID)
	}
	if len(filter.Kinds) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Kinds))
		where = append(where, "tag IN ("+placeholders[:len(placeholders)-1]+")")
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	return clause, args
}

func (s *SQLite) ListEvents(ctx context.Context, filter EventFilter) ([]*models.EventEnvelope, error) {
	clause, args := s.eventQuery(filter)
	query := `SELECT id, payload, created_at FROM events` + clause + ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "list events", Cause: err}
	}
	defer rows.Close()
	var out []*models.EventEnvelope
	for rows.Next() {
		var (
			id        int64
			payload   string
			createdAt string
		)
		if err := rows.Scan(&id, &payload, &createdAt); err != nil {
			return nil, &StorageError{Op: "list events", Cause: err}
		}
		event, err := models.UnmarshalEvent([]byte(payload))
		if err != nil {
			return nil, &StorageError{Op: "decode event", Cause: err}
		}
		out = append(out, &models.EventEnvelope{ID: id, CreatedAt: decodeTime(createdAt), Event: event})
	}
	return out, rows.Err()
}

func (s *SQLite) LatestEventID(ctx context.Context, filter EventFilter) (int64, error) {
	clause, args := s.eventQuery(filter)
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM events`+clause, args...).Scan(&latest)
	if err != nil {
		return 0, &StorageError{Op: "latest event id", Cause: err}
	}
	return latest.Int64, nil
}

func (s *SQLite) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is required")
	}
	if _, err := s.GetBranch(ctx, cp.BranchID); err != nil {
		return err
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session_id, branch_id, type, plan_path, summary, first_kept_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.BranchID, string(cp.Type), cp.PlanPath,
		cp.Summary, cp.FirstKeptMessageID, encodeTime(cp.CreatedAt))
	if err != nil {
		return &StorageError{Op: "create checkpoint", Cause: err}
	}
	return nil
}

func (s *SQLite) LatestCheckpoint(ctx context.Context, branchID string) (*models.Checkpoint, error) {
	var (
		cp        models.Checkpoint
		cpType    string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, branch_id, type, plan_path, summary, first_kept_message_id, created_at
		FROM checkpoints WHERE branch_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, branchID).
		Scan(&cp.ID, &cp.SessionID, &cp.BranchID, &cpType, &cp.PlanPath, &cp.Summary, &cp.FirstKeptMessageID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "latest checkpoint", Cause: err}
	}
	cp.Type = models.CheckpointType(cpType)
	cp.CreatedAt = decodeTime(createdAt)
	return &cp, nil
}

func (s *SQLite) SavePermissionRules(ctx context.Context, rules []models.PermissionRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "save permission rules", Cause: err}
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM permission_rules`); err != nil {
		return &StorageError{Op: "save permission rules", Cause: err}
	}
	for i, rule := range rules {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO permission_rules (position, tool, pattern, action) VALUES (?, ?, ?, ?)`,
			i, rule.Tool, rule.Pattern, string(rule.Action))
		if err != nil {
			return &StorageError{Op: "save permission rules", Cause: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "save permission rules", Cause: err}
	}
	return nil
}

func (s *SQLite) ListPermissionRules(ctx context.Context) ([]models.PermissionRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool, pattern, action FROM permission_rules ORDER BY position`)
	if err != nil {
		return nil, &StorageError{Op: "list permission rules", Cause: err}
	}
	defer rows.Close()
	var out []models.PermissionRule
	for rows.Next() {
		var (
			rule   models.PermissionRule
			action string
		)
		if err := rows.Scan(&rule.Tool, &rule.Pattern, &action); err != nil {
			return nil, &StorageError{Op: "list permission rules", Cause: err}
		}
		rule.Action = models.PermissionAction(action)
		out = append(out, rule)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
