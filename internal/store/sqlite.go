package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/change-assist/internal/domain"
	"github.com/ashureev/change-assist/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets transcript writes proceed while the sweeper reads.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'chat',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		closed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_closed ON conversations(closed_at) WHERE closed_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON UPDATE CASCADE ON DELETE CASCADE,
		turn_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_id TEXT,
		is_error INTEGER NOT NULL DEFAULT 0,
		extra_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		tool_used TEXT NOT NULL,
		rating INTEGER NOT NULL,
		feedback_text TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_user ON feedback(user_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := shared.RetryOnConflict(ctx, s.retry, op, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert user", query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	return err
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	res, err := s.exec(ctx, "update last_seen", query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// UpsertConversation creates or refreshes conversation metadata. An existing
// row keeps its creation time.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	mode := rec.Mode
	if mode == "" {
		mode = string(domain.ModeChat)
	}
	query := `
	INSERT INTO conversations (conversation_id, user_id, session_id, mode, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		mode = excluded.mode,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert conversation", query,
		rec.ConversationID, rec.UserID, rec.SessionID, mode,
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	return err
}

// RenameConversation moves a conversation to a new id. Turns follow through
// the ON UPDATE CASCADE foreign key.
func (s *SQLiteStore) RenameConversation(ctx context.Context, oldID, newID string) error {
	query := `UPDATE conversations SET conversation_id = ?, updated_at = ? WHERE conversation_id = ?`
	res, err := s.exec(ctx, "rename conversation", query, newID, time.Now().Unix(), oldID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rename conversation %s: %w", oldID, ErrNotFound)
	}
	return nil
}

// CloseConversation stamps the final mode and closing time.
func (s *SQLiteStore) CloseConversation(ctx context.Context, conversationID, mode string, closedAt time.Time) error {
	query := `UPDATE conversations SET mode = ?, closed_at = ?, updated_at = ? WHERE conversation_id = ?`
	res, err := s.exec(ctx, "close conversation", query, mode, closedAt.Unix(), closedAt.Unix(), conversationID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("close conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

// GetConversation returns conversation metadata with its turn count.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.ConversationRecord, error) {
	query := `
		SELECT c.conversation_id, c.user_id, c.session_id, c.mode,
		       c.created_at, c.updated_at, c.closed_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.conversation_id)
		FROM conversations c WHERE c.conversation_id = ?`

	var rec domain.ConversationRecord
	var createdAt, updatedAt int64
	var closedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(
		&rec.ConversationID, &rec.UserID, &rec.SessionID, &rec.Mode,
		&createdAt, &updatedAt, &closedAt, &rec.TurnCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if closedAt.Valid {
		ts := time.Unix(closedAt.Int64, 0)
		rec.ClosedAt = &ts
	}
	return &rec, nil
}

// turnExtra carries the structured parts of a turn that have no column.
type turnExtra struct {
	Sources       []domain.Source `json:"sources,omitempty"`
	Analysis      map[string]any  `json:"analysis,omitempty"`
	Visualization map[string]any  `json:"visualization,omitempty"`
}

// AppendTurn adds one turn to a conversation transcript.
func (s *SQLiteStore) AppendTurn(ctx context.Context, conversationID string, turn domain.Turn) error {
	var extra any
	if len(turn.Sources) > 0 || turn.Analysis != nil || turn.Visualization != nil {
		data, err := json.Marshal(turnExtra{
			Sources:       turn.Sources,
			Analysis:      turn.Analysis,
			Visualization: turn.Visualization,
		})
		if err != nil {
			return fmt.Errorf("encode turn extras: %w", err)
		}
		extra = string(data)
	}
	var toolID any
	if turn.ToolID != "" {
		toolID = turn.ToolID
	}

	query := `
	INSERT INTO turns (conversation_id, turn_id, role, content, tool_id, is_error, extra_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, "append turn", query,
		conversationID, turn.ID, string(turn.Role), turn.Content,
		toolID, turn.IsError, extra, turn.Timestamp.UnixMilli(),
	)
	return err
}

// ListTurns returns a transcript in append order.
func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	query := `
		SELECT turn_id, role, content, tool_id, is_error, extra_json, created_at
		FROM turns WHERE conversation_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var role string
		var toolID, extra sql.NullString
		var createdAt int64
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &toolID, &turn.IsError, &extra, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Role = domain.Role(role)
		turn.ToolID = toolID.String
		turn.Timestamp = time.UnixMilli(createdAt)
		if extra.Valid {
			var ex turnExtra
			if err := json.Unmarshal([]byte(extra.String), &ex); err != nil {
				return nil, fmt.Errorf("decode turn extras: %w", err)
			}
			turn.Sources = ex.Sources
			turn.Analysis = ex.Analysis
			turn.Visualization = ex.Visualization
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// RecordFeedback stores a local copy of submitted feedback.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, rec domain.FeedbackRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := `
	INSERT INTO feedback (user_id, conversation_id, tool_used, rating, feedback_text, delivered, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, "record feedback", query,
		rec.UserID, rec.ConversationID, rec.ToolUsed, rec.Rating, rec.Text, rec.Delivered, createdAt.Unix(),
	)
	return err
}

// ListFeedback returns a user's feedback, newest first.
func (s *SQLiteStore) ListFeedback(ctx context.Context, userID string) ([]domain.FeedbackRecord, error) {
	query := `
		SELECT user_id, conversation_id, tool_used, rating, feedback_text, delivered, created_at
		FROM feedback WHERE user_id = ? ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close feedback rows", "error", closeErr)
		}
	}()

	var out []domain.FeedbackRecord
	for rows.Next() {
		var rec domain.FeedbackRecord
		var createdAt int64
		if err := rows.Scan(&rec.UserID, &rec.ConversationID, &rec.ToolUsed, &rec.Rating, &rec.Text, &rec.Delivered, &createdAt); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return out, nil
}

// CleanupClosedConversations removes closed conversations older than ttl
// together with their turns.
func (s *SQLiteStore) CleanupClosedConversations(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	res, err := s.exec(ctx, "cleanup conversations",
		`DELETE FROM conversations WHERE closed_at IS NOT NULL AND closed_at < ?`, threshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
