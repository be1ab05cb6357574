// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// newID returns a fresh UUID string for conversation rows.
func newID() string {
	return uuid.New().String()
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection: pragmas below are per-connection, and a :memory:
	// database is otherwise distinct per pooled connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT 'USER',
			status     TEXT NOT NULL DEFAULT 'OFFLINE',
			created_at TEXT NOT NULL,

			CHECK (role IN ('USER', 'ADMIN')),
			CHECK (status IN ('ONLINE', 'OFFLINE'))
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_low   TEXT NOT NULL,
			user_high  TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		-- One conversation per unordered participant pair. The pair is stored
		-- in canonical order so the uniqueness check is atomic with creation.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(user_low, user_high);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			user_id              TEXT NOT NULL,
			conversation_id      TEXT NOT NULL REFERENCES conversations(id),
			unread_count         INTEGER NOT NULL DEFAULT 0,
			last_read_message_id TEXT,

			PRIMARY KEY (user_id, conversation_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// UpsertUser finds or creates the user row for an externally provided
// identity. Name, email and role are refreshed from the identity provider on
// every connection.
func (s *SQLiteStore) UpsertUser(ctx context.Context, id, name, email, role string) (*User, error) {
	if role != RoleAdmin {
		role = RoleUser
	}

	query := `
		INSERT INTO users (id, name, email, role, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role
	`
	_, err := s.db.ExecContext(ctx, query,
		id, name, email, role, StatusOffline,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}

	return s.getUser(ctx, id)
}

// getUser retrieves a user by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) getUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, name, email, role, status, created_at
		FROM users
		WHERE id = ?
	`

	var user User
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Name, &user.Email, &user.Role, &user.Status, &createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// SetUserStatus updates the persisted online/offline flag.
// Returns ErrNotFound for unknown users; callers treat failures as
// best-effort and log them.
func (s *SQLiteStore) SetUserStatus(ctx context.Context, userID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ? WHERE id = ?`, status, userID)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking status update: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("user status updated", "user_id", userID, "status", status)
	return nil
}

// ListUsers returns all users except the given one, for the user directory.
func (s *SQLiteStore) ListUsers(ctx context.Context, excludeID string) ([]*User, error) {
	query := `
		SELECT id, name, email, role, status, created_at
		FROM users
		WHERE id != ?
		ORDER BY name, id
	`

	rows, err := s.db.QueryContext(ctx, query, excludeID)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var createdAtStr string
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.Role, &user.Status, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		user.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		users = append(users, &user)
	}

	return users, rows.Err()
}

// canonicalPair orders two user IDs deterministically so that the unordered
// pair {A,B} always maps to the same (low, high) columns.
func canonicalPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// FindOrCreateConversation returns the conversation for the unordered pair
// {userA, userB}, creating it atomically if it doesn't exist. Two concurrent
// calls for the same pair converge on a single row: creation races resolve on
// the unique pair index. Existing conversations include the most recent
// RecentMessageLimit messages ordered oldest to newest.
func (s *SQLiteStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	if userA == userB {
		return nil, ErrSelfConversation
	}
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("participant ids are required")
	}

	low, high := canonicalPair(userA, userB)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	id := newID()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_low, user_high, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_low, user_high) DO NOTHING
	`, id, low, high, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking conversation insert: %w", err)
	}

	if inserted == 0 {
		// Lost the race or the conversation already existed; read the winner.
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM conversations WHERE user_low = ? AND user_high = ?`,
			low, high).Scan(&id); err != nil {
			return nil, fmt.Errorf("querying existing conversation: %w", err)
		}
	} else {
		for _, userID := range []string{low, high} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (user_id, conversation_id, unread_count)
				VALUES (?, ?, 0)
			`, userID, id); err != nil {
				return nil, fmt.Errorf("inserting participant: %w", err)
			}
		}
		s.logger.Debug("conversation created", "id", id, "user_low", low, "user_high", high)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}

	return s.GetConversation(ctx, id)
}

// GetConversation loads a conversation with its participants and the most
// recent RecentMessageLimit messages ordered oldest to newest.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	conv.Participants, err = s.participants(ctx, id)
	if err != nil {
		return nil, err
	}

	conv.Messages, err = s.recentMessages(ctx, id, RecentMessageLimit)
	if err != nil {
		return nil, err
	}

	return &conv, nil
}

// GetParticipant returns one user's membership row for a conversation.
// Returns ErrNotParticipant if the user is not part of it.
func (s *SQLiteStore) GetParticipant(ctx context.Context, userID, conversationID string) (*Participant, error) {
	var p Participant
	var lastRead sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, conversation_id, unread_count, last_read_message_id
		FROM conversation_participants
		WHERE user_id = ? AND conversation_id = ?
	`, userID, conversationID).Scan(&p.UserID, &p.ConversationID, &p.UnreadCount, &lastRead)
	if err == sql.ErrNoRows {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("querying participant: %w", err)
	}

	p.LastReadMessageID = lastRead.String
	return &p, nil
}

func (s *SQLiteStore) participants(ctx context.Context, conversationID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, conversation_id, unread_count, last_read_message_id
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var parts []*Participant
	for rows.Next() {
		var p Participant
		var lastRead sql.NullString
		if err := rows.Scan(&p.UserID, &p.ConversationID, &p.UnreadCount, &lastRead); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		p.LastReadMessageID = lastRead.String
		parts = append(parts, &p)
	}

	return parts, rows.Err()
}

// recentMessages returns the newest limit messages, oldest first.
func (s *SQLiteStore) recentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, receiver_id, content, created_at FROM (
			SELECT id, conversation_id, sender_id, receiver_id, content, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var createdAtStr string
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &createdAtStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	created, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.CreatedAt = created

	return &msg, nil
}

// AppendMessage persists a message and increments the receiver's unread
// counter in one transaction. The insert is keyed by the caller-supplied
// message ID: a redelivered job with the same ID leaves the stored row and
// the unread counter untouched, so at-least-once processing never
// double-counts.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg.ID == "" || msg.ConversationID == "" {
		return nil, fmt.Errorf("message id and conversation id are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, conversation_id, sender_id, receiver_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content,
		createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("message references unknown conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking message insert: %w", err)
	}

	if inserted > 0 {
		incRes, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants
			SET unread_count = unread_count + 1
			WHERE user_id = ? AND conversation_id = ?
		`, msg.ReceiverID, msg.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("incrementing unread count: %w", err)
		}
		rows, err := incRes.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking unread update: %w", err)
		}
		if rows == 0 {
			return nil, fmt.Errorf("receiver %s in conversation %s: %w", msg.ReceiverID, msg.ConversationID, ErrNotParticipant)
		}
	}

	stored, err := scanMessage(tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, receiver_id, content, created_at
		FROM messages
		WHERE id = ?
	`, msg.ID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	if inserted > 0 {
		s.logger.Debug("message persisted", "id", stored.ID, "conversation_id", stored.ConversationID)
	} else {
		s.logger.Debug("duplicate message ignored", "id", stored.ID)
	}

	return stored, nil
}

// MarkRead resets the user's unread counter for a conversation to zero and
// records the newest message at call time as the last one read.
func (s *SQLiteStore) MarkRead(ctx context.Context, userID, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var lastID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conversationID).Scan(&lastID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("querying latest message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = 0, last_read_message_id = ?
		WHERE user_id = ? AND conversation_id = ?
	`, lastID, userID, conversationID)
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking mark read: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s in conversation %s: %w", userID, conversationID, ErrNotParticipant)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mark read: %w", err)
	}

	s.logger.Debug("conversation marked read", "user_id", userID, "conversation_id", conversationID)
	return nil
}
