// Package store persists conversations, messages and notification records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/migrations"
	"github.com/pairup-app/realtime-core/pkg/tracing"
)

// Fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Match request statuses.
const (
	MatchPending  = "pending"
	MatchApproved = "approved"
	MatchDeclined = "declined"
	MatchExpired  = "expired"
)

// SQLite is the data-access layer backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracing.Start(ctx, "store."+op, attrs...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateProfile inserts or replaces a user profile.
func (s *SQLite) CreateProfile(ctx context.Context, identity model.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, photo_url, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, photo_url = excluded.photo_url`,
		identity.UserID, identity.Name, identity.PhotoURL, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// ResolveUserIdentity returns the display metadata of userID.
func (s *SQLite) ResolveUserIdentity(ctx context.Context, userID string) (identity model.Identity, err error) {
	ctx, span := startSpan(ctx, "ResolveUserIdentity", attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, photo_url FROM profiles WHERE id = ?`, userID,
	).Scan(&identity.UserID, &identity.Name, &identity.PhotoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("query profile: %w", err)
	}
	return identity, nil
}

// CreateConversation inserts a conversation and populates its CreatedAt.
func (s *SQLite) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_a, user_b, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.UserA, conv.UserB, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	conv.CreatedAt = now
	return nil
}

// GetConversation returns a conversation by id.
func (s *SQLite) GetConversation(ctx context.Context, conversationID string) (conv *model.Conversation, err error) {
	ctx, span := startSpan(ctx, "GetConversation", attribute.String("conversation.id", conversationID))
	defer func() { endSpan(span, err) }()

	var c model.Conversation
	var createdAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_a, user_b, created_at FROM conversations WHERE id = ?`, conversationID,
	).Scan(&c.ID, &c.UserA, &c.UserB, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// InsertMessage stores a new message.
func (s *SQLite) InsertMessage(ctx context.Context, msg *model.Message) (err error) {
	ctx, span := startSpan(ctx, "InsertMessage", attribute.String("conversation.id", msg.ConversationID))
	defer func() { endSpan(span, err) }()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, created_at, read_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, formatTime(msg.CreatedAt), nullTime(msg.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// LoadHistory returns every message of a conversation, oldest first.
func (s *SQLite) LoadHistory(ctx context.Context, conversationID string) (msgs []model.Message, err error) {
	ctx, span := startSpan(ctx, "LoadHistory", attribute.String("conversation.id", conversationID))
	defer func() { endSpan(span, err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, text, created_at, read_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs = []model.Message{}
	for rows.Next() {
		var m model.Message
		var createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		if readAt.Valid {
			t := parseTime(readAt.String)
			m.ReadAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	return msgs, nil
}

// PersistMessagesRead flags the unread messages other participants sent in a
// conversation as read and returns how many rows changed.
func (s *SQLite) PersistMessagesRead(ctx context.Context, conversationID, readerID string) (n int, err error) {
	ctx, span := startSpan(ctx, "PersistMessagesRead",
		attribute.String("conversation.id", conversationID),
		attribute.String("user.id", readerID),
	)
	defer func() { endSpan(span, err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_at = ?
		 WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL`,
		formatTime(time.Now()), conversationID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// RecountNotifications recomputes every notification counter of userID.
func (s *SQLite) RecountNotifications(ctx context.Context, userID string) (counts model.Counts, err error) {
	ctx, span := startSpan(ctx, "RecountNotifications", attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	err = s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM match_requests
		     WHERE recipient_id = ? AND status = ? AND viewed = 0),
		   (SELECT COUNT(*) FROM messages m
		     JOIN conversations c ON c.id = m.conversation_id
		     WHERE (c.user_a = ? OR c.user_b = ?) AND m.sender_id != ? AND m.read_at IS NULL),
		   (SELECT COUNT(*) FROM marketplace_notifications
		     WHERE user_id = ? AND viewed = 0)`,
		userID, MatchPending, userID, userID, userID, userID,
	).Scan(&counts.MatchRequests, &counts.Messages, &counts.Marketplace)
	if err != nil {
		return model.Counts{}, fmt.Errorf("recount notifications: %w", err)
	}
	return counts, nil
}

// MarkCategoryViewed persists the viewed flag of every notification in
// category. Messages are marked read per conversation, so the message
// category has nothing to persist here.
func (s *SQLite) MarkCategoryViewed(ctx context.Context, userID string, category model.Category) (err error) {
	ctx, span := startSpan(ctx, "MarkCategoryViewed",
		attribute.String("user.id", userID),
		attribute.String("category", string(category)),
	)
	defer func() { endSpan(span, err) }()

	var query string
	switch category {
	case model.CategoryMatchRequest:
		query = `UPDATE match_requests SET viewed = 1 WHERE recipient_id = ? AND viewed = 0`
	case model.CategoryMarketplace:
		query = `UPDATE marketplace_notifications SET viewed = 1 WHERE user_id = ? AND viewed = 0`
	case model.CategoryMessage:
		return nil
	default:
		return fmt.Errorf("unknown category %q", category)
	}

	if _, err = s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("mark %s viewed: %w", category, err)
	}
	return nil
}

// CreateMatchRequest stores a pending match request from requesterID to
// recipientID.
func (s *SQLite) CreateMatchRequest(ctx context.Context, id, requesterID, recipientID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO match_requests (id, requester_id, recipient_id, status, viewed, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		id, requesterID, recipientID, MatchPending, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert match request: %w", err)
	}
	return nil
}

// SetMatchRequestStatus changes the status of a match request.
func (s *SQLite) SetMatchRequestStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE match_requests SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update match request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("match request %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateMarketplaceNotification stores an unviewed marketplace notification.
func (s *SQLite) CreateMarketplaceNotification(ctx context.Context, id, userID, title, body string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO marketplace_notifications (id, user_id, title, body, viewed, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		id, userID, title, body, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert marketplace notification: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
