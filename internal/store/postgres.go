package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

// conversationRowSelect yields ConversationRow columns; $1 is the user the unread count is relative to.
const conversationRowSelect = `
	SELECT c.id, c.booking_id, c.client_id, c.professional_id, c.last_message_at, c.created_at,
		sv.title AS service_title,
		b.notes AS booking_notes,
		(
			SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m.read = FALSE
		) AS unread_count
	FROM conversations c
	LEFT JOIN bookings b ON b.id = c.booking_id
	LEFT JOIN services sv ON sv.id = b.service_id
`

func (s *PostgresStore) ListConversationRows(ctx context.Context, userID string) ([]ConversationRow, error) {
	rows := make([]ConversationRow, 0)
	query := conversationRowSelect + `
		WHERE c.client_id = $1 OR c.professional_id = $1
		ORDER BY c.last_message_at DESC, c.id
	`
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) GetConversationRow(ctx context.Context, userID, conversationID string) (ConversationRow, error) {
	var row ConversationRow
	query := conversationRowSelect + ` WHERE c.id = $2`
	if err := s.db.GetContext(ctx, &row, query, userID, conversationID); err != nil {
		return ConversationRow{}, err
	}
	return row, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	err := s.db.GetContext(ctx, &conv, `
		SELECT id, booking_id, client_id, professional_id, last_message_at, created_at
		FROM conversations WHERE id = $1
	`, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *PostgresStore) GetBooking(ctx context.Context, bookingID string) (Booking, error) {
	var booking Booking
	err := s.db.GetContext(ctx, &booking, `
		SELECT id, client_id, professional_id, service_id, notes FROM bookings WHERE id = $1
	`, bookingID)
	if err != nil {
		return Booking{}, err
	}
	return booking, nil
}

// EnsureConversation returns the conversation for the (client, professional, booking) triple,
// creating it when absent. created reports whether this call inserted the row.
func (s *PostgresStore) EnsureConversation(ctx context.Context, clientID, professionalID string, bookingID *string) (Conversation, bool, error) {
	existing, err := s.findConversation(ctx, clientID, professionalID, bookingID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("find conversation: %w", err)
	}

	var conv Conversation
	err = s.db.GetContext(ctx, &conv, `
		INSERT INTO conversations (booking_id, client_id, professional_id)
		VALUES ($1, $2, $3)
		RETURNING id, booking_id, client_id, professional_id, last_message_at, created_at
	`, bookingID, clientID, professionalID)
	if err == nil {
		return conv, true, nil
	}
	if !IsUniqueViolation(err) {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	// Lost the race against a concurrent insert of the same triple.
	existing, err = s.findConversation(ctx, clientID, professionalID, bookingID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("reselect conversation: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) findConversation(ctx context.Context, clientID, professionalID string, bookingID *string) (Conversation, error) {
	var conv Conversation
	var err error
	if bookingID == nil {
		err = s.db.GetContext(ctx, &conv, `
			SELECT id, booking_id, client_id, professional_id, last_message_at, created_at
			FROM conversations
			WHERE client_id = $1 AND professional_id = $2 AND booking_id IS NULL
		`, clientID, professionalID)
	} else {
		err = s.db.GetContext(ctx, &conv, `
			SELECT id, booking_id, client_id, professional_id, last_message_at, created_at
			FROM conversations
			WHERE client_id = $1 AND professional_id = $2 AND booking_id = $3
		`, clientID, professionalID, *bookingID)
	}
	return conv, err
}

const messageColumns = `id, conversation_id, sender_id, content, read, attachment_url, attachment_type,
	is_blocked, is_censored, block_reason, created_at`

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	messages := make([]Message, 0)
	err := s.db.SelectContext(ctx, &messages, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// ListMessagesBefore returns up to limit messages older than the message beforeID (or the newest
// ones when beforeID is empty), in ascending order. hasMore reports whether older messages remain.
func (s *PostgresStore) ListMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]Message, bool, error) {
	messages := make([]Message, 0, limit+1)
	var err error
	if beforeID == "" {
		err = s.db.SelectContext(ctx, &messages, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, conversationID, limit+1)
	} else {
		err = s.db.SelectContext(ctx, &messages, `
			SELECT `+messageColumns+`
			FROM messages m
			WHERE m.conversation_id = $1
				AND (m.created_at, m.id) < (
					SELECT cur.created_at, cur.id FROM messages cur
					WHERE cur.id = $2 AND cur.conversation_id = $1
				)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3
		`, conversationID, beforeID, limit+1)
	}
	if err != nil {
		return nil, false, fmt.Errorf("list messages page: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	var saved Message
	err := s.db.GetContext(ctx, &saved, `
		INSERT INTO messages (id, conversation_id, sender_id, content, attachment_url, attachment_type,
			is_blocked, is_censored, block_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.AttachmentURL, msg.AttachmentType,
		msg.IsBlocked, msg.IsCensored, msg.BlockReason,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET last_message_at = $2 WHERE id = $1`, conversationID, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// MarkConversationRead flips every unread message not authored by readerID and returns how many changed.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND read = FALSE
	`, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

func (s *PostgresStore) MarkMessageRead(ctx context.Context, conversationID, messageID, readerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE id = $1 AND conversation_id = $2 AND sender_id <> $3 AND read = FALSE
	`, messageID, conversationID, readerID)
	if err != nil {
		return false, fmt.Errorf("mark message read: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) UnreadTotal(ctx context.Context, userID string) (int, error) {
	var total int
	err := s.db.GetContext(ctx, &total, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.client_id = $1 OR c.professional_id = $1)
			AND m.sender_id <> $1
			AND m.read = FALSE
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("unread total: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) GetProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	profiles := make([]Profile, 0, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}
	err := s.db.SelectContext(ctx, &profiles, `
		SELECT id, full_name, email, user_type
		FROM profiles
		WHERE id = ANY($1::text[]::uuid[])
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	return profiles, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	var profile Profile
	err := s.db.GetContext(ctx, &profile, `SELECT id, full_name, email, user_type FROM profiles WHERE id = $1`, id)
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// ListAllMessages streams every non-blocked message with its participants, oldest first, for reindexing.
func (s *PostgresStore) ListAllMessages(ctx context.Context, fn func(Message, Conversation) error) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
			c.client_id, c.professional_id
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.is_blocked = FALSE
		ORDER BY m.created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("list all messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var conv Conversation
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt,
			&conv.ClientID, &conv.ProfessionalID); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		conv.ID = msg.ConversationID
		if err := fn(msg, conv); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err carries Postgres error 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// IsForeignKeyViolation reports whether err carries Postgres error 23503.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
