package store

import "time"

// Profile is the subset of the marketplace profile the chat needs.
type Profile struct {
	ID       string `db:"id"`
	FullName string `db:"full_name"`
	Email    string `db:"email"`
	UserType string `db:"user_type"`
}

type Booking struct {
	ID             string  `db:"id"`
	ClientID       string  `db:"client_id"`
	ProfessionalID string  `db:"professional_id"`
	ServiceID      *string `db:"service_id"`
	Notes          *string `db:"notes"`
}

type Conversation struct {
	ID             string    `db:"id"`
	BookingID      *string   `db:"booking_id"`
	ClientID       string    `db:"client_id"`
	ProfessionalID string    `db:"professional_id"`
	LastMessageAt  time.Time `db:"last_message_at"`
	CreatedAt      time.Time `db:"created_at"`
}

// HasParticipant reports whether userID is the client or the professional.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ClientID == userID || c.ProfessionalID == userID)
}

// Counterpart returns the other party from userID's point of view.
func (c Conversation) Counterpart(userID string) string {
	if c.ClientID == userID {
		return c.ProfessionalID
	}
	return c.ClientID
}

// ConversationRow is a conversation joined with the inputs for its derived
// title and the unread count relative to the requesting user.
type ConversationRow struct {
	Conversation
	ServiceTitle *string `db:"service_title"`
	BookingNotes *string `db:"booking_notes"`
	UnreadCount  int     `db:"unread_count"`
}

type Message struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	SenderID       string    `db:"sender_id"`
	Content        string    `db:"content"`
	Read           bool      `db:"read"`
	AttachmentURL  *string   `db:"attachment_url"`
	AttachmentType *string   `db:"attachment_type"`
	IsBlocked      bool      `db:"is_blocked"`
	IsCensored     bool      `db:"is_censored"`
	BlockReason    *string   `db:"block_reason"`
	CreatedAt      time.Time `db:"created_at"`
}
