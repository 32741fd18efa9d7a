package chat

import (
	"errors"
	"time"

	"ofiz/api/internal/moderation"
	"ofiz/api/internal/rbac"
	"ofiz/api/internal/store"
)

const (
	// MaxContentLength is counted in runes.
	MaxContentLength = 4000
	MaxPageSize      = 200

	CensoredPlaceholder = "[mensaje moderado]"
	CensorNotice        = "Parte de tu mensaje fue modificada"
	DefaultBlockReason  = "Mensaje bloqueado por contener información no permitida"
	// UnverifiedBlockReason is returned when the filter is down and the fail-closed policy applies.
	UnverifiedBlockReason = "No se pudo verificar el mensaje. Inténtalo de nuevo en unos minutos"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

// Viewer is the authenticated user on whose behalf an operation runs.
type Viewer struct {
	ID   string
	Role rbac.Role
}

type Conversation struct {
	ID             string    `json:"id"`
	BookingID      *string   `json:"bookingId,omitempty"`
	ClientID       string    `json:"clientId"`
	ProfessionalID string    `json:"professionalId"`
	OtherPartyID   string    `json:"otherPartyId"`
	OtherPartyName string    `json:"otherPartyName"`
	Title          string    `json:"title"`
	UnreadCount    int       `json:"unreadCount"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	AttachmentURL  *string   `json:"attachmentUrl,omitempty"`
	AttachmentType *string   `json:"attachmentType,omitempty"`
	IsBlocked      bool      `json:"isBlocked"`
	IsCensored     bool      `json:"isCensored"`
	BlockReason    *string   `json:"blockReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type PageRequest struct {
	// Before is a message id; only older messages are returned.
	Before string
	// Limit 0 loads the whole history.
	Limit int
}

type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextBefore string    `json:"nextBefore,omitempty"`
	// MarkReadFailed is set when the messages loaded but flagging them read did not.
	MarkReadFailed bool `json:"markReadFailed,omitempty"`
}

type SendInput struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	// AttachmentKey is the key returned by the upload endpoint for this conversation.
	AttachmentKey  string `json:"attachmentKey"`
	AttachmentType string `json:"attachmentType"`
}

type SendResult struct {
	Outcome     moderation.Outcome `json:"outcome"`
	Message     *Message           `json:"message,omitempty"`
	Notice      string             `json:"notice,omitempty"`
	BlockReason string             `json:"blockReason,omitempty"`
}

type StartInput struct {
	CounterpartID string `json:"counterpartId"`
	BookingID     string `json:"bookingId"`
}

func messageFromStore(m store.Message, senderName string) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     senderName,
		Content:        m.Content,
		Read:           m.Read,
		AttachmentURL:  m.AttachmentURL,
		AttachmentType: m.AttachmentType,
		IsBlocked:      m.IsBlocked,
		IsCensored:     m.IsCensored,
		BlockReason:    m.BlockReason,
		CreatedAt:      m.CreatedAt,
	}
}

// Transcript is a full conversation as rendered for export.
type Transcript struct {
	ConversationID   string
	Title            string
	ClientName       string
	ProfessionalName string
	CreatedAt        time.Time
	Messages         []Message
}
