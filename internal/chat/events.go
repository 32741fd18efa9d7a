package chat

import "context"

type EventType string

const (
	EventMessageCreated      EventType = "message.created"
	EventConversationUpdated EventType = "conversation.updated"
)

// Event is what the realtime broker carries between instances. UserIDs lists the
// recipients; a conversation.updated without ConversationID asks for a full reload.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserIDs        []string  `json:"userIds"`
	Message        *Message  `json:"message,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
