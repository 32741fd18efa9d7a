package search

import (
	"context"
	"strings"
	"time"

	"ofiz/api/internal/store"
)

// Result is a single message hit returned to the caller.
type Result struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Snippet        string    `json:"snippet"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Query describes a search request. ViewerID scopes hits to conversations the viewer is part of.
type Query struct {
	Text           string
	ViewerID       string
	ConversationID string // empty = every conversation of the viewer
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Content        string   `json:"content"`
	Participants   []string `json:"participants"`
	CreatedAt      int64    `json:"createdAt"` // unix milliseconds
}

// RecordFromMessage returns false for messages with nothing to search.
func RecordFromMessage(msg store.Message, conv store.Conversation) (MessageRecord, bool) {
	if msg.IsBlocked || strings.TrimSpace(msg.Content) == "" {
		return MessageRecord{}, false
	}
	return MessageRecord{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Participants:   []string{conv.ClientID, conv.ProfessionalID},
		CreatedAt:      msg.CreatedAt.UnixMilli(),
	}, true
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
