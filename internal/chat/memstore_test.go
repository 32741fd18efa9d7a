package chat

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ofiz/api/internal/moderation"
	"ofiz/api/internal/store"
)

// memStore is an in-memory dataStore with the same read/unread semantics as the SQL queries.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]store.Conversation
	bookings      map[string]store.Booking
	services      map[string]string
	messages      []store.Message
	clock         time.Time

	listErr      error
	insertErr    error
	markReadErr  error
	touchCalls   int
	insertCalls  int
	markReadFn   func(conversationID, readerID string)
	// loadMessages runs before every message read; a non-nil error is returned to the caller.
	loadMessages func(ctx context.Context, conversationID, beforeID string) error
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[string]store.Conversation{},
		bookings:      map[string]store.Booking{},
		services:      map[string]string{},
		clock:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) addConversation(clientID, professionalID string, bookingID *string) store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	conv := store.Conversation{
		ID:             uuid.NewString(),
		BookingID:      bookingID,
		ClientID:       clientID,
		ProfessionalID: professionalID,
		LastMessageAt:  now,
		CreatedAt:      now,
	}
	m.conversations[conv.ID] = conv
	return conv
}

func (m *memStore) addMessage(conversationID, senderID, content string, read bool) store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Read:           read,
		CreatedAt:      m.tick(),
	}
	m.messages = append(m.messages, msg)
	return msg
}

func (m *memStore) messagesOf(conversationID string) []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Message{}
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memStore) row(userID string, conv store.Conversation) store.ConversationRow {
	row := store.ConversationRow{Conversation: conv}
	if conv.BookingID != nil {
		if booking, ok := m.bookings[*conv.BookingID]; ok {
			row.BookingNotes = booking.Notes
			if booking.ServiceID != nil {
				if title, ok := m.services[*booking.ServiceID]; ok {
					row.ServiceTitle = &title
				}
			}
		}
	}
	for _, msg := range m.messages {
		if msg.ConversationID == conv.ID && msg.SenderID != userID && !msg.Read {
			row.UnreadCount++
		}
	}
	return row
}

func (m *memStore) ListConversationRows(_ context.Context, userID string) ([]store.ConversationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	rows := []store.ConversationRow{}
	for _, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			rows = append(rows, m.row(userID, conv))
		}
	}
	return rows, nil
}

func (m *memStore) GetConversationRow(_ context.Context, userID, conversationID string) (store.ConversationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return store.ConversationRow{}, sql.ErrNoRows
	}
	return m.row(userID, conv), nil
}

func (m *memStore) GetConversation(_ context.Context, conversationID string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return store.Conversation{}, sql.ErrNoRows
	}
	return conv, nil
}

func (m *memStore) GetBooking(_ context.Context, bookingID string) (store.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[bookingID]
	if !ok {
		return store.Booking{}, sql.ErrNoRows
	}
	return booking, nil
}

func (m *memStore) EnsureConversation(_ context.Context, clientID, professionalID string, bookingID *string) (store.Conversation, bool, error) {
	m.mu.Lock()
	for _, conv := range m.conversations {
		if conv.ClientID != clientID || conv.ProfessionalID != professionalID {
			continue
		}
		if (conv.BookingID == nil && bookingID == nil) ||
			(conv.BookingID != nil && bookingID != nil && *conv.BookingID == *bookingID) {
			m.mu.Unlock()
			return conv, false, nil
		}
	}
	m.mu.Unlock()
	return m.addConversation(clientID, professionalID, bookingID), true, nil
}

func (m *memStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	if m.loadMessages != nil {
		if err := m.loadMessages(ctx, conversationID, ""); err != nil {
			return nil, err
		}
	}
	return m.messagesOf(conversationID), nil
}

func (m *memStore) ListMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]store.Message, bool, error) {
	if m.loadMessages != nil {
		if err := m.loadMessages(ctx, conversationID, beforeID); err != nil {
			return nil, false, err
		}
	}
	all := m.messagesOf(conversationID)
	end := len(all)
	if beforeID != "" {
		end = 0
		for i, msg := range all {
			if msg.ID == beforeID {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return all[start:end], start > 0, nil
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.insertErr != nil {
		return store.Message{}, m.insertErr
	}
	msg.CreatedAt = m.tick()
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memStore) TouchConversation(_ context.Context, conversationID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchCalls++
	conv := m.conversations[conversationID]
	conv.LastMessageAt = at
	m.conversations[conversationID] = conv
	return nil
}

func (m *memStore) MarkConversationRead(_ context.Context, conversationID, readerID string) (int64, error) {
	if m.markReadFn != nil {
		m.markReadFn(conversationID, readerID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markReadErr != nil {
		return 0, m.markReadErr
	}
	var changed int64
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.ConversationID == conversationID && msg.SenderID != readerID && !msg.Read {
			msg.Read = true
			changed++
		}
	}
	return changed, nil
}

func (m *memStore) MarkMessageRead(_ context.Context, conversationID, messageID, readerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.ID == messageID && msg.ConversationID == conversationID && msg.SenderID != readerID && !msg.Read {
			msg.Read = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UnreadTotal(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			total += m.row(userID, conv).UnreadCount
		}
	}
	return total, nil
}

type staticNames map[string]string

func (n staticNames) Resolve(_ context.Context, userID string) string {
	if name, ok := n[userID]; ok {
		return name
	}
	return "Usuario"
}

func (n staticNames) ResolveMany(ctx context.Context, userIDs []string) map[string]string {
	out := map[string]string{}
	for _, id := range userIDs {
		out[id] = n.Resolve(ctx, id)
	}
	return out
}

type fakeModerator struct {
	mu      sync.Mutex
	calls   []moderation.Request
	checkFn func(moderation.Request) (moderation.Decision, error)
}

func (f *fakeModerator) Check(_ context.Context, req moderation.Request) (moderation.Decision, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.checkFn == nil {
		return moderation.Decision{Allowed: true}, nil
	}
	return f.checkFn(req)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type fakeSigner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSigner) SignURL(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return fmt.Sprintf("https://files.example/%s?sig=%d", key, n), nil
}
