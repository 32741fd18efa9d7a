package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"ofiz/api/internal/attachments"
	"ofiz/api/internal/metrics"
	"ofiz/api/internal/moderation"
	"ofiz/api/internal/rbac"
	"ofiz/api/internal/store"
	"ofiz/api/internal/util"
)

type dataStore interface {
	ListConversationRows(context.Context, string) ([]store.ConversationRow, error)
	GetConversationRow(context.Context, string, string) (store.ConversationRow, error)
	GetConversation(context.Context, string) (store.Conversation, error)
	GetBooking(context.Context, string) (store.Booking, error)
	EnsureConversation(context.Context, string, string, *string) (store.Conversation, bool, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	ListMessagesBefore(context.Context, string, string, int) ([]store.Message, bool, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	TouchConversation(context.Context, string, time.Time) error
	MarkConversationRead(context.Context, string, string) (int64, error)
	MarkMessageRead(context.Context, string, string, string) (bool, error)
	UnreadTotal(context.Context, string) (int, error)
}

// Names resolves display names; implementations never fail.
type Names interface {
	Resolve(ctx context.Context, userID string) string
	ResolveMany(ctx context.Context, userIDs []string) map[string]string
}

type Moderator interface {
	Check(ctx context.Context, req moderation.Request) (moderation.Decision, error)
}

// Indexer receives persisted messages for full-text search.
type Indexer interface {
	IndexMessage(msg store.Message, conv store.Conversation)
}

// Notifier is told about every persisted message, e.g. to e-mail an offline counterpart.
type Notifier interface {
	NotifyMessage(ctx context.Context, conv store.Conversation, msg Message)
}

// AttachmentSigner turns a stored attachment key into a link the client can fetch.
type AttachmentSigner interface {
	SignURL(ctx context.Context, key string) (string, error)
}

type Options struct {
	Publisher   Publisher
	Attachments AttachmentSigner
	Indexer   Indexer
	Notifier  Notifier
	// FailClosed blocks messages when the moderation call fails instead of sending them unfiltered.
	FailClosed bool
}

type Service struct {
	store      dataStore
	names      Names
	moderator  Moderator
	publisher  Publisher
	indexer    Indexer
	notifier   Notifier
	signer     AttachmentSigner
	failClosed bool
	now        func() time.Time
}

func New(dataStore dataStore, names Names, moderator Moderator, opts Options) *Service {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if moderator == nil {
		moderator = moderation.AllowAll{}
	}
	return &Service{
		store:      dataStore,
		names:      names,
		moderator:  moderator,
		publisher:  publisher,
		indexer:    opts.Indexer,
		notifier:   opts.Notifier,
		signer:     opts.Attachments,
		failClosed: opts.FailClosed,
		now:        time.Now,
	}
}

func (s *Service) ListConversations(ctx context.Context, viewer Viewer) ([]Conversation, error) {
	rows, err := s.store.ListConversationRows(ctx, viewer.ID)
	if err != nil {
		return nil, err
	}

	others := make([]string, 0, len(rows))
	for _, row := range rows {
		others = append(others, row.Counterpart(viewer.ID))
	}
	names := s.names.ResolveMany(ctx, others)

	conversations := make([]Conversation, 0, len(rows))
	for _, row := range rows {
		conversations = append(conversations, conversationFromRow(row, viewer.ID, names[row.Counterpart(viewer.ID)]))
	}
	SortConversations(conversations)
	return conversations, nil
}

func (s *Service) ConversationSummary(ctx context.Context, viewer Viewer, conversationID string) (Conversation, error) {
	if _, _, err := s.readableConversation(ctx, viewer, conversationID); err != nil {
		return Conversation{}, err
	}
	row, err := s.store.GetConversationRow(ctx, viewer.ID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("load conversation summary: %w", err)
	}
	other := row.Counterpart(viewer.ID)
	return conversationFromRow(row, viewer.ID, s.names.Resolve(ctx, other)), nil
}

func (s *Service) UnreadTotal(ctx context.Context, viewer Viewer) (int, error) {
	return s.store.UnreadTotal(ctx, viewer.ID)
}

func (s *Service) LoadMessages(ctx context.Context, viewer Viewer, conversationID string, page PageRequest) (MessagePage, error) {
	if page.Before != "" && !util.IsUUID(page.Before) {
		return MessagePage{}, fmt.Errorf("%w: before must be a message id", ErrInvalidInput)
	}
	conv, participant, err := s.readableConversation(ctx, viewer, conversationID)
	if err != nil {
		return MessagePage{}, err
	}

	var rows []store.Message
	hasMore := false
	if page.Limit <= 0 {
		rows, err = s.store.ListMessages(ctx, conv.ID)
	} else {
		limit := page.Limit
		if limit > MaxPageSize {
			limit = MaxPageSize
		}
		rows, hasMore, err = s.store.ListMessagesBefore(ctx, conv.ID, page.Before, limit)
	}
	if err != nil {
		return MessagePage{}, err
	}

	senders := make([]string, 0, len(rows))
	for _, row := range rows {
		senders = append(senders, row.SenderID)
	}
	names := s.names.ResolveMany(ctx, senders)

	result := MessagePage{Messages: make([]Message, 0, len(rows))}
	for _, row := range rows {
		result.Messages = append(result.Messages, messageFromStore(row, names[row.SenderID]))
	}
	if hasMore && len(result.Messages) > 0 {
		result.NextBefore = result.Messages[0].ID
	}
	s.signAttachments(ctx, result.Messages)

	// Reviewers looking at someone else's conversation leave read state untouched.
	if !participant {
		return result, nil
	}
	changed, err := s.store.MarkConversationRead(ctx, conv.ID, viewer.ID)
	if err != nil {
		log.Warn("mark conversation read", "conversation", conv.ID, "user", viewer.ID, "err", err)
		result.MarkReadFailed = true
		return result, nil
	}
	for i := range result.Messages {
		if result.Messages[i].SenderID != viewer.ID {
			result.Messages[i].Read = true
		}
	}
	if changed > 0 {
		s.publish(ctx, Event{Type: EventConversationUpdated, ConversationID: conv.ID, UserIDs: []string{viewer.ID}})
	}
	return result, nil
}

// MarkRead flags every message of the conversation not authored by the viewer as read.
func (s *Service) MarkRead(ctx context.Context, viewer Viewer, conversationID string) (int64, error) {
	conv, err := s.participantConversation(ctx, viewer, conversationID, rbac.ActionRead)
	if err != nil {
		return 0, err
	}
	changed, err := s.store.MarkConversationRead(ctx, conv.ID, viewer.ID)
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		s.publish(ctx, Event{Type: EventConversationUpdated, ConversationID: conv.ID, UserIDs: []string{viewer.ID}})
	}
	return changed, nil
}

// MarkMessageRead flags one incoming message as read; used by live sessions after a short delay.
func (s *Service) MarkMessageRead(ctx context.Context, viewer Viewer, conversationID, messageID string) (bool, error) {
	conv, err := s.participantConversation(ctx, viewer, conversationID, rbac.ActionRead)
	if err != nil {
		return false, err
	}
	changed, err := s.store.MarkMessageRead(ctx, conv.ID, messageID, viewer.ID)
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(ctx, Event{Type: EventConversationUpdated, ConversationID: conv.ID, UserIDs: []string{viewer.ID}})
	}
	return changed, nil
}

func (s *Service) SendMessage(ctx context.Context, viewer Viewer, in SendInput) (SendResult, error) {
	content := strings.TrimSpace(in.Content)
	attachmentKey := strings.TrimSpace(in.AttachmentKey)
	if content == "" && attachmentKey == "" {
		return SendResult{}, fmt.Errorf("%w: message content or attachment is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return SendResult{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, MaxContentLength)
	}

	conv, err := s.participantConversation(ctx, viewer, in.ConversationID, rbac.ActionSend)
	if err != nil {
		return SendResult{}, err
	}
	if attachmentKey != "" {
		if s.signer == nil {
			return SendResult{}, fmt.Errorf("%w: attachments are not enabled", ErrInvalidInput)
		}
		if !attachments.KeyBelongsTo(attachmentKey, conv.ID) {
			return SendResult{}, fmt.Errorf("%w: attachment was not uploaded to this conversation", ErrInvalidInput)
		}
	}

	msg := store.Message{
		ID:             util.NewID(""),
		ConversationID: conv.ID,
		SenderID:       viewer.ID,
		Content:        content,
	}
	if attachmentKey != "" {
		kind := normalizeAttachmentType(in.AttachmentType)
		msg.AttachmentURL = &attachmentKey
		msg.AttachmentType = &kind
	}

	result := SendResult{Outcome: moderation.OutcomeClean}
	// Attachment-only messages have no text to filter.
	if content != "" {
		decision, err := s.moderator.Check(ctx, moderation.Request{
			Content:        content,
			ConversationID: conv.ID,
			SenderID:       viewer.ID,
		})
		switch {
		case err != nil && s.failClosed:
			metrics.ModerationFailures.WithLabelValues("closed").Inc()
			log.Warn("moderation unavailable, blocking message", "conversation", conv.ID, "sender", viewer.ID, "err", err)
			metrics.MessagesSent.WithLabelValues(string(moderation.OutcomeBlocked)).Inc()
			return SendResult{Outcome: moderation.OutcomeBlocked, BlockReason: UnverifiedBlockReason}, nil
		case err != nil:
			metrics.ModerationFailures.WithLabelValues("open").Inc()
			log.Warn("moderation unavailable, sending unfiltered", "conversation", conv.ID, "sender", viewer.ID, "err", err)
		default:
			switch decision.Outcome() {
			case moderation.OutcomeBlocked:
				reason := DefaultBlockReason
				if decision.BlockReason != nil && strings.TrimSpace(*decision.BlockReason) != "" {
					reason = strings.TrimSpace(*decision.BlockReason)
				}
				metrics.MessagesSent.WithLabelValues(string(moderation.OutcomeBlocked)).Inc()
				return SendResult{Outcome: moderation.OutcomeBlocked, BlockReason: reason}, nil
			case moderation.OutcomeCensored:
				msg.Content = CensoredPlaceholder
				if decision.Content != nil && strings.TrimSpace(*decision.Content) != "" {
					msg.Content = *decision.Content
				}
				msg.IsCensored = true
				result.Outcome = moderation.OutcomeCensored
				result.Notice = CensorNotice
			}
		}
	}

	saved, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.store.TouchConversation(ctx, conv.ID, s.now().UTC()); err != nil {
		return SendResult{}, err
	}
	metrics.MessagesSent.WithLabelValues(string(result.Outcome)).Inc()

	signed := []Message{messageFromStore(saved, s.names.Resolve(ctx, viewer.ID))}
	s.signAttachments(ctx, signed)
	out := signed[0]
	result.Message = &out
	s.afterSend(ctx, conv, saved, out)
	return result, nil
}

func (s *Service) afterSend(ctx context.Context, conv store.Conversation, saved store.Message, out Message) {
	participants := []string{conv.ClientID, conv.ProfessionalID}
	s.publish(ctx, Event{Type: EventMessageCreated, ConversationID: conv.ID, UserIDs: participants, Message: &out})
	s.publish(ctx, Event{Type: EventConversationUpdated, ConversationID: conv.ID, UserIDs: participants})

	if s.indexer != nil {
		s.indexer.IndexMessage(saved, conv)
	}
	if s.notifier != nil {
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			s.notifier.NotifyMessage(notifyCtx, conv, out)
		}()
	}
}

// StartConversation returns the conversation between the viewer and a counterpart, optionally
// scoped to a booking, creating it on first contact. created reports whether it is new.
func (s *Service) StartConversation(ctx context.Context, viewer Viewer, in StartInput) (Conversation, bool, error) {
	if !rbac.Can(viewer.Role, rbac.ActionStart) {
		return Conversation{}, false, ErrForbidden
	}

	counterpart := strings.TrimSpace(in.CounterpartID)
	bookingID := strings.TrimSpace(in.BookingID)
	var clientID, professionalID string
	var booking *string

	if bookingID != "" {
		b, err := s.store.GetBooking(ctx, bookingID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Conversation{}, false, fmt.Errorf("%w: booking", ErrNotFound)
			}
			return Conversation{}, false, fmt.Errorf("load booking: %w", err)
		}
		if viewer.ID != b.ClientID && viewer.ID != b.ProfessionalID {
			return Conversation{}, false, ErrForbidden
		}
		other := b.ClientID
		if viewer.ID == b.ClientID {
			other = b.ProfessionalID
		}
		if counterpart != "" && counterpart != other {
			return Conversation{}, false, fmt.Errorf("%w: counterpart is not part of the booking", ErrInvalidInput)
		}
		clientID, professionalID, booking = b.ClientID, b.ProfessionalID, &b.ID
	} else {
		if counterpart == "" {
			return Conversation{}, false, fmt.Errorf("%w: counterpartId or bookingId is required", ErrInvalidInput)
		}
		if counterpart == viewer.ID {
			return Conversation{}, false, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidInput)
		}
		if rbac.IsProvider(viewer.Role) {
			clientID, professionalID = counterpart, viewer.ID
		} else {
			clientID, professionalID = viewer.ID, counterpart
		}
	}

	conv, created, err := s.store.EnsureConversation(ctx, clientID, professionalID, booking)
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			return Conversation{}, false, fmt.Errorf("%w: counterpart", ErrNotFound)
		}
		return Conversation{}, false, err
	}
	if created {
		s.publish(ctx, Event{Type: EventConversationUpdated, ConversationID: conv.ID, UserIDs: []string{conv.ClientID, conv.ProfessionalID}})
	}

	summary, err := s.ConversationSummary(ctx, viewer, conv.ID)
	if err != nil {
		return Conversation{}, false, err
	}
	return summary, created, nil
}

// AuthorizeSend reports whether viewer may post into the conversation, e.g. before accepting an upload.
func (s *Service) AuthorizeSend(ctx context.Context, viewer Viewer, conversationID string) error {
	_, err := s.participantConversation(ctx, viewer, conversationID, rbac.ActionSend)
	return err
}

// Transcript gathers a whole conversation for export. It never changes read state.
func (s *Service) Transcript(ctx context.Context, viewer Viewer, conversationID string) (Transcript, error) {
	conv, _, err := s.readableConversation(ctx, viewer, conversationID)
	if err != nil {
		return Transcript{}, err
	}
	if !rbac.Can(viewer.Role, rbac.ActionExport) {
		return Transcript{}, ErrForbidden
	}
	row, err := s.store.GetConversationRow(ctx, viewer.ID, conv.ID)
	if err != nil {
		return Transcript{}, fmt.Errorf("load conversation: %w", err)
	}
	rows, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return Transcript{}, err
	}

	names := s.names.ResolveMany(ctx, []string{conv.ClientID, conv.ProfessionalID})
	out := Transcript{
		ConversationID:   conv.ID,
		Title:            Title(row.ServiceTitle, row.BookingNotes),
		ClientName:       names[conv.ClientID],
		ProfessionalName: names[conv.ProfessionalID],
		CreatedAt:        conv.CreatedAt,
		Messages:         make([]Message, 0, len(rows)),
	}
	for _, m := range rows {
		name := out.ClientName
		if m.SenderID == conv.ProfessionalID {
			name = out.ProfessionalName
		}
		out.Messages = append(out.Messages, messageFromStore(m, name))
	}
	s.signAttachments(ctx, out.Messages)
	return out, nil
}

// readableConversation loads a conversation the viewer may read. participant is false when
// an admin reviews a conversation they are not part of.
func (s *Service) readableConversation(ctx context.Context, viewer Viewer, conversationID string) (store.Conversation, bool, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, false, err
	}
	if conv.HasParticipant(viewer.ID) && rbac.Can(viewer.Role, rbac.ActionRead) {
		return conv, true, nil
	}
	if rbac.Can(viewer.Role, rbac.ActionReview) {
		return conv, false, nil
	}
	return store.Conversation{}, false, ErrForbidden
}

func (s *Service) participantConversation(ctx context.Context, viewer Viewer, conversationID string, action rbac.Action) (store.Conversation, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, err
	}
	if !conv.HasParticipant(viewer.ID) || !rbac.Can(viewer.Role, action) {
		return store.Conversation{}, ErrForbidden
	}
	return conv, nil
}

func (s *Service) loadConversation(ctx context.Context, conversationID string) (store.Conversation, error) {
	if !util.IsUUID(conversationID) {
		return store.Conversation{}, ErrNotFound
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Conversation{}, ErrNotFound
		}
		return store.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return conv, nil
}

// signAttachments replaces stored attachment keys with fresh links. Rows written before keys
// were stored hold absolute URLs and pass through.
func (s *Service) signAttachments(ctx context.Context, messages []Message) {
	if s.signer == nil {
		return
	}
	for i := range messages {
		ref := messages[i].AttachmentURL
		if ref == nil || !attachments.IsKey(*ref) {
			continue
		}
		signed, err := s.signer.SignURL(ctx, *ref)
		if err != nil {
			log.Warn("sign attachment url", "message", messages[i].ID, "err", err)
			continue
		}
		messages[i].AttachmentURL = &signed
	}
}

func (s *Service) publish(ctx context.Context, event Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn("publish realtime event", "type", event.Type, "conversation", event.ConversationID, "err", err)
	}
}

func conversationFromRow(row store.ConversationRow, viewerID, otherName string) Conversation {
	return Conversation{
		ID:             row.ID,
		BookingID:      row.BookingID,
		ClientID:       row.ClientID,
		ProfessionalID: row.ProfessionalID,
		OtherPartyID:   row.Counterpart(viewerID),
		OtherPartyName: otherName,
		Title:          Title(row.ServiceTitle, row.BookingNotes),
		UnreadCount:    row.UnreadCount,
		LastMessageAt:  row.LastMessageAt,
		CreatedAt:      row.CreatedAt,
	}
}

// SortConversations orders by most recent activity first.
func SortConversations(conversations []Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		if conversations[i].LastMessageAt.Equal(conversations[j].LastMessageAt) {
			return conversations[i].ID < conversations[j].ID
		}
		return conversations[i].LastMessageAt.After(conversations[j].LastMessageAt)
	})
}

func normalizeAttachmentType(kind string) string {
	if strings.EqualFold(strings.TrimSpace(kind), "image") {
		return "image"
	}
	return "file"
}
