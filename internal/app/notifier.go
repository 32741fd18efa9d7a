package app

import (
	"context"

	"github.com/charmbracelet/log"

	"ofiz/api/internal/chat"
	"ofiz/api/internal/store"
)

type presenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type mailer interface {
	IsConfigured() bool
	SendNewMessageEmail(to, recipientName, senderName, conversationTitle, conversationID, content string) error
}

type notifierStore interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	GetConversationRow(ctx context.Context, userID, conversationID string) (store.ConversationRow, error)
}

// OfflineNotifier e-mails the counterpart of a new message when they hold no realtime session.
type OfflineNotifier struct {
	presence presenceChecker
	mailer   mailer
	store    notifierStore
}

func NewOfflineNotifier(presence presenceChecker, mailer mailer, store notifierStore) *OfflineNotifier {
	return &OfflineNotifier{presence: presence, mailer: mailer, store: store}
}

func (n *OfflineNotifier) NotifyMessage(ctx context.Context, conv store.Conversation, msg chat.Message) {
	if !n.mailer.IsConfigured() {
		return
	}
	recipientID := conv.Counterpart(msg.SenderID)

	online, err := n.presence.IsOnline(ctx, recipientID)
	if err != nil {
		log.Warn("presence lookup failed, skipping e-mail", "user", recipientID, "err", err)
		return
	}
	if online {
		return
	}

	recipient, err := n.store.GetProfile(ctx, recipientID)
	if err != nil {
		log.Warn("load notification recipient", "user", recipientID, "err", err)
		return
	}
	if recipient.Email == "" {
		return
	}

	title := chat.DirectTitle
	if row, err := n.store.GetConversationRow(ctx, recipientID, conv.ID); err == nil {
		title = chat.Title(row.ServiceTitle, row.BookingNotes)
	}

	senderName := msg.SenderName
	if senderName == "" {
		senderName = "Usuario"
	}
	if err := n.mailer.SendNewMessageEmail(recipient.Email, recipient.FullName, senderName, title, conv.ID, msg.Content); err != nil {
		log.Warn("send new message e-mail", "user", recipientID, "conversation", conv.ID, "err", err)
		return
	}
	log.Info("new message e-mail sent", "user", recipientID, "conversation", conv.ID)
}
