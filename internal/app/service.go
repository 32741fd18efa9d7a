package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ofiz/api/internal/attachments"
	"ofiz/api/internal/auth"
	"ofiz/api/internal/chat"
	"ofiz/api/internal/export"
	"ofiz/api/internal/rbac"
	"ofiz/api/internal/search"
	"ofiz/api/internal/store"
)

// ChatService is the conversation API the HTTP layer drives; *chat.Service implements it.
type ChatService interface {
	ListConversations(ctx context.Context, viewer chat.Viewer) ([]chat.Conversation, error)
	ConversationSummary(ctx context.Context, viewer chat.Viewer, conversationID string) (chat.Conversation, error)
	UnreadTotal(ctx context.Context, viewer chat.Viewer) (int, error)
	LoadMessages(ctx context.Context, viewer chat.Viewer, conversationID string, page chat.PageRequest) (chat.MessagePage, error)
	MarkRead(ctx context.Context, viewer chat.Viewer, conversationID string) (int64, error)
	SendMessage(ctx context.Context, viewer chat.Viewer, in chat.SendInput) (chat.SendResult, error)
	StartConversation(ctx context.Context, viewer chat.Viewer, in chat.StartInput) (chat.Conversation, bool, error)
	AuthorizeSend(ctx context.Context, viewer chat.Viewer, conversationID string) error
}

type profileStore interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Exporter interface {
	Export(ctx context.Context, viewer chat.Viewer, conversationID string, format export.Format) (*export.Result, error)
}

type Uploader interface {
	Upload(ctx context.Context, conversationID, filename, contentType string, body io.Reader) (attachments.Attachment, error)
	MaxBytes() int64
}

// RealtimeServer takes over an authenticated websocket request.
type RealtimeServer interface {
	Serve(w http.ResponseWriter, r *http.Request, viewer chat.Viewer)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the service. Search, Export, Attachments and Realtime may be nil; their routes answer 503.
type Deps struct {
	Chat        ChatService
	Profiles    profileStore
	Verifier    *auth.Verifier
	Search      Searcher
	Export      Exporter
	Attachments Uploader
	Realtime    RealtimeServer
	// Checks are reported by /api/ready; "database" is expected.
	Checks map[string]Pinger
}

type Service struct {
	chat        ChatService
	profiles    profileStore
	verifier    *auth.Verifier
	search      Searcher
	export      Exporter
	attachments Uploader
	realtime    RealtimeServer
	checks      map[string]Pinger
}

type Session struct {
	UserID   string
	UserName string
	Email    string
	Role     rbac.Role
}

func (s Session) Viewer() chat.Viewer {
	return chat.Viewer{ID: s.UserID, Role: s.Role}
}

func NewService(deps Deps) *Service {
	return &Service{
		chat:        deps.Chat,
		profiles:    deps.Profiles,
		verifier:    deps.Verifier,
		search:      deps.Search,
		export:      deps.Export,
		attachments: deps.Attachments,
		realtime:    deps.Realtime,
		checks:      deps.Checks,
	}
}

// SessionFromToken verifies the bearer token and loads the caller's profile; the role
// comes from the profile's user_type, not from the token.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.verifier.ParseToken(token)
	if err != nil {
		return Session{}, err
	}
	profile, err := s.profiles.GetProfile(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, fmt.Errorf("load profile: %w", err)
	}
	email := profile.Email
	if email == "" {
		email = claims.Email
	}
	return Session{
		UserID:   profile.ID,
		UserName: profile.FullName,
		Email:    email,
		Role:     rbac.Normalize(profile.UserType),
	}, nil
}

// Ready pings every dependency and reports each result.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	checks := make(map[string]any, len(s.checks))
	for name, pinger := range s.checks {
		if err := pinger.Ping(ctx); err != nil {
			ok = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ok, checks
}
