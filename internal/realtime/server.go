package realtime

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"ofiz/api/internal/chat"
)

// ViewService is what a session's View reads from; *chat.Service satisfies it.
type ViewService interface {
	ListConversations(ctx context.Context, viewer chat.Viewer) ([]chat.Conversation, error)
	ConversationSummary(ctx context.Context, viewer chat.Viewer, conversationID string) (chat.Conversation, error)
	LoadMessages(ctx context.Context, viewer chat.Viewer, conversationID string, page chat.PageRequest) (chat.MessagePage, error)
	MarkMessageRead(ctx context.Context, viewer chat.Viewer, conversationID, messageID string) (bool, error)
}

// Server upgrades authenticated requests into realtime sessions.
type Server struct {
	hub      *Hub
	service  ViewService
	names    chat.Names
	opts     chat.ViewOptions
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, service ViewService, names chat.Names, opts chat.ViewOptions, allowedOrigin string) *Server {
	return &Server{
		hub:     hub,
		service: service,
		names:   names,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// Serve takes over the connection. The caller has already authenticated viewer.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, viewer chat.Viewer) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		log.Warn("websocket upgrade failed", "user", viewer.ID, "err", err)
		return
	}

	// The session outlives the handler; it ends when the peer goes away.
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    s.hub,
		userID: viewer.ID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	client.view = chat.NewView(viewer, s.service, s.names, client.enqueue, s.opts)
	s.hub.Register(client)
	log.Info("realtime session opened", "user", viewer.ID)

	go client.view.Run(ctx)
	go client.writePump(ctx)
	go client.readPump(cancel)
}
