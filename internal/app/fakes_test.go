package app

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"ofiz/api/internal/attachments"
	"ofiz/api/internal/auth"
	"ofiz/api/internal/chat"
	"ofiz/api/internal/export"
	"ofiz/api/internal/search"
	"ofiz/api/internal/store"
)

const testSecret = "test-secret"

type fakeChat struct {
	listFn      func(chat.Viewer) ([]chat.Conversation, error)
	summaryFn   func(chat.Viewer, string) (chat.Conversation, error)
	loadFn      func(chat.Viewer, string, chat.PageRequest) (chat.MessagePage, error)
	sendFn      func(chat.Viewer, chat.SendInput) (chat.SendResult, error)
	startFn     func(chat.Viewer, chat.StartInput) (chat.Conversation, bool, error)
	authorizeFn func(chat.Viewer, string) error
	unread      int
	marked      int64
}

func (f *fakeChat) ListConversations(_ context.Context, viewer chat.Viewer) ([]chat.Conversation, error) {
	if f.listFn != nil {
		return f.listFn(viewer)
	}
	return []chat.Conversation{}, nil
}

func (f *fakeChat) ConversationSummary(_ context.Context, viewer chat.Viewer, id string) (chat.Conversation, error) {
	if f.summaryFn != nil {
		return f.summaryFn(viewer, id)
	}
	return chat.Conversation{ID: id}, nil
}

func (f *fakeChat) UnreadTotal(context.Context, chat.Viewer) (int, error) {
	return f.unread, nil
}

func (f *fakeChat) LoadMessages(_ context.Context, viewer chat.Viewer, id string, page chat.PageRequest) (chat.MessagePage, error) {
	if f.loadFn != nil {
		return f.loadFn(viewer, id, page)
	}
	return chat.MessagePage{Messages: []chat.Message{}}, nil
}

func (f *fakeChat) MarkRead(context.Context, chat.Viewer, string) (int64, error) {
	return f.marked, nil
}

func (f *fakeChat) SendMessage(_ context.Context, viewer chat.Viewer, in chat.SendInput) (chat.SendResult, error) {
	if f.sendFn != nil {
		return f.sendFn(viewer, in)
	}
	return chat.SendResult{}, nil
}

func (f *fakeChat) StartConversation(_ context.Context, viewer chat.Viewer, in chat.StartInput) (chat.Conversation, bool, error) {
	if f.startFn != nil {
		return f.startFn(viewer, in)
	}
	return chat.Conversation{}, false, nil
}

func (f *fakeChat) AuthorizeSend(_ context.Context, viewer chat.Viewer, id string) error {
	if f.authorizeFn != nil {
		return f.authorizeFn(viewer, id)
	}
	return nil
}

type fakeProfiles struct {
	profiles map[string]store.Profile
	rows     map[string]store.ConversationRow
	err      error
}

func (f *fakeProfiles) GetProfile(_ context.Context, id string) (store.Profile, error) {
	if f.err != nil {
		return store.Profile{}, f.err
	}
	profile, ok := f.profiles[id]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return profile, nil
}

func (f *fakeProfiles) GetConversationRow(_ context.Context, _ string, id string) (store.ConversationRow, error) {
	row, ok := f.rows[id]
	if !ok {
		return store.ConversationRow{}, sql.ErrNoRows
	}
	return row, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeSearch struct{ got search.Query }

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.got = q
	return search.Response{Results: []search.Result{{MessageID: "m1"}}, Total: 1, Query: q.Text}
}

type fakeExporter struct {
	result *export.Result
	err    error
}

func (f fakeExporter) Export(context.Context, chat.Viewer, string, export.Format) (*export.Result, error) {
	return f.result, f.err
}

type fakeUploader struct {
	maxBytes int64
	gotName  string
	gotBody  string
}

func (f *fakeUploader) Upload(_ context.Context, conversationID, filename, contentType string, body io.Reader) (attachments.Attachment, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return attachments.Attachment{}, err
	}
	f.gotName, f.gotBody = filename, string(data)
	return attachments.Attachment{
		URL:  "https://files.example/" + conversationID + "/" + filename,
		Type: attachments.Kind(contentType),
		Size: int64(len(data)),
	}, nil
}

func (f *fakeUploader) MaxBytes() int64 { return f.maxBytes }

type fakeRealtime struct {
	mu     sync.Mutex
	viewer chat.Viewer
}

func (f *fakeRealtime) Serve(w http.ResponseWriter, _ *http.Request, viewer chat.Viewer) {
	f.mu.Lock()
	f.viewer = viewer
	f.mu.Unlock()
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type testEnv struct {
	chat     *fakeChat
	profiles *fakeProfiles
	deps     Deps
}

func newTestEnv() *testEnv {
	profiles := &fakeProfiles{profiles: map[string]store.Profile{
		"client-1": {ID: "client-1", FullName: "Ana", Email: "ana@example.com", UserType: "client"},
		"pro-1":    {ID: "pro-1", FullName: "Bruno", Email: "bruno@example.com", UserType: "professional"},
		"admin-1":  {ID: "admin-1", FullName: "Admin", UserType: "admin"},
	}}
	fc := &fakeChat{}
	return &testEnv{
		chat:     fc,
		profiles: profiles,
		deps: Deps{
			Chat:     fc,
			Profiles: profiles,
			Verifier: auth.NewVerifier([]byte(testSecret), "authenticated"),
			Checks:   map[string]Pinger{"database": fakePinger{}},
		},
	}
}

func (e *testEnv) handler() http.Handler {
	return NewHTTPServer(NewService(e.deps), "*").Handler()
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.NewClaims(userID, userID+"@example.com", "authenticated", "authenticated", time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
