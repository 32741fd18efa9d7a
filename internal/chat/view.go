package chat

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Commands a realtime client may send.
const (
	CommandOpen          = "open"
	CommandClose         = "close"
	CommandConversations = "conversations"
	CommandMore          = "more"
)

// Frames pushed to a realtime client.
const (
	FrameConversations = "conversations"
	FrameConversation  = "conversation"
	FrameMessages      = "messages"
	FrameMessage       = "message"
	FrameRead          = "read"
	FrameNotice        = "notice"
)

const (
	noticeListFailed     = "No se pudieron cargar las conversaciones"
	noticeMessagesFailed = "No se pudieron cargar los mensajes"
	noticeMarkReadFailed = "No se pudieron marcar los mensajes como leídos"
)

type Command struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Frame struct {
	Type           string         `json:"type"`
	Epoch          uint64         `json:"epoch,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Conversations  []Conversation `json:"conversations,omitempty"`
	Conversation   *Conversation  `json:"conversation,omitempty"`
	Messages       []Message      `json:"messages,omitempty"`
	Message        *Message       `json:"message,omitempty"`
	// After is the id of the message the new one follows, empty when it goes first.
	After      string `json:"after,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	NextBefore string `json:"nextBefore,omitempty"`
	Notice     string `json:"notice,omitempty"`
}

// viewService is the part of Service a View drives.
type viewService interface {
	ListConversations(ctx context.Context, viewer Viewer) ([]Conversation, error)
	ConversationSummary(ctx context.Context, viewer Viewer, conversationID string) (Conversation, error)
	LoadMessages(ctx context.Context, viewer Viewer, conversationID string, page PageRequest) (MessagePage, error)
	MarkMessageRead(ctx context.Context, viewer Viewer, conversationID, messageID string) (bool, error)
}

type ViewOptions struct {
	MarkReadDelay time.Duration
	// PageSize of 0 loads whole histories on open.
	PageSize int
}

// View mirrors one realtime session's conversation list and active conversation.
// All state is owned by the goroutine running Run; everything else talks to it through inbox.
type View struct {
	viewer  Viewer
	svc     viewService
	names   Names
	send    func(Frame)
	opts    ViewOptions
	inbox   chan viewInput
	runCtx  context.Context
	stopped chan struct{}
	// dropped is set by Deliver when the inbox was full; Run resyncs the client afterwards.
	dropped atomic.Bool

	conversations []Conversation
	listSeq       uint64
	activeID      string
	epoch         uint64
	loadSeq       uint64
	cancelLoad    context.CancelFunc
	messages      []Message
	seen          map[string]struct{}
	nextBefore    string
	timers        map[string]*time.Timer
}

type viewInput struct {
	command  *Command
	event    *Event
	loaded   *loadResult
	listed   *listResult
	summary  *summaryResult
	markRead *markReadTick
	marked   *markedResult
}

type loadResult struct {
	epoch  uint64
	seq    uint64
	older  bool
	page   MessagePage
	err    error
	convID string
}

type listResult struct {
	seq           uint64
	conversations []Conversation
	err           error
}

type summaryResult struct {
	seq          uint64
	conversation Conversation
	err          error
}

type markReadTick struct {
	epoch     uint64
	messageID string
}

type markedResult struct {
	epoch     uint64
	messageID string
	err       error
}

// NewView builds a View; send must not block.
func NewView(viewer Viewer, svc viewService, names Names, send func(Frame), opts ViewOptions) *View {
	if opts.MarkReadDelay <= 0 {
		opts.MarkReadDelay = time.Second
	}
	return &View{
		viewer:  viewer,
		svc:     svc,
		names:   names,
		send:    send,
		opts:    opts,
		inbox:   make(chan viewInput, 64),
		stopped: make(chan struct{}),
		seen:    map[string]struct{}{},
		timers:  map[string]*time.Timer{},
	}
}

// Run processes inputs until ctx is cancelled; in-flight loads are cancelled with it.
func (v *View) Run(ctx context.Context) {
	v.runCtx = ctx
	defer close(v.stopped)
	defer v.teardown()

	v.reloadList()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-v.inbox:
			v.handle(in)
			if v.dropped.Swap(false) {
				v.resync()
			}
		}
	}
}

// Command queues a client command.
func (v *View) Command(cmd Command) {
	v.post(viewInput{command: &cmd})
}

// Deliver queues a realtime event. When the view is saturated the event is dropped and the
// whole mirror is reloaded once the backlog drains.
func (v *View) Deliver(event Event) {
	select {
	case v.inbox <- viewInput{event: &event}:
	case <-v.stopped:
	default:
		v.dropped.Store(true)
		log.Warn("realtime view saturated, dropping event", "user", v.viewer.ID, "type", event.Type)
	}
}

func (v *View) post(in viewInput) {
	select {
	case v.inbox <- in:
	case <-v.stopped:
	}
}

func (v *View) handle(in viewInput) {
	switch {
	case in.command != nil:
		v.handleCommand(*in.command)
	case in.event != nil:
		v.handleEvent(*in.event)
	case in.loaded != nil:
		v.handleLoaded(*in.loaded)
	case in.listed != nil:
		v.handleListed(*in.listed)
	case in.summary != nil:
		v.handleSummary(*in.summary)
	case in.markRead != nil:
		v.handleMarkReadTick(*in.markRead)
	case in.marked != nil:
		v.handleMarked(*in.marked)
	}
}

func (v *View) handleCommand(cmd Command) {
	switch cmd.Type {
	case CommandOpen:
		if cmd.ConversationID == "" {
			return
		}
		v.resetActive(cmd.ConversationID)
		v.startLoad(PageRequest{Limit: v.opts.PageSize}, false)
	case CommandClose:
		v.resetActive("")
	case CommandConversations:
		v.reloadList()
	case CommandMore:
		if v.activeID == "" || v.nextBefore == "" {
			return
		}
		v.startLoad(PageRequest{Before: v.nextBefore, Limit: v.opts.PageSize}, true)
	}
}

// resetActive switches the active conversation. Bumping the epoch invalidates every
// load and delayed mark-read issued for the previous one.
func (v *View) resetActive(conversationID string) {
	v.epoch++
	if v.cancelLoad != nil {
		v.cancelLoad()
		v.cancelLoad = nil
	}
	for id, timer := range v.timers {
		timer.Stop()
		delete(v.timers, id)
	}
	v.activeID = conversationID
	v.messages = nil
	v.seen = map[string]struct{}{}
	v.nextBefore = ""
}

func (v *View) startLoad(page PageRequest, older bool) {
	if v.cancelLoad != nil {
		v.cancelLoad()
	}
	ctx, cancel := context.WithCancel(v.runCtx)
	v.cancelLoad = cancel
	v.loadSeq++
	epoch, seq, convID := v.epoch, v.loadSeq, v.activeID

	go func() {
		result, err := v.svc.LoadMessages(ctx, v.viewer, convID, page)
		v.post(viewInput{loaded: &loadResult{epoch: epoch, seq: seq, older: older, page: result, err: err, convID: convID}})
	}()
}

func (v *View) handleLoaded(res loadResult) {
	// Only the newest load counts; anything it superseded was cancelled and is discarded.
	if res.epoch != v.epoch || res.seq != v.loadSeq || res.convID != v.activeID {
		return
	}
	v.cancelLoad = nil
	if res.err != nil {
		if v.runCtx.Err() == nil {
			log.Warn("load messages", "user", v.viewer.ID, "conversation", res.convID, "err", res.err)
			v.send(Frame{Type: FrameNotice, Epoch: res.epoch, ConversationID: res.convID, Notice: noticeMessagesFailed})
		}
		return
	}
	if res.page.MarkReadFailed {
		v.send(Frame{Type: FrameNotice, Epoch: res.epoch, ConversationID: res.convID, Notice: noticeMarkReadFailed})
	}

	// Live messages that arrived while loading are kept; the merge is idempotent by id.
	for _, msg := range res.page.Messages {
		if _, dup := v.seen[msg.ID]; dup {
			continue
		}
		v.seen[msg.ID] = struct{}{}
		v.messages = append(v.messages, msg)
	}
	sortMessages(v.messages)
	if res.older || v.nextBefore == "" {
		v.nextBefore = res.page.NextBefore
	}

	v.send(Frame{
		Type:           FrameMessages,
		Epoch:          res.epoch,
		ConversationID: res.convID,
		Messages:       append([]Message(nil), v.messages...),
		NextBefore:     v.nextBefore,
	})
}

// resync reloads the list and the active conversation after live events were lost.
// The message merge is idempotent, so pages already on the client stay valid.
func (v *View) resync() {
	log.Info("resyncing realtime view", "user", v.viewer.ID, "conversation", v.activeID)
	v.reloadList()
	if v.activeID != "" {
		v.startLoad(PageRequest{Limit: v.opts.PageSize}, false)
	}
}

func (v *View) handleEvent(event Event) {
	switch event.Type {
	case EventMessageCreated:
		if event.Message == nil || event.Message.ConversationID != v.activeID {
			return
		}
		v.appendLive(*event.Message)
	case EventConversationUpdated:
		if event.ConversationID == "" {
			v.reloadList()
			return
		}
		v.refreshOne(event.ConversationID)
	}
}

func (v *View) appendLive(msg Message) {
	if _, dup := v.seen[msg.ID]; dup {
		return
	}
	v.seen[msg.ID] = struct{}{}
	if msg.SenderName == "" {
		msg.SenderName = v.names.Resolve(v.runCtx, msg.SenderID)
	}

	idx := sort.Search(len(v.messages), func(i int) bool {
		return messageLess(msg, v.messages[i])
	})
	v.messages = append(v.messages, Message{})
	copy(v.messages[idx+1:], v.messages[idx:])
	v.messages[idx] = msg

	after := ""
	if idx > 0 {
		after = v.messages[idx-1].ID
	}
	v.send(Frame{Type: FrameMessage, Epoch: v.epoch, ConversationID: msg.ConversationID, Message: &msg, After: after})

	if msg.SenderID != v.viewer.ID && !msg.Read {
		epoch, id := v.epoch, msg.ID
		v.timers[id] = time.AfterFunc(v.opts.MarkReadDelay, func() {
			v.post(viewInput{markRead: &markReadTick{epoch: epoch, messageID: id}})
		})
	}
}

func (v *View) handleMarkReadTick(tick markReadTick) {
	delete(v.timers, tick.messageID)
	if tick.epoch != v.epoch {
		return
	}
	convID, epoch := v.activeID, v.epoch
	ctx := v.runCtx
	go func() {
		_, err := v.svc.MarkMessageRead(ctx, v.viewer, convID, tick.messageID)
		v.post(viewInput{marked: &markedResult{epoch: epoch, messageID: tick.messageID, err: err}})
	}()
}

func (v *View) handleMarked(res markedResult) {
	if res.err != nil {
		if v.runCtx.Err() == nil {
			log.Warn("mark message read", "user", v.viewer.ID, "message", res.messageID, "err", res.err)
			v.send(Frame{Type: FrameNotice, Epoch: res.epoch, Notice: noticeMarkReadFailed})
		}
		return
	}
	if res.epoch != v.epoch {
		return
	}
	for i := range v.messages {
		if v.messages[i].ID == res.messageID {
			v.messages[i].Read = true
			v.send(Frame{Type: FrameRead, Epoch: res.epoch, ConversationID: v.activeID, MessageID: res.messageID})
			return
		}
	}
}

func (v *View) reloadList() {
	v.listSeq++
	seq := v.listSeq
	ctx := v.runCtx
	go func() {
		conversations, err := v.svc.ListConversations(ctx, v.viewer)
		v.post(viewInput{listed: &listResult{seq: seq, conversations: conversations, err: err}})
	}()
}

func (v *View) handleListed(res listResult) {
	if res.seq != v.listSeq {
		return
	}
	if res.err != nil {
		if v.runCtx.Err() != nil {
			return
		}
		log.Warn("list conversations", "user", v.viewer.ID, "err", res.err)
		v.conversations = []Conversation{}
		v.send(Frame{Type: FrameConversations, Conversations: []Conversation{}})
		v.send(Frame{Type: FrameNotice, Notice: noticeListFailed})
		return
	}
	v.conversations = res.conversations
	v.send(Frame{Type: FrameConversations, Conversations: append([]Conversation{}, v.conversations...)})
}

// refreshOne fetches a single conversation summary and upserts it into the mirrored list.
func (v *View) refreshOne(conversationID string) {
	seq := v.listSeq
	ctx := v.runCtx
	go func() {
		conv, err := v.svc.ConversationSummary(ctx, v.viewer, conversationID)
		v.post(viewInput{summary: &summaryResult{seq: seq, conversation: conv, err: err}})
	}()
}

func (v *View) handleSummary(res summaryResult) {
	// A full reload issued meanwhile supersedes the single-row update.
	if res.seq != v.listSeq {
		return
	}
	if res.err != nil {
		if v.runCtx.Err() == nil {
			log.Warn("refresh conversation", "user", v.viewer.ID, "err", res.err)
		}
		return
	}

	replaced := false
	for i := range v.conversations {
		if v.conversations[i].ID == res.conversation.ID {
			v.conversations[i] = res.conversation
			replaced = true
			break
		}
	}
	if !replaced {
		v.conversations = append(v.conversations, res.conversation)
	}
	SortConversations(v.conversations)

	conv := res.conversation
	v.send(Frame{Type: FrameConversation, ConversationID: conv.ID, Conversation: &conv})
}

func (v *View) teardown() {
	if v.cancelLoad != nil {
		v.cancelLoad()
	}
	for _, timer := range v.timers {
		timer.Stop()
	}
}

func messageLess(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool { return messageLess(messages[i], messages[j]) })
}
