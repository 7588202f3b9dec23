// Package manager wires the client components into one facade.
//
// The Manager owns a session.Store, a conversation.Index, a messagelog.Log, a
// membership.Resolver and a directory.Directory, all sharing one gateway. It
// routes pushed messages into the index and the open threads and keeps the
// "current view" the CLI is looking at.
package manager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"megdan/cmd/internal/chat"
	"megdan/cmd/internal/conversation"
	"megdan/cmd/internal/directory"
	"megdan/cmd/internal/gateway"
	"megdan/cmd/internal/membership"
	"megdan/cmd/internal/messagelog"
	"megdan/cmd/internal/session"
)

const (
	DefaultTailLimit  = 30
	DefaultPushBuffer = 256
)

var (
	ErrGatewayInit  = errors.New("manager: gateway init failed")
	ErrSendInFlight = errors.New("manager: a send is already in flight")
	ErrEmptyText    = errors.New("manager: message text is empty")
	ErrNoView       = errors.New("manager: no conversation is open")
	ErrNotLoggedIn  = errors.New("manager: not logged in")
	ErrNoTarget     = errors.New("manager: conversation target is empty")
	ErrClosed       = errors.New("manager: closed")
)

type Config struct {
	AppID   string
	Region  string
	AuthKey string

	ConversationLimit int
	TailLimit         int
	// PushBuffer sizes the channel between the gateway and the router. A full
	// buffer drops pushes at the gateway.
	PushBuffer int

	Logger *slog.Logger
}

type Deps struct {
	Gateway     gateway.Gateway
	Persistence session.Persistence
}

// View is the conversation currently open.
type View struct {
	ConversationID string
	With           chat.Counterpart
	Messages       []chat.Message
}

type view struct {
	id     string
	with   chat.Counterpart
	ctx    context.Context
	cancel context.CancelFunc
}

type Manager struct {
	cfg Config
	gw  gateway.Gateway
	log *slog.Logger

	session   *session.Store
	index     *conversation.Index
	messages  *messagelog.Log
	members   *membership.Resolver
	directory *directory.Directory

	sending atomic.Bool

	mu     sync.Mutex
	view   *view
	stop   context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	listenMu  sync.Mutex
	listeners map[int]func(chat.Message)
	nextLis   int
}

func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Gateway == nil {
		return nil, errors.New("manager: nil gateway")
	}
	if cfg.TailLimit <= 0 {
		cfg.TailLimit = DefaultTailLimit
	}
	if cfg.PushBuffer <= 0 {
		cfg.PushBuffer = DefaultPushBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{cfg: cfg, gw: deps.Gateway, log: log, listeners: make(map[int]func(chat.Message))}
	m.session = session.NewStore(session.Config{AuthKey: cfg.AuthKey, Logger: log}, deps.Gateway, deps.Persistence)
	m.index = conversation.New(conversation.Config{Limit: cfg.ConversationLimit, Logger: log}, deps.Gateway, m.session)
	m.messages = messagelog.New(deps.Gateway, log)
	m.members = membership.NewResolver(deps.Gateway, log)
	m.directory = directory.New(deps.Gateway, log)
	return m, nil
}

func (m *Manager) Session() *session.Store { return m.session }

func (m *Manager) Index() *conversation.Index { return m.index }

func (m *Manager) Messages() *messagelog.Log { return m.messages }

func (m *Manager) Directory() *directory.Directory { return m.directory }

// Start initializes the gateway, restores a stored session and subscribes to
// pushes. Only the gateway init is fatal; a failed restore leaves the manager
// anonymous.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.gw.Init(ctx, m.cfg.AppID, m.cfg.Region); err != nil {
		m.log.Error("manager.start.init_fail", "app_id", m.cfg.AppID, "region", m.cfg.Region, "err", err)
		return fmt.Errorf("%w: %w", ErrGatewayInit, err)
	}

	streamCtx, stop := context.WithCancel(context.Background())
	ch := make(chan chat.Message, m.cfg.PushBuffer)
	if err := m.gw.Stream(streamCtx, ch); err != nil {
		stop()
		return fmt.Errorf("%w: %w", ErrGatewayInit, err)
	}
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()

	m.wg.Add(1)
	go m.route(streamCtx, ch)

	if err := m.session.Init(ctx); err != nil {
		m.log.Warn("manager.start.restore_fail", "err", err)
		return nil
	}
	if id, ok := m.session.CurrentIdentity(); ok {
		m.refresh(ctx)
		m.log.Info("manager.start.ok", "uid", id.ID)
	}
	return nil
}

// route delivers every pushed message to the index and, when its thread is
// loaded, to the log.
func (m *Manager) route(ctx context.Context, ch <-chan chat.Message) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			m.Deliver(msg)
		}
	}
}

// Deliver applies one inbound message, then tells the listeners about it
// unless it changed nothing.
func (m *Manager) Deliver(msg chat.Message) {
	fresh := m.index.UpsertFromInboundMessage(msg)
	if msg.ConversationID != "" && m.messages.Loaded(msg.ConversationID) {
		fresh = m.messages.Append(msg) || fresh
	}
	if !fresh {
		return
	}

	m.listenMu.Lock()
	fns := make([]func(chat.Message), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenMu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// OnMessage registers fn for pushed messages; the returned func removes it.
// fn runs on the routing goroutine and must not block.
func (m *Manager) OnMessage(fn func(chat.Message)) (cancel func()) {
	m.listenMu.Lock()
	id := m.nextLis
	m.nextLis++
	m.listeners[id] = fn
	m.listenMu.Unlock()
	return func() {
		m.listenMu.Lock()
		delete(m.listeners, id)
		m.listenMu.Unlock()
	}
}

func (m *Manager) Login(ctx context.Context, uid string) (chat.Identity, error) {
	m.resetViews()
	id, err := m.session.Login(ctx, uid)
	if err != nil {
		return chat.Identity{}, err
	}
	m.refresh(ctx)
	return id, nil
}

// Register creates the user and logs in as it.
func (m *Manager) Register(ctx context.Context, uid, name string) (chat.Identity, error) {
	m.resetViews()
	id, err := m.session.Register(ctx, uid, name)
	if err != nil {
		return chat.Identity{}, err
	}
	m.refresh(ctx)
	return id, nil
}

// Logout always drops local state, even when the backend call fails.
func (m *Manager) Logout(ctx context.Context) error {
	m.resetViews()
	return m.session.Logout(ctx)
}

// Conversations refreshes the index and returns the new snapshot. On failure
// the previous snapshot is returned with the error.
func (m *Manager) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	if _, ok := m.session.CurrentIdentity(); !ok {
		return nil, ErrNotLoggedIn
	}
	convs, err := m.index.Refresh(ctx)
	if err != nil {
		return m.index.Snapshot(), err
	}
	return convs, nil
}

// OpenConversation makes target the current view and loads its newest
// messages. Groups go through the membership rules first; a denial leaves the
// previous view open.
func (m *Manager) OpenConversation(ctx context.Context, target chat.Counterpart, credential string) (View, error) {
	id, ok := m.session.CurrentIdentity()
	if !ok {
		return View{}, ErrNotLoggedIn
	}
	if strings.TrimSpace(target.ID()) == "" {
		return View{}, ErrNoTarget
	}

	var convID string
	switch target.Kind() {
	case chat.CounterpartUser:
		convID = chat.DirectConversationID(id.ID, target.ID())
	case chat.CounterpartGroup:
		g, _ := target.Group()
		d := m.members.CanOpen(ctx, g, credential)
		if !d.Allowed {
			m.log.Info("manager.open.denied", "guid", g.ID, "decision", d.String())
			return View{}, d.Err()
		}
		target = chat.WithGroup(d.Group)
		convID = chat.GroupConversationID(d.Group.ID)
	default:
		return View{}, ErrNoTarget
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return View{}, ErrClosed
	}
	if m.view != nil {
		m.view.cancel()
	}
	vctx, cancel := context.WithCancel(context.Background())
	m.view = &view{id: convID, with: target, ctx: vctx, cancel: cancel}
	m.mu.Unlock()

	msgs, err := m.messages.LoadTail(ctx, convID, m.cfg.TailLimit)
	if err != nil {
		return View{ConversationID: convID, With: target}, err
	}
	m.log.Debug("manager.open.ok", "conversation_id", convID, "messages", len(msgs))
	return View{ConversationID: convID, With: target, Messages: msgs}, nil
}

// Current returns the open view with the loaded thread.
func (m *Manager) Current() (View, bool) {
	m.mu.Lock()
	v := m.view
	m.mu.Unlock()
	if v == nil {
		return View{}, false
	}
	return View{ConversationID: v.id, With: v.with, Messages: m.messages.Messages(v.id)}, true
}

// OlderMessages pages backwards from the oldest loaded message of the open
// view, newest first. The sequence ends with context.Canceled once another
// view is opened.
func (m *Manager) OlderMessages(limit int) iter.Seq2[chat.Message, error] {
	m.mu.Lock()
	v := m.view
	m.mu.Unlock()
	if v == nil {
		return func(yield func(chat.Message, error) bool) { yield(chat.Message{}, ErrNoView) }
	}

	loaded := m.messages.Messages(v.id)
	if len(loaded) == 0 {
		return func(func(chat.Message, error) bool) {}
	}
	return m.messages.LoadOlder(v.ctx, v.id, loaded[0].ID, limit)
}

// Send posts text to the open view. Only one send may be in flight.
func (m *Manager) Send(ctx context.Context, text string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyText
	}
	m.mu.Lock()
	v := m.view
	m.mu.Unlock()
	if v == nil {
		return chat.Message{}, ErrNoView
	}
	if !m.sending.CompareAndSwap(false, true) {
		return chat.Message{}, ErrSendInFlight
	}
	defer m.sending.Store(false)

	msg, err := m.gw.SendMessage(ctx, v.with.ID(), text, v.with.ReceiverType())
	if err != nil {
		m.log.Warn("manager.send.fail", "conversation_id", v.id, "code", chat.GatewayCode(err), "err", err)
		return chat.Message{}, chat.NewSendError("manager.Send", err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = v.id
	}
	m.messages.Append(msg)
	m.index.UpsertFromInboundMessage(msg)
	return msg, nil
}

func (m *Manager) refresh(ctx context.Context) {
	if _, err := m.index.Refresh(ctx); err != nil {
		m.log.Warn("manager.refresh.fail", "err", err)
	}
}

// resetViews forgets everything tied to the previous identity.
func (m *Manager) resetViews() {
	m.mu.Lock()
	if m.view != nil {
		m.view.cancel()
		m.view = nil
	}
	m.mu.Unlock()
	m.index.Reset()
	m.messages.Reset()
}

// Close stops push routing and closes the gateway.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop := m.stop
	if m.view != nil {
		m.view.cancel()
		m.view = nil
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.wg.Wait()
	return m.gw.Close()
}
