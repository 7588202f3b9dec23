// Package conversation maintains the ordered list of the caller's conversations.
package conversation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"megdan/cmd/internal/chat"
	"megdan/cmd/internal/session"
)

const (
	DefaultLimit   = 50
	DefaultSeenCap = 4096
)

// Fetcher is the gateway read the index refreshes from.
type Fetcher interface {
	FetchConversations(ctx context.Context, limit int) ([]chat.Conversation, error)
}

// Observer receives a copy of the snapshot after every mutation.
// It must not call back into the Index's mutating methods.
type Observer func([]chat.Conversation)

type Config struct {
	Limit   int
	SeenCap int
	Logger  *slog.Logger
}

var errMalformed = errors.New("malformed conversation")

// Index owns the conversation snapshot. Snapshot order is LastActivity
// descending after Refresh; inbound upserts move the touched entry to the front.
type Index struct {
	fetch Fetcher
	ids   session.IdentityReader
	limit int
	log   *slog.Logger

	// emit serializes mutation+notification so observers see snapshots in order.
	emit sync.Mutex

	mu        sync.RWMutex
	convs     []chat.Conversation
	seen      *seenSet
	observers map[int]Observer
	nextObs   int

	// refreshing counts fetches in flight; inflight holds the upserts made
	// meanwhile so the fetched list cannot drop them.
	refreshing int
	inflight   []upsert
}

type upsert struct {
	self string
	msg  chat.Message
}

func New(cfg Config, fetch Fetcher, ids session.IdentityReader) *Index {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.SeenCap <= 0 {
		cfg.SeenCap = DefaultSeenCap
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Index{
		fetch:     fetch,
		ids:       ids,
		limit:     cfg.Limit,
		log:       log,
		seen:      newSeenSet(cfg.SeenCap),
		observers: make(map[int]Observer),
	}
}

// Refresh replaces the snapshot with the backend's list. On any failure the
// previous snapshot is kept as-is. Upserts applied while the fetch is in
// flight are replayed on top of the fetched list.
func (x *Index) Refresh(ctx context.Context) ([]chat.Conversation, error) {
	x.mu.Lock()
	x.refreshing++
	x.mu.Unlock()

	next, err := x.fetchSorted(ctx)
	if err != nil {
		x.mu.Lock()
		x.endRefreshLocked()
		x.mu.Unlock()
		x.log.Warn("conversation.refresh.fail", "err", err)
		return nil, chat.NewFetchError("conversation.Refresh", err)
	}

	x.emit.Lock()
	defer x.emit.Unlock()

	x.mu.Lock()
	x.convs = next
	for _, c := range next {
		if c.LastMessage != nil && c.LastMessage.ID != "" {
			x.seen.Add(c.LastMessage.ID)
		}
	}
	for _, u := range x.inflight {
		x.applyLocked(u.self, u.msg)
	}
	x.endRefreshLocked()
	snap := x.snapshotLocked()
	x.mu.Unlock()

	x.log.Debug("conversation.refresh.ok", "count", len(snap))
	x.notify(snap)
	return cloneAll(snap), nil
}

func (x *Index) fetchSorted(ctx context.Context) ([]chat.Conversation, error) {
	fetched, err := x.fetch.FetchConversations(ctx, x.limit)
	if err != nil {
		return nil, err
	}
	for i, c := range fetched {
		if c.ID == "" || c.With.Kind() == chat.CounterpartNone {
			return nil, fmt.Errorf("%w: entry %d", errMalformed, i)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	next := make([]chat.Conversation, 0, len(fetched))
	for _, c := range fetched {
		next = append(next, c.Clone())
	}
	sortByActivity(next)
	return next, nil
}

func (x *Index) endRefreshLocked() {
	x.refreshing--
	if x.refreshing == 0 {
		x.inflight = nil
	}
}

// UpsertFromInboundMessage folds a message into the index. Duplicate ids are
// ignored. It reports whether the snapshot changed.
func (x *Index) UpsertFromInboundMessage(msg chat.Message) bool {
	self, ok := x.ids.CurrentIdentity()
	if !ok {
		return false
	}

	convID := msg.ConversationID
	if convID == "" {
		convID = chat.ConversationIDFor(self.ID, msg.ReceiverType, msg.SenderID, msg.ReceiverID)
	}
	if convID == "" {
		return false
	}
	if msg.SenderID == self.ID {
		msg.Direction = chat.Outgoing
	} else {
		msg.Direction = chat.Incoming
	}
	msg.ConversationID = convID

	x.emit.Lock()
	defer x.emit.Unlock()

	x.mu.Lock()
	if msg.ID != "" && !x.seen.Add(msg.ID) {
		x.mu.Unlock()
		return false
	}
	if x.refreshing > 0 {
		x.inflight = append(x.inflight, upsert{self: self.ID, msg: msg})
	}
	applied, created := x.applyLocked(self.ID, msg)
	if !applied {
		x.mu.Unlock()
		return false
	}
	snap := x.snapshotLocked()
	x.mu.Unlock()

	x.log.Debug("conversation.upsert", "conversation_id", convID, "message_id", msg.ID, "new", created)
	x.notify(snap)
	return true
}

// applyLocked moves msg's conversation to the front with msg as its summary.
// A message older than the current summary leaves the entry alone.
func (x *Index) applyLocked(self string, msg chat.Message) (applied, created bool) {
	i := slices.IndexFunc(x.convs, func(c chat.Conversation) bool { return c.ID == msg.ConversationID })
	var conv chat.Conversation
	if i >= 0 {
		conv = x.convs[i]
		if conv.LastMessage != nil && !chat.Less(*conv.LastMessage, msg) {
			// Late delivery of an older message; the summary stays.
			return false, false
		}
		x.convs = slices.Delete(x.convs, i, i+1)
	} else {
		conv = chat.Conversation{ID: msg.ConversationID, With: counterpartOf(self, msg)}
	}

	m := msg
	conv.LastMessage = &m
	if msg.SentAt.After(conv.LastActivity) {
		conv.LastActivity = msg.SentAt
	}
	x.convs = slices.Insert(x.convs, 0, conv)
	return true, i < 0
}

// FindByCounterpartName returns the first conversation, in snapshot order,
// whose counterpart display name equals name.
func (x *Index) FindByCounterpartName(name string) (chat.Conversation, bool) {
	name = strings.TrimSpace(name)
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, c := range x.convs {
		if c.With.Name() == name {
			return c.Clone(), true
		}
	}
	return chat.Conversation{}, false
}

// Get returns the conversation with id.
func (x *Index) Get(id string) (chat.Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, c := range x.convs {
		if c.ID == id {
			return c.Clone(), true
		}
	}
	return chat.Conversation{}, false
}

// Snapshot returns a copy of the current ordered list.
func (x *Index) Snapshot() []chat.Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.snapshotLocked()
}

// Subscribe registers fn; the returned func removes it.
func (x *Index) Subscribe(fn Observer) (cancel func()) {
	x.mu.Lock()
	id := x.nextObs
	x.nextObs++
	x.observers[id] = fn
	x.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			x.mu.Lock()
			delete(x.observers, id)
			x.mu.Unlock()
		})
	}
}

// Reset drops the snapshot and the dedupe memory, e.g. on logout.
func (x *Index) Reset() {
	x.emit.Lock()
	defer x.emit.Unlock()

	x.mu.Lock()
	x.convs = nil
	x.inflight = nil
	x.seen.Reset()
	snap := x.snapshotLocked()
	x.mu.Unlock()

	x.notify(snap)
}

func (x *Index) snapshotLocked() []chat.Conversation {
	return cloneAll(x.convs)
}

func (x *Index) notify(snap []chat.Conversation) {
	x.mu.RLock()
	obs := make([]Observer, 0, len(x.observers))
	for _, fn := range x.observers {
		obs = append(obs, fn)
	}
	x.mu.RUnlock()

	for _, fn := range obs {
		fn(cloneAll(snap))
	}
}

func counterpartOf(self string, msg chat.Message) chat.Counterpart {
	if msg.ReceiverType == chat.ReceiverGroup {
		return chat.WithGroup(chat.Group{ID: msg.ReceiverID, Name: msg.ReceiverName, HasJoined: true})
	}
	if msg.SenderID == self {
		return chat.WithUser(chat.User{ID: msg.ReceiverID, Name: msg.ReceiverName})
	}
	return chat.WithUser(chat.User{ID: msg.SenderID, Name: msg.SenderName})
}

func sortByActivity(cs []chat.Conversation) {
	slices.SortStableFunc(cs, func(a, b chat.Conversation) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func cloneAll(cs []chat.Conversation) []chat.Conversation {
	out := make([]chat.Conversation, len(cs))
	for i, c := range cs {
		out[i] = c.Clone()
	}
	return out
}
