package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"megdan/cmd/internal/chat"
)

type staticIdentity struct{ id chat.Identity }

func (s staticIdentity) CurrentIdentity() (chat.Identity, bool) { return s.id, s.id.Valid() }

type fakeFetcher struct {
	mu    sync.Mutex
	convs []chat.Conversation
	err   error
	calls int
	limit int
}

func (f *fakeFetcher) FetchConversations(_ context.Context, limit int) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.convs, nil
}

func newTestIndex(f Fetcher) *Index {
	return New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, f, staticIdentity{chat.Identity{ID: "alice"}})
}

func msg(id, from, to string, at int64, text string) chat.Message {
	return chat.Message{ID: id, SenderID: from, ReceiverID: to, ReceiverType: chat.ReceiverUser, Text: text, SentAt: time.Unix(at, 0)}
}

func TestIndex_UpsertInboundScenario(t *testing.T) {
	t.Parallel()

	x := newTestIndex(&fakeFetcher{})
	m1 := msg("m1", "bob", "alice", 100, "hi")

	if !x.UpsertFromInboundMessage(m1) {
		t.Fatalf("expected first upsert to mutate")
	}
	snap := x.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one conversation, got %d", len(snap))
	}
	if snap[0].With.ID() != "bob" || snap[0].With.Kind() != chat.CounterpartUser {
		t.Fatalf("unexpected counterpart %q", snap[0].With.ID())
	}
	if snap[0].LastMessage == nil || snap[0].LastMessage.Text != "hi" {
		t.Fatalf("unexpected last message %+v", snap[0].LastMessage)
	}
	if snap[0].LastMessage.Direction != chat.Incoming {
		t.Fatalf("expected incoming direction")
	}

	if x.UpsertFromInboundMessage(m1) {
		t.Fatalf("duplicate upsert must be a no-op")
	}
	if got := x.Snapshot(); len(got) != 1 || !reflect.DeepEqual(got, snap) {
		t.Fatalf("duplicate upsert changed the snapshot: %+v", got)
	}
}

func TestIndex_UpsertMovesToFront(t *testing.T) {
	t.Parallel()

	x := newTestIndex(&fakeFetcher{})
	x.UpsertFromInboundMessage(msg("m1", "bob", "alice", 100, "hi"))
	x.UpsertFromInboundMessage(msg("m2", "carol", "alice", 200, "yo"))
	x.UpsertFromInboundMessage(msg("m3", "alice", "bob", 300, "back"))

	snap := x.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected two conversations, got %d", len(snap))
	}
	if snap[0].With.ID() != "bob" {
		t.Fatalf("expected bob first, got %q", snap[0].With.ID())
	}
	if snap[0].LastMessage.Direction != chat.Outgoing {
		t.Fatalf("expected outgoing direction for own message")
	}

	// Older message arriving late does not replace the summary.
	if x.UpsertFromInboundMessage(msg("m0", "carol", "alice", 50, "old")) {
		t.Fatalf("older message must not replace the summary")
	}
	if got := x.Snapshot(); got[1].LastMessage.ID != "m2" {
		t.Fatalf("summary replaced by older message: %+v", got[1].LastMessage)
	}
}

func TestIndex_GroupMessageCounterpart(t *testing.T) {
	t.Parallel()

	x := newTestIndex(&fakeFetcher{})
	x.UpsertFromInboundMessage(chat.Message{ID: "g1", SenderID: "bob", ReceiverID: "cs101", ReceiverType: chat.ReceiverGroup, SentAt: time.Unix(1, 0)})

	c, ok := x.Get("group_cs101")
	if !ok {
		t.Fatalf("expected group conversation")
	}
	if g, ok := c.With.Group(); !ok || g.ID != "cs101" {
		t.Fatalf("expected group counterpart, got %+v", c.With)
	}
}

func TestIndex_RefreshOrdersByActivity(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{convs: []chat.Conversation{
		{ID: "a_user_alice", With: chat.WithUser(chat.User{ID: "a", Name: "Ann"}), LastActivity: time.Unix(10, 0)},
		{ID: "group_g", With: chat.WithGroup(chat.Group{ID: "g", Name: "Study"}), LastActivity: time.Unix(30, 0)},
		{ID: "alice_user_c", With: chat.WithUser(chat.User{ID: "c", Name: "Cid"}), LastActivity: time.Unix(20, 0)},
	}}
	x := newTestIndex(f)

	got, err := x.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := []string{"group_g", "alice_user_c", "a_user_alice"}
	for i, c := range got {
		if c.ID != want[i] {
			t.Fatalf("order[%d]=%q want=%q", i, c.ID, want[i])
		}
	}
	if f.limit != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, f.limit)
	}

	c, ok := x.FindByCounterpartName("Cid")
	if !ok || c.ID != "alice_user_c" {
		t.Fatalf("FindByCounterpartName: %+v,%v", c, ok)
	}
	if _, ok := x.FindByCounterpartName("nobody"); ok {
		t.Fatalf("expected miss")
	}
}

func TestIndex_RefreshFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{convs: []chat.Conversation{
		{ID: "a_user_alice", With: chat.WithUser(chat.User{ID: "a"}), LastActivity: time.Unix(10, 0)},
	}}
	x := newTestIndex(f)
	if _, err := x.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	x.UpsertFromInboundMessage(msg("m1", "bob", "alice", 100, "hi"))
	before := x.Snapshot()

	cases := []struct {
		name  string
		convs []chat.Conversation
		err   error
		kind  error
	}{
		{name: "timeout", err: &chat.GatewayError{Op: "conversations_fetch", Kind: chat.ErrTimeout}, kind: chat.ErrTimeout},
		{name: "network", err: &chat.GatewayError{Op: "conversations_fetch", Kind: chat.ErrNetwork}, kind: chat.ErrNetwork},
		{name: "partial", convs: []chat.Conversation{{ID: "x_user_alice", With: chat.WithUser(chat.User{ID: "x"})}, {ID: "broken"}}, kind: chat.ErrNetwork},
	}

	for _, tc := range cases {
		f.mu.Lock()
		f.convs, f.err = tc.convs, tc.err
		f.mu.Unlock()

		_, err := x.Refresh(context.Background())
		if !errors.Is(err, tc.kind) || !chat.IsFetchError(err) {
			t.Fatalf("%s: expected FetchError(%v), got %v", tc.name, tc.kind, err)
		}
		if after := x.Snapshot(); !reflect.DeepEqual(before, after) {
			t.Fatalf("%s: snapshot changed after failed refresh", tc.name)
		}
	}
}

func TestIndex_SubscribeNotifiesOnMutation(t *testing.T) {
	t.Parallel()

	x := newTestIndex(&fakeFetcher{})

	var (
		mu    sync.Mutex
		sizes []int
	)
	cancel := x.Subscribe(func(cs []chat.Conversation) {
		mu.Lock()
		sizes = append(sizes, len(cs))
		mu.Unlock()
	})

	x.UpsertFromInboundMessage(msg("m1", "bob", "alice", 1, "a"))
	x.UpsertFromInboundMessage(msg("m1", "bob", "alice", 1, "a"))
	x.UpsertFromInboundMessage(msg("m2", "carol", "alice", 2, "b"))
	cancel()
	x.UpsertFromInboundMessage(msg("m3", "dan", "alice", 3, "c"))

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(sizes, []int{1, 2}) {
		t.Fatalf("unexpected notifications %v", sizes)
	}
}

func TestIndex_UpsertWithoutIdentityIgnored(t *testing.T) {
	t.Parallel()

	x := New(Config{}, &fakeFetcher{}, staticIdentity{})
	if x.UpsertFromInboundMessage(msg("m1", "bob", "alice", 1, "hi")) {
		t.Fatalf("expected no-op without identity")
	}
}

func TestSeenSet_EvictsOldest(t *testing.T) {
	t.Parallel()

	s := newSeenSet(2)
	s.Add("a")
	s.Add("b")
	s.Add("c")
	if s.Has("a") || !s.Has("b") || !s.Has("c") {
		t.Fatalf("unexpected membership after eviction")
	}
}

// gatedFetcher returns convs once release is closed, signalling started first.
type gatedFetcher struct {
	convs   []chat.Conversation
	started chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) FetchConversations(ctx context.Context, _ int) ([]chat.Conversation, error) {
	close(f.started)
	select {
	case <-f.release:
		return f.convs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestIndex_UpsertDuringRefreshSurvives(t *testing.T) {
	t.Parallel()

	m1 := msg("m1", "bob", "alice", 100, "old")
	f := &gatedFetcher{
		convs: []chat.Conversation{
			{ID: chat.DirectConversationID("alice", "bob"), With: chat.WithUser(chat.User{ID: "bob"}), LastMessage: &m1, LastActivity: m1.SentAt},
		},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	x := newTestIndex(f)

	done := make(chan error, 1)
	go func() {
		_, err := x.Refresh(context.Background())
		done <- err
	}()
	<-f.started

	m2 := msg("m2", "carol", "alice", 200, "fresh")
	if !x.UpsertFromInboundMessage(m2) {
		t.Fatalf("expected upsert to apply")
	}
	close(f.release)
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := x.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 conversations, got %d: %+v", len(snap), snap)
	}
	if snap[0].With.ID() != "carol" || snap[0].LastMessage.ID != "m2" {
		t.Fatalf("expected carol's conversation first, got %+v", snap[0])
	}
	if x.UpsertFromInboundMessage(m2) {
		t.Fatalf("redelivery must stay deduped")
	}

	// The replay buffer is dropped once no refresh is in flight.
	x.mu.RLock()
	pending := len(x.inflight)
	x.mu.RUnlock()
	if pending != 0 {
		t.Fatalf("expected no buffered upserts, got %d", pending)
	}
}

func TestIndex_PushCarriesCounterpartName(t *testing.T) {
	t.Parallel()

	x := newTestIndex(&fakeFetcher{})
	x.UpsertFromInboundMessage(chat.Message{ID: "g1", SenderID: "bob", ReceiverID: "cs101", ReceiverType: chat.ReceiverGroup, ReceiverName: "C++", SentAt: time.Unix(1, 0)})
	x.UpsertFromInboundMessage(chat.Message{ID: "d1", SenderID: "alice", ReceiverID: "dan", ReceiverType: chat.ReceiverUser, ReceiverName: "Dan", SentAt: time.Unix(2, 0)})

	if c, ok := x.FindByCounterpartName("C++"); !ok || c.ID != "group_cs101" {
		t.Fatalf("expected group found by name, got %+v,%v", c, ok)
	}
	if c, ok := x.FindByCounterpartName("Dan"); !ok || c.With.ID() != "dan" {
		t.Fatalf("expected outgoing direct conversation found by name, got %+v,%v", c, ok)
	}
}
