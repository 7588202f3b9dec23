package realtime

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"megdan/cmd/internal/ids"
)

// Integration tests run when MEGDAN_DATABASE_URL is set; plain "go test ./..."
// stays fast without Postgres.

func TestPostgresStore_Append_Dedupe_NoSeqWaste(t *testing.T) {
	t.Parallel()

	store, _ := mustPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	in := AppendMessageInput{
		ConversationID: "alice_user_bob",
		ClientMsgID:    "c-1",
		SenderID:       "alice",
		SenderName:     "Alice",
		ReceiverID:     "bob",
		ReceiverType:   receiverUser,
		Text:           "hello",
		Now:            time.Now().UTC(),
	}
	first, err := store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated || first.Stored.Seq != 1 || first.Stored.ServerMsgID == "" {
		t.Fatalf("unexpected first append: %+v", first)
	}

	again, err := store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append retry: %v", err)
	}
	if !again.Duplicated || again.Stored.ServerMsgID != first.Stored.ServerMsgID {
		t.Fatalf("expected duplicate of first, got %+v", again)
	}

	in.ClientMsgID = "c-2"
	next, err := store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append next: %v", err)
	}
	if next.Stored.Seq != 2 {
		t.Fatalf("expected seq=2 after duplicate, got %d", next.Stored.Seq)
	}

	// Same client id from another sender is a different message.
	in.SenderID, in.ReceiverID = "bob", "alice"
	other, err := store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append other sender: %v", err)
	}
	if other.Duplicated || other.Stored.Seq != 3 {
		t.Fatalf("expected new message seq=3, got %+v", other)
	}
}

func TestPostgresStore_HistoryWindows(t *testing.T) {
	t.Parallel()

	store, _ := mustPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const conv = "group_g1"
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := range 7 {
		if _, err := store.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv,
			ClientMsgID:    fmt.Sprintf("c-%d", i),
			SenderID:       "alice",
			ReceiverID:     "g1",
			ReceiverType:   receiverGroup,
			Text:           fmt.Sprintf("m%d", i),
			Now:            base.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	newest, err := store.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv, Limit: 3})
	if err != nil {
		t.Fatalf("newest: %v", err)
	}
	if got := seqs(newest.Messages); !slices.Equal(got, []int64{5, 6, 7}) || !newest.HasMore {
		t.Fatalf("newest window: seqs=%v hasMore=%v", got, newest.HasMore)
	}

	before := int64(5)
	older, err := store.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv, BeforeSeq: &before, Limit: 3})
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	if got := seqs(older.Messages); !slices.Equal(got, []int64{2, 3, 4}) || !older.HasMore {
		t.Fatalf("before window: seqs=%v hasMore=%v", got, older.HasMore)
	}

	after := int64(5)
	tail, err := store.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv, AfterSeq: &after, Limit: 10})
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if got := seqs(tail.Messages); !slices.Equal(got, []int64{6, 7}) || tail.HasMore {
		t.Fatalf("after window: seqs=%v hasMore=%v", got, tail.HasMore)
	}

	seq, err := store.SeqOf(ctx, conv, newest.Messages[0].ServerMsgID)
	if err != nil || seq != 5 {
		t.Fatalf("SeqOf: seq=%d err=%v", seq, err)
	}
	if _, err := store.SeqOf(ctx, conv, "nope"); err != ErrMessageNotFound {
		t.Fatalf("SeqOf unknown: expected ErrMessageNotFound, got %v", err)
	}
}

func TestPostgresStore_Append_Concurrency_NoGaps(t *testing.T) {
	t.Parallel()

	store, _ := mustPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	const (
		conv = "alice_user_bob"
		n    = 32
	)

	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, AppendMessageInput{
				ConversationID: conv,
				ClientMsgID:    fmt.Sprintf("c-%d", i),
				SenderID:       "alice",
				ReceiverID:     "bob",
				ReceiverType:   receiverUser,
				Text:           fmt.Sprintf("m%d", i),
				Now:            time.Now().UTC(),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append: %v", err)
	}

	out, err := store.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv, Limit: 200})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got := seqs(out.Messages)
	for i, s := range got {
		if s != int64(i+1) {
			t.Fatalf("expected gapless seqs 1..%d, got %v", n, got)
		}
	}
	if len(got) != n {
		t.Fatalf("expected %d messages, got %d", n, len(got))
	}
}

func TestPostgresDirectory_GroupsAndMembership(t *testing.T) {
	t.Parallel()

	store, dir := mustPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for _, u := range []UserRecord{{UID: "alice", Name: "Alice"}, {UID: "bob", Name: "Bob"}} {
		if err := dir.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user %s: %v", u.UID, err)
		}
	}
	if err := dir.CreateUser(ctx, UserRecord{UID: "alice", Name: "Again"}); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	g := GroupRecord{GUID: "g1", Name: "C++ 101", Type: "public", OwnerUID: "alice"}
	if err := dir.CreateGroup(ctx, g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := dir.CreateGroup(ctx, g); err != ErrGroupExists {
		t.Fatalf("expected ErrGroupExists, got %v", err)
	}
	if err := dir.CreateGroup(ctx, GroupRecord{GUID: "g2", Name: "x", Type: "public", OwnerUID: "ghost"}); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound for unknown owner, got %v", err)
	}

	added, err := dir.AddMember(ctx, "g1", "bob")
	if err != nil || !added {
		t.Fatalf("add bob: added=%v err=%v", added, err)
	}
	added, err = dir.AddMember(ctx, "g1", "bob")
	if err != nil || added {
		t.Fatalf("re-add bob: added=%v err=%v", added, err)
	}

	got, err := dir.GetGroup(ctx, "g1")
	if err != nil || got.MemberCount != 2 {
		t.Fatalf("get group: %+v err=%v", got, err)
	}
	listed, err := dir.ListGroups(ctx, "c++", 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("list groups by keyword: %+v err=%v", listed, err)
	}
	members, err := dir.Members(ctx, "g1")
	if err != nil || !slices.Equal(members, []string{"alice", "bob"}) {
		t.Fatalf("members: %v err=%v", members, err)
	}

	if _, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "group_g1", ClientMsgID: "c-1", SenderID: "bob",
		ReceiverID: "g1", ReceiverType: receiverGroup, Text: "hi", Now: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	guids, err := dir.GroupsOf(ctx, "alice")
	if err != nil {
		t.Fatalf("groups of: %v", err)
	}
	latest, err := store.LatestPerConversation(ctx, LatestInput{UserID: "alice", GroupIDs: guids, Limit: 10})
	if err != nil || len(latest) != 1 || latest[0].ConversationID != "group_g1" {
		t.Fatalf("latest: %+v err=%v", latest, err)
	}
}

func seqs(ms []StoredMessage) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Seq)
	}
	return out
}

// ---- test helpers ----

// mustPostgres returns a store and directory bound to a fresh schema that is
// dropped when the test ends.
func mustPostgres(t *testing.T) (*PostgresStore, *PostgresDirectory) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "megdan_it_" + strings.ToLower(ids.MustULID(time.Now()))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	dir, err := NewPostgresDirectory(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres directory: %v", err)
	}
	return store, dir
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("MEGDAN_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: MEGDAN_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse MEGDAN_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
