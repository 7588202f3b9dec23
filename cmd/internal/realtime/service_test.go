package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"megdan/cmd/security/password"
	v1 "megdan/shared/contracts/chat/v1"
)

const testAuthKey = "dev-key"

// fastPasswords keeps Argon2id cheap in tests.
var fastPasswords = password.Config{
	Params: password.Params{MemoryKiB: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
	Policy: password.Policy{MinLength: 4, MaxLength: 64},
}

type serviceFixture struct {
	svc    *Service
	hub    *Hub
	dir    *InMemoryDirectory
	events *recordingPublisher
	now    time.Time
}

func newServiceFixture(t *testing.T, users ...string) *serviceFixture {
	t.Helper()

	tokens, err := NewTokenIssuer("0123456789abcdef0123456789abcdef", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	f := &serviceFixture{
		hub:    NewHub(nil, nil),
		dir:    NewInMemoryDirectory(),
		events: &recordingPublisher{},
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc, err = NewService(
		ServiceConfig{AuthKey: testAuthKey, Passwords: fastPasswords, Now: func() time.Time { return f.now }},
		ServiceDeps{Store: NewInMemoryStore(), Dir: f.dir, Tokens: tokens, Hub: f.hub, Events: f.events},
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	for _, uid := range users {
		if _, err := f.svc.CreateUser(context.Background(), v1.UserCreatePayload{UID: uid, Name: uid, AuthKey: testAuthKey}); err != nil {
			t.Fatalf("create %s: %v", uid, err)
		}
	}
	return f
}

// online attaches a client for uid and returns it.
func (f *serviceFixture) online(uid string) *Client {
	c := NewClient(uid+"-session", 16)
	f.hub.Attach(uid, c)
	return c
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if ErrorCode(err) != code {
		t.Fatalf("expected code %q, got %v", code, err)
	}
}

func drainPush(t *testing.T, c *Client) v1.Message {
	t.Helper()
	select {
	case env := <-c.Send:
		if env.Type != v1.TypeMessageNew {
			t.Fatalf("expected message_new push, got %s", env.Type)
		}
		var p v1.MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode push: %v", err)
		}
		return p.Message
	default:
		t.Fatalf("expected a push for %s", c.SessionID)
		return v1.Message{}
	}
}

func TestService_LoginAndToken(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "alice")
	ctx := context.Background()

	out, err := f.svc.Login(ctx, v1.LoginPayload{UID: "alice", AuthKey: testAuthKey})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if out.User.UID != "alice" || out.Token == "" {
		t.Fatalf("unexpected login reply %+v", out)
	}

	resumed, err := f.svc.LoginToken(ctx, v1.LoginTokenPayload{Token: out.Token})
	if err != nil || resumed.User.UID != "alice" {
		t.Fatalf("token login: %+v err=%v", resumed, err)
	}

	_, err = f.svc.Login(ctx, v1.LoginPayload{UID: "alice", AuthKey: "wrong"})
	wantCode(t, err, v1.CodeInvalidCredentials)
	_, err = f.svc.Login(ctx, v1.LoginPayload{UID: "ghost", AuthKey: testAuthKey})
	wantCode(t, err, v1.CodeInvalidCredentials)
	_, err = f.svc.LoginToken(ctx, v1.LoginTokenPayload{Token: "garbage"})
	wantCode(t, err, v1.CodeInvalidCredentials)
}

func TestService_CreateUser_Validation(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "alice")
	ctx := context.Background()

	cases := []struct {
		name string
		in   v1.UserCreatePayload
		code string
	}{
		{name: "duplicate", in: v1.UserCreatePayload{UID: "alice", Name: "A", AuthKey: testAuthKey}, code: v1.CodeConflict},
		{name: "separator in uid", in: v1.UserCreatePayload{UID: "a_user_b", Name: "A", AuthKey: testAuthKey}, code: v1.CodeBadRequest},
		{name: "group prefix", in: v1.UserCreatePayload{UID: "group_x", Name: "A", AuthKey: testAuthKey}, code: v1.CodeBadRequest},
		{name: "blank name", in: v1.UserCreatePayload{UID: "carol", Name: " ", AuthKey: testAuthKey}, code: v1.CodeBadRequest},
		{name: "bad key", in: v1.UserCreatePayload{UID: "carol", Name: "C", AuthKey: "nope"}, code: v1.CodeInvalidCredentials},
	}
	for _, tc := range cases {
		_, err := f.svc.CreateUser(ctx, tc.in)
		if ErrorCode(err) != tc.code {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.code, err)
		}
	}
}

func TestService_DirectSend_AckPushAndDedupe(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "alice", "bob")
	ctx := context.Background()
	aliceC, bobC := f.online("alice"), f.online("bob")
	alice := Caller{UID: "alice", Name: "Alice"}

	in := v1.MessageSendPayload{ReceiverID: "bob", ReceiverType: v1.ReceiverUser, ClientMsgID: "c-1", Text: "hi bob"}
	ack, err := f.svc.SendMessage(ctx, alice, in)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack.Duplicated || ack.Message.ConversationID != "alice_user_bob" || ack.Message.Seq != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if !ack.Message.SentAt.Equal(f.now) || ack.Message.SenderName != "Alice" {
		t.Fatalf("ack should carry server time and sender name: %+v", ack.Message)
	}

	if ack.Message.ReceiverName != "bob" {
		t.Fatalf("ack should carry the receiver name: %+v", ack.Message)
	}

	if got := drainPush(t, bobC); got.ID != ack.Message.ID || got.ReceiverName != "bob" {
		t.Fatalf("bob got %+v", got)
	}
	drainPush(t, aliceC)
	if len(f.events.got) != 1 {
		t.Fatalf("expected one published event, got %d", len(f.events.got))
	}

	retry, err := f.svc.SendMessage(ctx, alice, in)
	if err != nil || !retry.Duplicated || retry.Message.ID != ack.Message.ID {
		t.Fatalf("retry: %+v err=%v", retry, err)
	}
	if len(bobC.Send) != 0 || len(f.events.got) != 1 {
		t.Fatalf("a duplicate must not be pushed or published again")
	}
}

func TestService_Send_Rejections(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "alice", "bob")
	ctx := context.Background()
	alice := Caller{UID: "alice"}

	long := make([]rune, maxMessageChars+1)
	for i := range long {
		long[i] = 'x'
	}
	cases := []struct {
		name string
		in   v1.MessageSendPayload
		code string
	}{
		{name: "unknown user", in: v1.MessageSendPayload{ReceiverID: "ghost", ReceiverType: v1.ReceiverUser, ClientMsgID: "c", Text: "x"}, code: v1.CodeNotFound},
		{name: "not a member", in: v1.MessageSendPayload{ReceiverID: "g1", ReceiverType: v1.ReceiverGroup, ClientMsgID: "c", Text: "x"}, code: v1.CodeForbidden},
		{name: "empty text", in: v1.MessageSendPayload{ReceiverID: "bob", ReceiverType: v1.ReceiverUser, ClientMsgID: "c", Text: "  "}, code: v1.CodeBadRequest},
		{name: "too long", in: v1.MessageSendPayload{ReceiverID: "bob", ReceiverType: v1.ReceiverUser, ClientMsgID: "c", Text: string(long)}, code: v1.CodeRejected},
		{name: "missing client id", in: v1.MessageSendPayload{ReceiverID: "bob", ReceiverType: v1.ReceiverUser, Text: "x"}, code: v1.CodeBadRequest},
		{name: "bad receiver type", in: v1.MessageSendPayload{ReceiverID: "bob", ReceiverType: "room", ClientMsgID: "c", Text: "x"}, code: v1.CodeBadRequest},
	}
	for _, tc := range cases {
		_, err := f.svc.SendMessage(ctx, alice, tc.in)
		if ErrorCode(err) != tc.code {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.code, err)
		}
	}
}

func TestService_Groups_JoinRules(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "alice", "bob")
	ctx := context.Background()
	alice, bob := Caller{UID: "alice"}, Caller{UID: "bob"}

	mk := func(guid, typ, pw string) {
		t.Helper()
		if _, err := f.svc.CreateGroup(ctx, alice, v1.GroupCreatePayload{GUID: guid, Name: guid, Type: typ, Password: pw}); err != nil {
			t.Fatalf("create %s: %v", guid, err)
		}
	}
	mk("pub", v1.GroupPublic, "")
	mk("priv", v1.GroupPrivate, "")
	mk("secret", v1.GroupPassword, "hunter2")

	_, err := f.svc.CreateGroup(ctx, alice, v1.GroupCreatePayload{GUID: "weak", Name: "w", Type: v1.GroupPassword, Password: "x"})
	wantCode(t, err, v1.CodeBadRequest)
	_, err = f.svc.CreateGroup(ctx, alice, v1.GroupCreatePayload{GUID: "pub", Name: "again", Type: v1.GroupPublic})
	wantCode(t, err, v1.CodeConflict)

	joined, err := f.svc.JoinGroup(ctx, bob, v1.GroupJoinPayload{GUID: "pub"})
	if err != nil || !joined.Group.HasJoined || joined.Group.MemberCount != 2 {
		t.Fatalf("join public: %+v err=%v", joined, err)
	}

	_, err = f.svc.JoinGroup(ctx, bob, v1.GroupJoinPayload{GUID: "priv"})
	wantCode(t, err, v1.CodeForbidden)
	_, err = f.svc.JoinGroup(ctx, bob, v1.GroupJoinPayload{GUID: "secret"})
	wantCode(t, err, v1.CodePasswordRequired)
	_, err = f.svc.JoinGroup(ctx, bob, v1.GroupJoinPayload{GUID: "secret", Password: "wrong"})
	wantCode(t, err, v1.CodeWrongPassword)
	_, err = f.svc.JoinGroup(ctx, bob, v1.GroupJoinPayload{GUID: "missing"})
	wantCode(t, err, v1.CodeNotFound)

	if _, err := f.svc.JoinGroup(ctx, bob, v1.GroupJoinPayload{GUID: "secret", Password: "hunter2"}); err != nil {
		t.Fatalf("join with password: %v", err)
	}

	list, err := f.svc.ListGroups(ctx, bob, v1.ListPayload{})
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	joinedBy := map[string]bool{}
	for _, g := range list.Groups {
		joinedBy[g.GUID] = g.HasJoined
	}
	if !joinedBy["pub"] || joinedBy["priv"] || !joinedBy["secret"] {
		t.Fatalf("unexpected has_joined flags: %v", joinedBy)
	}
}

func TestService_GroupSend_FansOutToMembers(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	alice, bob := Caller{UID: "alice"}, Caller{UID: "bob"}
	carolC := f.online("carol")
	bobC := f.online("bob")

	if _, err := f.svc.CreateGroup(ctx, alice, v1.GroupCreatePayload{GUID: "g1", Name: "G", Type: v1.GroupPublic}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.JoinGroup(ctx, bob, v1.GroupJoinPayload{GUID: "g1"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	ack, err := f.svc.SendMessage(ctx, alice, v1.MessageSendPayload{ReceiverID: "g1", ReceiverType: v1.ReceiverGroup, ClientMsgID: "c-1", Text: "hello"})
	if err != nil || ack.Message.ConversationID != "group_g1" {
		t.Fatalf("group send: %+v err=%v", ack, err)
	}
	if got := drainPush(t, bobC); got.ReceiverName != "G" {
		t.Fatalf("group push should carry the group name: %+v", got)
	}
	if len(carolC.Send) != 0 {
		t.Fatalf("non-member must not receive the push")
	}
}

func TestService_ConversationsAndHistory(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	alice, bob, carol := Caller{UID: "alice"}, Caller{UID: "bob"}, Caller{UID: "carol"}

	send := func(from Caller, to, id string) v1.Message {
		t.Helper()
		f.now = f.now.Add(time.Second)
		ack, err := f.svc.SendMessage(ctx, from, v1.MessageSendPayload{ReceiverID: to, ReceiverType: v1.ReceiverUser, ClientMsgID: id, Text: id})
		if err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
		return ack.Message
	}
	m1 := send(alice, "bob", "m1")
	send(bob, "alice", "m2")
	m3 := send(alice, "bob", "m3")
	send(carol, "alice", "m4")

	list, err := f.svc.ListConversations(ctx, alice, v1.ListPayload{})
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(list.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %+v", list.Conversations)
	}
	first := list.Conversations[0]
	if first.ConversationID != "alice_user_carol" || first.User == nil || first.User.UID != "carol" {
		t.Fatalf("newest conversation should be with carol: %+v", first)
	}

	chunk, err := f.svc.FetchMessages(ctx, alice, v1.MessagesFetchPayload{ConversationID: "alice_user_bob", BeforeID: m3.ID, Limit: 10})
	if err != nil {
		t.Fatalf("fetch before: %v", err)
	}
	if len(chunk.Messages) != 2 || chunk.Messages[0].ID != m1.ID || chunk.HasMore {
		t.Fatalf("unexpected chunk %+v", chunk)
	}

	_, err = f.svc.FetchMessages(ctx, carol, v1.MessagesFetchPayload{ConversationID: "alice_user_bob"})
	wantCode(t, err, v1.CodeForbidden)
	_, err = f.svc.FetchMessages(ctx, alice, v1.MessagesFetchPayload{ConversationID: "alice_user_bob", BeforeID: "nope"})
	wantCode(t, err, v1.CodeNotFound)
	_, err = f.svc.FetchMessages(ctx, alice, v1.MessagesFetchPayload{ConversationID: "junk"})
	wantCode(t, err, v1.CodeBadRequest)
}

func TestSession_RequiresLoginAndCorrelates(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "alice")
	client := NewClient("s1", 8)
	sess := NewSession(f.svc, client)
	defer sess.Close()
	ctx := context.Background()

	reply := sess.Handle(ctx, v1.Envelope{V: v1.Version, Type: v1.TypeUsersFetch, ID: "r1"})
	if reply.Type != v1.TypeError || reply.Ref != "r1" {
		t.Fatalf("expected error reply to r1, got %+v", reply)
	}
	var ep v1.ErrorPayload
	_ = json.Unmarshal(reply.Payload, &ep)
	if ep.Code != v1.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", ep)
	}

	login, _ := json.Marshal(v1.LoginPayload{UID: "alice", AuthKey: testAuthKey})
	reply = sess.Handle(ctx, v1.Envelope{V: v1.Version, Type: v1.TypeLogin, ID: "r2", Payload: login})
	if reply.Type != v1.TypeLoginOK || reply.Ref != "r2" {
		t.Fatalf("expected login_ok to r2, got %+v", reply)
	}
	if !f.hub.Online("alice") {
		t.Fatalf("login should attach the session to the hub")
	}

	reply = sess.Handle(ctx, v1.Envelope{V: v1.Version, Type: v1.TypeUsersFetch, ID: "r3"})
	if reply.Type != v1.TypeUsersList {
		t.Fatalf("expected users_list, got %+v", reply)
	}

	reply = sess.Handle(ctx, v1.Envelope{V: v1.Version, Type: v1.TypeLogout, ID: "r4"})
	if reply.Type != v1.TypeLogoutOK || f.hub.Online("alice") {
		t.Fatalf("logout should detach: %+v", reply)
	}
}

func TestErrorCode_Internal(t *testing.T) {
	t.Parallel()

	if ErrorCode(errors.New("boom")) != v1.CodeInternal {
		t.Fatalf("plain errors map to internal")
	}
	if publicMessage(internalErr(errors.New("db password leaked"))) != "internal error" {
		t.Fatalf("internal causes must not reach clients")
	}
}
