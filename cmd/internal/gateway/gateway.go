// Package gateway is the client side of the chat protocol. One Client core
// implements every operation; transports move envelopes over WebSocket or
// straight into an in-process backend.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"megdan/cmd/internal/chat"
	v1 "megdan/shared/contracts/chat/v1"
)

// Gateway is everything the client components need from the chat backend.
type Gateway interface {
	Init(ctx context.Context, appID, region string) error
	Login(ctx context.Context, uid, authKey string) (chat.Identity, error)
	LoginWithToken(ctx context.Context, token string) (chat.Identity, error)
	Logout(ctx context.Context) error
	CreateUser(ctx context.Context, uid, name, authKey string) (chat.User, error)
	FetchUsers(ctx context.Context, limit int, keyword string) ([]chat.User, error)
	FetchGroups(ctx context.Context, limit int, keyword string) ([]chat.Group, error)
	CreateGroup(ctx context.Context, guid, name string, typ chat.GroupType, password string) (chat.Group, error)
	JoinGroup(ctx context.Context, guid string, typ chat.GroupType, password string) (chat.Group, error)
	FetchConversations(ctx context.Context, limit int) ([]chat.Conversation, error)
	SendMessage(ctx context.Context, receiverID, text string, receiverType chat.ReceiverType) (chat.Message, error)
	FetchMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]chat.Message, error)
	// Stream delivers every pushed message to ch until ctx is done. Delivery
	// never blocks; a full channel drops the message.
	Stream(ctx context.Context, ch chan<- chat.Message) error
	Close() error
}

// transport moves one request envelope to the backend and back.
//
// generation changes whenever the underlying connection is replaced, so the
// core knows a new connection has to be logged in again.
type transport interface {
	open(ctx context.Context, region string) error
	request(ctx context.Context, env v1.Envelope) (v1.Envelope, error)
	generation() uint64
	close() error
}

// Client implements Gateway over a transport.
type Client struct {
	t   transport
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	appID   string
	self    string
	token   string
	loginAt uint64 // transport generation the current login belongs to
	closed  bool

	subsMu sync.Mutex
	subs   map[int]chan<- chat.Message
	nextID int
}

var _ Gateway = (*Client)(nil)

func newClient(t transport, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{t: t, log: log, now: time.Now, subs: make(map[int]chan<- chat.Message)}
}

func (c *Client) Init(ctx context.Context, appID, region string) error {
	c.mu.Lock()
	c.appID = appID
	c.mu.Unlock()
	if err := c.t.open(ctx, region); err != nil {
		return Classify("gateway.Init", err)
	}
	c.log.Info("gateway.init.ok", "app_id", appID, "region", region)
	return nil
}

// call sends typ with req and decodes the reply into out. A connection that
// was replaced since the last login is logged in again with the stored token.
func (c *Client) call(ctx context.Context, op, typ string, req, out any) error {
	if err := c.resume(ctx, op, typ); err != nil {
		return err
	}
	return c.roundTrip(ctx, op, typ, req, out)
}

func (c *Client) roundTrip(ctx context.Context, op, typ string, req, out any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Classify(op, errClosed)
	}

	var payload json.RawMessage
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return Classify(op, err)
		}
		payload = b
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: uuid.NewString(), TS: c.now().UTC(), Payload: payload}

	reply, err := c.t.request(ctx, env)
	if err != nil {
		return Classify(op, err)
	}
	if reply.Type == v1.TypeError {
		var ep v1.ErrorPayload
		_ = json.Unmarshal(reply.Payload, &ep)
		return Classify(op, &RemoteError{Code: ep.Code, Message: ep.Message})
	}
	if out == nil {
		return nil
	}
	if len(reply.Payload) == 0 || string(reply.Payload) == "null" {
		return emptyReply(op)
	}
	if err := json.Unmarshal(reply.Payload, out); err != nil {
		return Classify(op, err)
	}
	return nil
}

func (c *Client) resume(ctx context.Context, op, typ string) error {
	switch typ {
	case v1.TypeLogin, v1.TypeLoginToken, v1.TypeUserCreate, v1.TypeLogout:
		return nil
	}
	c.mu.Lock()
	token, gen := c.token, c.loginAt
	c.mu.Unlock()
	if token == "" || gen == c.t.generation() {
		return nil
	}
	c.log.Info("gateway.resume", "op", op)
	_, err := c.LoginWithToken(ctx, token)
	return err
}

func (c *Client) loggedIn(out v1.LoginOKPayload) chat.Identity {
	c.mu.Lock()
	c.self = out.User.UID
	c.token = out.Token
	c.loginAt = c.t.generation()
	c.mu.Unlock()
	return chat.Identity{ID: out.User.UID, Name: out.User.Name, AuthToken: out.Token}
}

func (c *Client) selfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Client) Login(ctx context.Context, uid, authKey string) (chat.Identity, error) {
	c.mu.Lock()
	appID := c.appID
	c.mu.Unlock()

	var out v1.LoginOKPayload
	if err := c.roundTrip(ctx, "gateway.Login", v1.TypeLogin, v1.LoginPayload{AppID: appID, UID: uid, AuthKey: authKey}, &out); err != nil {
		return chat.Identity{}, err
	}
	return c.loggedIn(out), nil
}

func (c *Client) LoginWithToken(ctx context.Context, token string) (chat.Identity, error) {
	var out v1.LoginOKPayload
	if err := c.roundTrip(ctx, "gateway.LoginWithToken", v1.TypeLoginToken, v1.LoginTokenPayload{Token: token}, &out); err != nil {
		return chat.Identity{}, err
	}
	return c.loggedIn(out), nil
}

// Logout forgets the identity locally even when the backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.roundTrip(ctx, "gateway.Logout", v1.TypeLogout, nil, nil)
	c.mu.Lock()
	c.self, c.token, c.loginAt = "", "", 0
	c.mu.Unlock()
	return err
}

func (c *Client) CreateUser(ctx context.Context, uid, name, authKey string) (chat.User, error) {
	var out v1.UserCreatedPayload
	if err := c.call(ctx, "gateway.CreateUser", v1.TypeUserCreate, v1.UserCreatePayload{UID: uid, Name: name, AuthKey: authKey}, &out); err != nil {
		return chat.User{}, err
	}
	return toUser(out.User), nil
}

func (c *Client) FetchUsers(ctx context.Context, limit int, keyword string) ([]chat.User, error) {
	var out v1.UsersListPayload
	if err := c.call(ctx, "gateway.FetchUsers", v1.TypeUsersFetch, v1.ListPayload{Limit: limit, Keyword: keyword}, &out); err != nil {
		return nil, err
	}
	return mapSlice(out.Users, toUser), nil
}

func (c *Client) FetchGroups(ctx context.Context, limit int, keyword string) ([]chat.Group, error) {
	var out v1.GroupsListPayload
	if err := c.call(ctx, "gateway.FetchGroups", v1.TypeGroupsFetch, v1.ListPayload{Limit: limit, Keyword: keyword}, &out); err != nil {
		return nil, err
	}
	return mapSlice(out.Groups, toGroup), nil
}

func (c *Client) CreateGroup(ctx context.Context, guid, name string, typ chat.GroupType, password string) (chat.Group, error) {
	var out v1.GroupCreatedPayload
	req := v1.GroupCreatePayload{GUID: guid, Name: name, Type: string(typ), Password: password}
	if err := c.call(ctx, "gateway.CreateGroup", v1.TypeGroupCreate, req, &out); err != nil {
		return chat.Group{}, err
	}
	return toGroup(out.Group), nil
}

func (c *Client) JoinGroup(ctx context.Context, guid string, typ chat.GroupType, password string) (chat.Group, error) {
	var out v1.GroupJoinedPayload
	req := v1.GroupJoinPayload{GUID: guid, Type: string(typ), Password: password}
	if err := c.call(ctx, "gateway.JoinGroup", v1.TypeGroupJoin, req, &out); err != nil {
		return chat.Group{}, err
	}
	return toGroup(out.Group), nil
}

func (c *Client) FetchConversations(ctx context.Context, limit int) ([]chat.Conversation, error) {
	var out v1.ConversationsListPayload
	if err := c.call(ctx, "gateway.FetchConversations", v1.TypeConversationsFetch, v1.ListPayload{Limit: limit}, &out); err != nil {
		return nil, err
	}
	self := c.selfID()
	return mapSlice(out.Conversations, func(v v1.Conversation) chat.Conversation { return toConversation(v, self) }), nil
}

func (c *Client) SendMessage(ctx context.Context, receiverID, text string, receiverType chat.ReceiverType) (chat.Message, error) {
	req := v1.MessageSendPayload{
		ReceiverID:   strings.TrimSpace(receiverID),
		ReceiverType: string(receiverType),
		ClientMsgID:  uuid.NewString(),
		Text:         text,
	}
	var out v1.MessageAckPayload
	if err := c.call(ctx, "gateway.SendMessage", v1.TypeMessageSend, req, &out); err != nil {
		return chat.Message{}, err
	}
	return toMessage(out.Message, c.selfID()), nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]chat.Message, error) {
	var out v1.MessagesChunkPayload
	req := v1.MessagesFetchPayload{ConversationID: conversationID, Limit: limit, BeforeID: beforeID}
	if err := c.call(ctx, "gateway.FetchMessages", v1.TypeMessagesFetch, req, &out); err != nil {
		return nil, err
	}
	self := c.selfID()
	return mapSlice(out.Messages, func(m v1.Message) chat.Message { return toMessage(m, self) }), nil
}

func (c *Client) Stream(ctx context.Context, ch chan<- chat.Message) error {
	if ch == nil {
		return errors.New("gateway: nil stream channel")
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Classify("gateway.Stream", errClosed)
	}

	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}()
	return nil
}

// push is called by transports for every message_new envelope.
func (c *Client) push(env v1.Envelope) {
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.log.Warn("gateway.push.decode_fail", "err", err)
		return
	}
	msg := toMessage(p.Message, c.selfID())

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- msg:
		default:
			c.log.Warn("gateway.push.dropped", "message_id", msg.ID)
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.subsMu.Lock()
	clear(c.subs)
	c.subsMu.Unlock()
	return c.t.close()
}
