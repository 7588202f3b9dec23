// Package main provides a CI-friendly WebSocket smoke test for a megdan backend.
//
// It validates:
//   - handshake + subprotocol selection
//   - user_create + login for two fresh users
//   - send -> ack, with message_new pushed to both sides
//   - messages_fetch returns the accepted message
//   - idempotent dedupe by client_msg_id
//   - conversations_fetch lists the direct conversation
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "megdan/shared/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	uid  string
	conn *websocket.Conn
	seq  int

	// pending holds pushes read while waiting for a reply.
	pending []v1.Envelope

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		appID   = flag.String("app", "megdan", "App id sent on login")
		authKey = flag.String("auth-key", "", "App auth key (MEGDAN_AUTH_KEY of the server)")
		text    = flag.String("text", "hello megdan 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	suffix := time.Now().UTC().Format("150405.000000")
	suffix = strings.ReplaceAll(suffix, ".", "")

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	a.uid, b.uid = "smoke-a-"+suffix, "smoke-b-"+suffix
	for _, c := range []*smokeClient{a, b} {
		mustCreateUser(root, c, *authKey, *timeout)
		mustLogin(root, c, *appID, *authKey, *timeout)
	}
	if *verbose {
		fmt.Printf("logged in: A=%s B=%s origin=%q\n", a.uid, b.uid, *origin)
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	sent := mustSendAndAssertAck(root, a, b.uid, clientMsgID, *text, false, *timeout)
	convID := sent.ConversationID
	if !strings.Contains(convID, a.uid) || !strings.Contains(convID, b.uid) {
		fatalf("ack conversation_id %q does not name both users", convID)
	}

	mustAssertNew(root, b, sent, *timeout)
	mustAssertNew(root, a, sent, *timeout)

	mustHistoryContains(root, b, convID, sent, *timeout)

	again := mustSendAndAssertAck(root, a, b.uid, clientMsgID, *text, true, *timeout)
	if again.ID != sent.ID || again.Seq != sent.Seq {
		fatalf("dedupe: got id=%s seq=%d, want id=%s seq=%d", again.ID, again.Seq, sent.ID, sent.Seq)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)
	mustAssertNoType(root, a, v1.TypeMessageNew, 1200*time.Millisecond)

	mustConversationListed(root, b, convID, *timeout)

	fmt.Printf("OK: A=%s B=%s conversation_id=%s seq=%d server_msg_id=%s\n", a.uid, b.uid, convID, sent.Seq, sent.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// request writes one envelope and waits for its correlated reply, skipping pushes.
func (c *smokeClient) request(parent context.Context, typ string, payload any, stepTimeout time.Duration) v1.Envelope {
	c.seq++
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		reply := c.read(ctx, typ)
		if reply.Ref != env.ID {
			if reply.Type == v1.TypeMessageNew {
				c.pending = append(c.pending, reply)
				continue
			}
			fatalf("unexpected envelope (%s): type=%q ref=%q", c.name, reply.Type, reply.Ref)
		}
		if reply.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(reply.Payload, &ep)
			fatalf("server error on %s (%s): code=%q msg=%q", typ, c.name, ep.Code, ep.Message)
		}
		return reply
	}
}

// next returns a pending push first, then reads from the connection.
func (c *smokeClient) next(ctx context.Context, waitingFor string) v1.Envelope {
	if len(c.pending) > 0 {
		env := c.pending[0]
		c.pending = c.pending[1:]
		return env
	}
	return c.read(ctx, waitingFor)
}

func (c *smokeClient) read(ctx context.Context, waitingFor string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q (%s): %v", waitingFor, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		return env
	}
	panic("unreachable")
}

func mustCreateUser(parent context.Context, c *smokeClient, authKey string, stepTimeout time.Duration) {
	reply := c.request(parent, v1.TypeUserCreate, v1.UserCreatePayload{UID: c.uid, Name: "Smoke " + c.name, AuthKey: authKey}, stepTimeout)
	var p v1.UserCreatedPayload
	mustDecode(c, reply, &p)
	if p.User.UID != c.uid {
		fatalf("user_created uid mismatch (%s): got=%q want=%q", c.name, p.User.UID, c.uid)
	}
}

func mustLogin(parent context.Context, c *smokeClient, appID, authKey string, stepTimeout time.Duration) {
	reply := c.request(parent, v1.TypeLogin, v1.LoginPayload{AppID: appID, UID: c.uid, AuthKey: authKey}, stepTimeout)
	var p v1.LoginOKPayload
	mustDecode(c, reply, &p)
	if p.User.UID != c.uid {
		fatalf("login_ok uid mismatch (%s): got=%q want=%q", c.name, p.User.UID, c.uid)
	}
	if strings.TrimSpace(p.Token) == "" {
		fatalf("login_ok missing token (%s)", c.name)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, receiver, clientMsgID, text string, wantDup bool, stepTimeout time.Duration) v1.Message {
	reply := c.request(parent, v1.TypeMessageSend, v1.MessageSendPayload{
		ReceiverID:   receiver,
		ReceiverType: v1.ReceiverUser,
		ClientMsgID:  clientMsgID,
		Text:         text,
	}, stepTimeout)

	var p v1.MessageAckPayload
	mustDecode(c, reply, &p)
	if p.Duplicated != wantDup {
		fatalf("ack duplicated=%v, want %v (%s)", p.Duplicated, wantDup, c.name)
	}
	if p.Message.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.Message.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.Message.ID) == "" {
		fatalf("ack missing message id (%s)", c.name)
	}
	if p.Message.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Message.Seq)
	}
	return p.Message
}

func mustAssertNew(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := c.next(ctx, v1.TypeMessageNew)
	if env.Type != v1.TypeMessageNew {
		fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, v1.TypeMessageNew)
	}
	var p v1.MessageNewPayload
	mustDecode(c, env, &p)

	got := p.Message
	switch {
	case got.ID != want.ID:
		fatalf("message_new id mismatch (%s): got=%q want=%q", c.name, got.ID, want.ID)
	case got.ConversationID != want.ConversationID:
		fatalf("message_new conversation_id mismatch (%s): got=%q want=%q", c.name, got.ConversationID, want.ConversationID)
	case got.SenderID != want.SenderID:
		fatalf("message_new sender mismatch (%s): got=%q want=%q", c.name, got.SenderID, want.SenderID)
	case got.Text != want.Text:
		fatalf("message_new text mismatch (%s): got=%q want=%q", c.name, got.Text, want.Text)
	case got.SentAt.IsZero():
		fatalf("message_new sent_at missing/zero (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, convID string, want v1.Message, stepTimeout time.Duration) {
	reply := c.request(parent, v1.TypeMessagesFetch, v1.MessagesFetchPayload{ConversationID: convID, Limit: 50}, stepTimeout)
	var p v1.MessagesChunkPayload
	mustDecode(c, reply, &p)
	if p.ConversationID != convID {
		fatalf("messages_chunk conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	for _, m := range p.Messages {
		if m.ID == want.ID && m.Seq == want.Seq && m.Text == want.Text {
			return
		}
	}
	fatalf("messages_chunk missing expected message (%s)", c.name)
}

func mustConversationListed(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	reply := c.request(parent, v1.TypeConversationsFetch, v1.ListPayload{Limit: 50}, stepTimeout)
	var p v1.ConversationsListPayload
	mustDecode(c, reply, &p)
	for _, conv := range p.Conversations {
		if conv.ConversationID == convID {
			return
		}
	}
	fatalf("conversations_list missing %q (%s)", convID, c.name)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	for _, env := range c.pending {
		if env.Type == forbiddenType {
			fatalf("unexpected %s received (%s)", forbiddenType, c.name)
		}
	}
	c.pending = nil

	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func mustDecode(c *smokeClient, env v1.Envelope, out any) {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
