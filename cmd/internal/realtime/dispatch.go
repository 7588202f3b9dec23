package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	v1 "megdan/shared/contracts/chat/v1"
)

// Session is the protocol state of one connection: who is logged in, and
// which Client receives that user's pushes. It is transport agnostic; the
// WebSocket gateway and the in-process gateway both drive it with Handle.
type Session struct {
	svc    *Service
	client *Client

	mu     sync.Mutex
	caller *Caller
}

func NewSession(svc *Service, client *Client) *Session {
	return &Session{svc: svc, client: client}
}

// Caller returns the logged in user, if any.
func (s *Session) Caller() (Caller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caller == nil {
		return Caller{}, false
	}
	return *s.caller, true
}

func (s *Session) bind(c Caller) {
	s.mu.Lock()
	prev := s.caller
	s.caller = &c
	s.mu.Unlock()

	hub := s.svc.Hub()
	if hub == nil || s.client == nil {
		return
	}
	if prev != nil && prev.UID != c.UID {
		hub.Detach(prev.UID, s.client.SessionID)
	}
	hub.Attach(c.UID, s.client)
}

func (s *Session) unbind() {
	s.mu.Lock()
	prev := s.caller
	s.caller = nil
	s.mu.Unlock()

	if hub := s.svc.Hub(); hub != nil && prev != nil && s.client != nil {
		hub.Detach(prev.UID, s.client.SessionID)
	}
}

// Close detaches the session from the hub.
func (s *Session) Close() { s.unbind() }

// Handle executes one request and returns the reply, correlated by Ref.
func (s *Session) Handle(ctx context.Context, env v1.Envelope) v1.Envelope {
	start := time.Now()
	payload, err := s.handle(ctx, env)

	code := "ok"
	var reply v1.Envelope
	if err != nil {
		code = ErrorCode(err)
		if code == v1.CodeInternal {
			s.svc.log.Error("session.request.fail", "type", env.Type, "err", err)
		}
		reply = errorEnvelope(env.ID, code, publicMessage(err))
	} else {
		reply = newEnvelope(replyType(env.Type), payload, time.Now().UTC())
		reply.Ref = env.ID
	}
	s.svc.metrics.ObserveRequest(env.Type, code, time.Since(start))
	return reply
}

func (s *Session) handle(ctx context.Context, env v1.Envelope) (json.RawMessage, error) {
	switch env.Type {
	case v1.TypeLogin:
		return call(ctx, env, s.login)
	case v1.TypeLoginToken:
		return call(ctx, env, s.loginToken)
	case v1.TypeUserCreate:
		return call(ctx, env, s.svc.CreateUser)
	case v1.TypeLogout:
		s.unbind()
		return json.RawMessage(`{}`), nil
	}

	c, ok := s.Caller()
	if !ok {
		return nil, svcErr(v1.CodeUnauthorized, "login required")
	}

	switch env.Type {
	case v1.TypeUsersFetch:
		return callAs(ctx, c, env, s.svc.ListUsers)
	case v1.TypeGroupsFetch:
		return callAs(ctx, c, env, s.svc.ListGroups)
	case v1.TypeGroupCreate:
		return callAs(ctx, c, env, s.svc.CreateGroup)
	case v1.TypeGroupJoin:
		return callAs(ctx, c, env, s.svc.JoinGroup)
	case v1.TypeConversationsFetch:
		return callAs(ctx, c, env, s.svc.ListConversations)
	case v1.TypeMessageSend:
		return callAs(ctx, c, env, s.svc.SendMessage)
	case v1.TypeMessagesFetch:
		return callAs(ctx, c, env, s.svc.FetchMessages)
	default:
		return nil, svcErr(v1.CodeBadRequest, "unsupported type: "+env.Type)
	}
}

func (s *Session) login(ctx context.Context, in v1.LoginPayload) (v1.LoginOKPayload, error) {
	out, err := s.svc.Login(ctx, in)
	if err == nil {
		s.bind(Caller{UID: out.User.UID, Name: out.User.Name})
	}
	return out, err
}

func (s *Session) loginToken(ctx context.Context, in v1.LoginTokenPayload) (v1.LoginOKPayload, error) {
	out, err := s.svc.LoginToken(ctx, in)
	if err == nil {
		s.bind(Caller{UID: out.User.UID, Name: out.User.Name})
	}
	return out, err
}

func decodePayload[In any](env v1.Envelope) (In, error) {
	var in In
	if len(env.Payload) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		return in, &ServiceError{Code: v1.CodeBadRequest, Msg: "invalid payload", Err: err}
	}
	return in, nil
}

func call[In, Out any](ctx context.Context, env v1.Envelope, fn func(context.Context, In) (Out, error)) (json.RawMessage, error) {
	in, err := decodePayload[In](env)
	if err != nil {
		return nil, err
	}
	out, err := fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func callAs[In, Out any](ctx context.Context, c Caller, env v1.Envelope, fn func(context.Context, Caller, In) (Out, error)) (json.RawMessage, error) {
	return call(ctx, env, func(ctx context.Context, in In) (Out, error) { return fn(ctx, c, in) })
}

var replyTypes = map[string]string{
	v1.TypeLogin:              v1.TypeLoginOK,
	v1.TypeLoginToken:         v1.TypeLoginOK,
	v1.TypeLogout:             v1.TypeLogoutOK,
	v1.TypeUserCreate:         v1.TypeUserCreated,
	v1.TypeUsersFetch:         v1.TypeUsersList,
	v1.TypeGroupsFetch:        v1.TypeGroupsList,
	v1.TypeGroupCreate:        v1.TypeGroupCreated,
	v1.TypeGroupJoin:          v1.TypeGroupJoined,
	v1.TypeConversationsFetch: v1.TypeConversationList,
	v1.TypeMessageSend:        v1.TypeMessageAck,
	v1.TypeMessagesFetch:      v1.TypeMessagesChunk,
}

func replyType(req string) string {
	if t, ok := replyTypes[req]; ok {
		return t
	}
	return v1.TypeError
}

// publicMessage hides internal causes from clients.
func publicMessage(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Msg
	}
	return "internal error"
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      ts,
		Payload: payload,
	}
}

func errorEnvelope(ref, code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	env.Ref = ref
	return env
}
