package realtime

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"megdan/cmd/internal/chat"
	"megdan/cmd/internal/metrics"
	"megdan/cmd/security/password"
	v1 "megdan/shared/contracts/chat/v1"
)

const (
	receiverUser  = v1.ReceiverUser
	receiverGroup = v1.ReceiverGroup

	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

// ServiceError is a request failure with a protocol error code.
type ServiceError struct {
	Code string
	Msg  string
	Err  error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return e.Code + ": " + e.Msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

func svcErr(code, msg string) *ServiceError { return &ServiceError{Code: code, Msg: msg} }

func internalErr(err error) *ServiceError {
	return &ServiceError{Code: v1.CodeInternal, Msg: "internal error", Err: err}
}

// ErrorCode returns the protocol code for err.
func ErrorCode(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return v1.CodeInternal
}

// Caller is the authenticated user behind a request.
type Caller struct {
	UID  string
	Name string
}

// ServiceConfig holds static backend settings.
type ServiceConfig struct {
	// AppID, when set, must match the app_id of every login.
	AppID string
	// AuthKey, when set, must match the auth_key of every login and registration.
	AuthKey   string
	Passwords password.Config
	Now       func() time.Time
}

// Service implements every chat operation on top of the stores. Transports
// (WebSocket, in-process) only decode requests and encode replies.
type Service struct {
	cfg     ServiceConfig
	store   MessageStore
	dir     DirectoryStore
	tokens  *TokenIssuer
	hub     *Hub
	events  EventPublisher
	metrics *metrics.Metrics
	log     *slog.Logger
}

// ServiceDeps are the collaborators of a Service. Hub, Events and Metrics are optional.
type ServiceDeps struct {
	Store   MessageStore
	Dir     DirectoryStore
	Tokens  *TokenIssuer
	Hub     *Hub
	Events  EventPublisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewService(cfg ServiceConfig, deps ServiceDeps) (*Service, error) {
	if deps.Store == nil || deps.Dir == nil || deps.Tokens == nil {
		return nil, errors.New("realtime: service requires store, directory and tokens")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Passwords == (password.Config{}) {
		cfg.Passwords = password.DefaultConfig()
	}
	if deps.Events == nil {
		deps.Events = NopPublisher{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		dir:     deps.Dir,
		tokens:  deps.Tokens,
		hub:     deps.Hub,
		events:  deps.Events,
		metrics: deps.Metrics,
		log:     log,
	}, nil
}

// Hub returns the push hub, possibly nil.
func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) checkKeys(appID, authKey string) bool {
	if s.cfg.AppID != "" && appID != s.cfg.AppID {
		return false
	}
	if s.cfg.AuthKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(authKey), []byte(s.cfg.AuthKey)) == 1
}

// Login authenticates uid with the app-level key and issues a resumable token.
func (s *Service) Login(ctx context.Context, in v1.LoginPayload) (v1.LoginOKPayload, error) {
	uid := strings.TrimSpace(in.UID)
	if uid == "" || !s.checkKeys(in.AppID, in.AuthKey) {
		return v1.LoginOKPayload{}, svcErr(v1.CodeInvalidCredentials, "invalid credentials")
	}
	return s.loginAs(ctx, uid)
}

// LoginToken resumes a session from a token issued by Login.
func (s *Service) LoginToken(ctx context.Context, in v1.LoginTokenPayload) (v1.LoginOKPayload, error) {
	uid, err := s.tokens.Verify(in.Token, s.cfg.Now())
	if err != nil {
		return v1.LoginOKPayload{}, &ServiceError{Code: v1.CodeInvalidCredentials, Msg: "invalid token", Err: err}
	}
	return s.loginAs(ctx, uid)
}

func (s *Service) loginAs(ctx context.Context, uid string) (v1.LoginOKPayload, error) {
	u, err := s.dir.GetUser(ctx, uid)
	if errors.Is(err, ErrUserNotFound) {
		return v1.LoginOKPayload{}, svcErr(v1.CodeInvalidCredentials, "invalid credentials")
	}
	if err != nil {
		return v1.LoginOKPayload{}, internalErr(err)
	}
	tok, err := s.tokens.Issue(u.UID, s.cfg.Now())
	if err != nil {
		return v1.LoginOKPayload{}, internalErr(err)
	}
	return v1.LoginOKPayload{User: v1.User{UID: u.UID, Name: u.Name, Status: string(chat.PresenceOnline)}, Token: tok}, nil
}

// validUID rejects ids that would make conversation ids ambiguous.
func validUID(uid string) bool {
	if uid == "" || utf8.RuneCountInString(uid) > maxUIDChars {
		return false
	}
	if strings.Contains(uid, "_user_") || strings.HasPrefix(uid, "group_") {
		return false
	}
	return !strings.ContainsAny(uid, " \t\r\n")
}

// CreateUser registers a new user.
func (s *Service) CreateUser(ctx context.Context, in v1.UserCreatePayload) (v1.UserCreatedPayload, error) {
	uid := strings.TrimSpace(in.UID)
	name := strings.TrimSpace(in.Name)
	if !s.checkKeys(s.cfg.AppID, in.AuthKey) {
		return v1.UserCreatedPayload{}, svcErr(v1.CodeInvalidCredentials, "invalid credentials")
	}
	if !validUID(uid) {
		return v1.UserCreatedPayload{}, svcErr(v1.CodeBadRequest, "invalid uid")
	}
	if name == "" || utf8.RuneCountInString(name) > maxNameChars {
		return v1.UserCreatedPayload{}, svcErr(v1.CodeBadRequest, "invalid name")
	}

	err := s.dir.CreateUser(ctx, UserRecord{UID: uid, Name: name, CreatedAt: s.cfg.Now()})
	switch {
	case errors.Is(err, ErrUserExists):
		return v1.UserCreatedPayload{}, svcErr(v1.CodeConflict, "user already exists")
	case err != nil:
		return v1.UserCreatedPayload{}, internalErr(err)
	}
	s.log.Info("service.user.created", "uid", uid)
	return v1.UserCreatedPayload{User: v1.User{UID: uid, Name: name, Status: s.presence(uid)}}, nil
}

func (s *Service) presence(uid string) string {
	if s.hub != nil && s.hub.Online(uid) {
		return string(chat.PresenceOnline)
	}
	return string(chat.PresenceOffline)
}

// ListUsers returns directory users with their presence.
func (s *Service) ListUsers(ctx context.Context, _ Caller, in v1.ListPayload) (v1.UsersListPayload, error) {
	recs, err := s.dir.ListUsers(ctx, in.Keyword, in.Limit)
	if err != nil {
		return v1.UsersListPayload{}, internalErr(err)
	}
	out := make([]v1.User, 0, len(recs))
	for _, r := range recs {
		out = append(out, v1.User{UID: r.UID, Name: r.Name, Status: s.presence(r.UID)})
	}
	return v1.UsersListPayload{Users: out}, nil
}

func (s *Service) joinedSet(ctx context.Context, uid string) (map[string]struct{}, []string, error) {
	guids, err := s.dir.GroupsOf(ctx, uid)
	if err != nil {
		return nil, nil, err
	}
	set := make(map[string]struct{}, len(guids))
	for _, g := range guids {
		set[g] = struct{}{}
	}
	return set, guids, nil
}

func groupView(g GroupRecord, joined bool) v1.Group {
	return v1.Group{GUID: g.GUID, Name: g.Name, Type: g.Type, MemberCount: g.MemberCount, HasJoined: joined}
}

// ListGroups returns groups flagged with whether the caller joined them.
func (s *Service) ListGroups(ctx context.Context, c Caller, in v1.ListPayload) (v1.GroupsListPayload, error) {
	recs, err := s.dir.ListGroups(ctx, in.Keyword, in.Limit)
	if err != nil {
		return v1.GroupsListPayload{}, internalErr(err)
	}
	joined, _, err := s.joinedSet(ctx, c.UID)
	if err != nil {
		return v1.GroupsListPayload{}, internalErr(err)
	}
	out := make([]v1.Group, 0, len(recs))
	for _, r := range recs {
		_, ok := joined[r.GUID]
		out = append(out, groupView(r, ok))
	}
	return v1.GroupsListPayload{Groups: out}, nil
}

// CreateGroup creates a group owned by the caller. Password groups store an
// Argon2id hash of their secret.
func (s *Service) CreateGroup(ctx context.Context, c Caller, in v1.GroupCreatePayload) (v1.GroupCreatedPayload, error) {
	guid := strings.TrimSpace(in.GUID)
	name := strings.TrimSpace(in.Name)
	if guid == "" || utf8.RuneCountInString(guid) > maxUIDChars || strings.ContainsAny(guid, " \t\r\n") {
		return v1.GroupCreatedPayload{}, svcErr(v1.CodeBadRequest, "invalid guid")
	}
	if name == "" || utf8.RuneCountInString(name) > maxNameChars {
		return v1.GroupCreatedPayload{}, svcErr(v1.CodeBadRequest, "invalid name")
	}
	typ, ok := chat.ParseGroupType(in.Type)
	if !ok {
		return v1.GroupCreatedPayload{}, svcErr(v1.CodeBadRequest, "invalid group type")
	}

	rec := GroupRecord{GUID: guid, Name: name, Type: string(typ), OwnerUID: c.UID, CreatedAt: s.cfg.Now()}
	if typ == chat.GroupPassword {
		if err := s.cfg.Passwords.Validate(in.Password); err != nil {
			return v1.GroupCreatedPayload{}, &ServiceError{Code: v1.CodeBadRequest, Msg: "invalid group password", Err: err}
		}
		hash, err := s.cfg.Passwords.Hash(in.Password)
		if err != nil {
			return v1.GroupCreatedPayload{}, internalErr(err)
		}
		rec.PasswordHash = hash
	}

	switch err := s.dir.CreateGroup(ctx, rec); {
	case errors.Is(err, ErrGroupExists):
		return v1.GroupCreatedPayload{}, svcErr(v1.CodeConflict, "group already exists")
	case errors.Is(err, ErrUserNotFound):
		return v1.GroupCreatedPayload{}, svcErr(v1.CodeUnauthorized, "unknown owner")
	case err != nil:
		return v1.GroupCreatedPayload{}, internalErr(err)
	}
	rec.MemberCount = 1
	s.log.Info("service.group.created", "guid", guid, "type", rec.Type, "owner", c.UID)
	return v1.GroupCreatedPayload{Group: groupView(rec, true)}, nil
}

// JoinGroup adds the caller to a public group, or to a password group when
// the password matches. Private groups cannot be joined by request.
func (s *Service) JoinGroup(ctx context.Context, c Caller, in v1.GroupJoinPayload) (v1.GroupJoinedPayload, error) {
	guid := strings.TrimSpace(in.GUID)
	g, err := s.dir.GetGroup(ctx, guid)
	switch {
	case errors.Is(err, ErrGroupNotFound):
		return v1.GroupJoinedPayload{}, svcErr(v1.CodeNotFound, "group not found")
	case err != nil:
		return v1.GroupJoinedPayload{}, internalErr(err)
	}

	member, err := s.dir.IsMember(ctx, c.UID, guid)
	if err != nil {
		return v1.GroupJoinedPayload{}, internalErr(err)
	}
	if member {
		return v1.GroupJoinedPayload{Group: groupView(g, true)}, nil
	}

	switch chat.GroupType(g.Type) {
	case chat.GroupPublic:
	case chat.GroupPassword:
		if in.Password == "" {
			return v1.GroupJoinedPayload{}, svcErr(v1.CodePasswordRequired, "password required")
		}
		if err := s.cfg.Passwords.Check(g.PasswordHash, in.Password); err != nil {
			if errors.Is(err, password.ErrMismatch) {
				return v1.GroupJoinedPayload{}, svcErr(v1.CodeWrongPassword, "wrong password")
			}
			return v1.GroupJoinedPayload{}, internalErr(err)
		}
	default:
		return v1.GroupJoinedPayload{}, svcErr(v1.CodeForbidden, "private group")
	}

	added, err := s.dir.AddMember(ctx, guid, c.UID)
	if err != nil {
		return v1.GroupJoinedPayload{}, internalErr(err)
	}
	if added {
		g.MemberCount++
		s.log.Info("service.group.joined", "guid", guid, "uid", c.UID)
	}
	return v1.GroupJoinedPayload{Group: groupView(g, true)}, nil
}

// ListConversations summarizes every conversation of the caller, newest first.
func (s *Service) ListConversations(ctx context.Context, c Caller, in v1.ListPayload) (v1.ConversationsListPayload, error) {
	limit := in.Limit
	switch {
	case limit <= 0:
		limit = defaultConversationLimit
	case limit > maxConversationLimit:
		limit = maxConversationLimit
	}
	_, guids, err := s.joinedSet(ctx, c.UID)
	if err != nil {
		return v1.ConversationsListPayload{}, internalErr(err)
	}
	latest, err := s.store.LatestPerConversation(ctx, LatestInput{UserID: c.UID, GroupIDs: guids, Limit: limit})
	if err != nil {
		return v1.ConversationsListPayload{}, internalErr(err)
	}

	out := make([]v1.Conversation, 0, len(latest))
	for _, m := range latest {
		last := toWire(m)
		conv := v1.Conversation{ConversationID: m.ConversationID, Type: m.ReceiverType, LastMessage: &last, UpdatedAt: m.ServerTS}
		if m.ReceiverType == receiverGroup {
			g, err := s.dir.GetGroup(ctx, m.ReceiverID)
			if err != nil {
				s.log.Warn("service.conversations.group_missing", "guid", m.ReceiverID, "err", err)
				continue
			}
			gv := groupView(g, true)
			conv.Group = &gv
		} else {
			other := m.ReceiverID
			if other == c.UID {
				other = m.SenderID
			}
			uv := v1.User{UID: other, Name: other, Status: s.presence(other)}
			if u, err := s.dir.GetUser(ctx, other); err == nil {
				uv.Name = u.Name
			}
			conv.User = &uv
		}
		out = append(out, conv)
	}
	return v1.ConversationsListPayload{Conversations: out}, nil
}

func toWire(m StoredMessage) v1.Message {
	return v1.Message{
		ID:             m.ServerMsgID,
		ClientMsgID:    m.ClientMsgID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		ReceiverID:     m.ReceiverID,
		ReceiverType:   m.ReceiverType,
		Text:           m.Text,
		SentAt:         m.ServerTS,
	}
}

// SendMessage stores a message and, unless it is a retry of an earlier send,
// pushes it to every recipient and to the configured event publishers.
func (s *Service) SendMessage(ctx context.Context, c Caller, in v1.MessageSendPayload) (v1.MessageAckPayload, error) {
	receiver := strings.TrimSpace(in.ReceiverID)
	clientMsgID := strings.TrimSpace(in.ClientMsgID)
	switch {
	case receiver == "" || clientMsgID == "":
		return v1.MessageAckPayload{}, svcErr(v1.CodeBadRequest, "receiver_id and client_msg_id are required")
	case strings.TrimSpace(in.Text) == "":
		return v1.MessageAckPayload{}, svcErr(v1.CodeBadRequest, "empty message")
	case utf8.RuneCountInString(in.Text) > maxMessageChars:
		return v1.MessageAckPayload{}, svcErr(v1.CodeRejected, "message too long")
	}

	var convID, receiverName string
	switch in.ReceiverType {
	case receiverUser:
		u, err := s.dir.GetUser(ctx, receiver)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return v1.MessageAckPayload{}, svcErr(v1.CodeNotFound, "receiver not found")
			}
			return v1.MessageAckPayload{}, internalErr(err)
		}
		convID, receiverName = chat.DirectConversationID(c.UID, receiver), u.Name
	case receiverGroup:
		ok, err := s.dir.IsMember(ctx, c.UID, receiver)
		if err != nil {
			return v1.MessageAckPayload{}, internalErr(err)
		}
		if !ok {
			return v1.MessageAckPayload{}, svcErr(v1.CodeForbidden, "not a group member")
		}
		convID = chat.GroupConversationID(receiver)
		if g, err := s.dir.GetGroup(ctx, receiver); err == nil {
			receiverName = g.Name
		}
	default:
		return v1.MessageAckPayload{}, svcErr(v1.CodeBadRequest, "invalid receiver_type")
	}

	res, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		SenderID:       c.UID,
		SenderName:     c.Name,
		ReceiverID:     receiver,
		ReceiverType:   in.ReceiverType,
		Text:           in.Text,
		Now:            s.cfg.Now(),
	})
	if err != nil {
		return v1.MessageAckPayload{}, internalErr(err)
	}
	msg := toWire(res.Stored)
	msg.ReceiverName = receiverName
	s.metrics.MessageAccepted(in.ReceiverType, res.Duplicated)

	if !res.Duplicated {
		recipients := []string{c.UID, receiver}
		if in.ReceiverType == receiverGroup {
			if recipients, err = s.dir.Members(ctx, receiver); err != nil {
				s.log.Warn("service.send.members_fail", "guid", receiver, "err", err)
				recipients = []string{c.UID}
			}
		}
		accepted := AcceptedMessage{Message: msg, Recipients: recipients}
		deliverAccepted(s.hub, accepted, s.cfg.Now())
		if err := s.events.Publish(ctx, accepted); err != nil {
			s.log.Warn("service.send.publish_fail", "conversation_id", convID, "err", err)
		}
	}

	s.log.Debug("service.send.ok",
		"conversation_id", convID,
		"server_msg_id", msg.ID,
		"seq", msg.Seq,
		"duplicated", res.Duplicated,
	)
	return v1.MessageAckPayload{Message: msg, Duplicated: res.Duplicated}, nil
}

// FetchMessages returns a history window, oldest to newest. BeforeID pages
// backwards from a known message.
func (s *Service) FetchMessages(ctx context.Context, c Caller, in v1.MessagesFetchPayload) (v1.MessagesChunkPayload, error) {
	ref, err := chat.ParseConversationID(in.ConversationID)
	if err != nil {
		return v1.MessagesChunkPayload{}, svcErr(v1.CodeBadRequest, "invalid conversation_id")
	}
	if ref.Type == chat.ReceiverGroup {
		ok, err := s.dir.IsMember(ctx, c.UID, ref.Group)
		if err != nil {
			return v1.MessagesChunkPayload{}, internalErr(err)
		}
		if !ok {
			return v1.MessagesChunkPayload{}, svcErr(v1.CodeForbidden, "not a group member")
		}
	} else if !ref.Has(c.UID) {
		return v1.MessagesChunkPayload{}, svcErr(v1.CodeForbidden, "not a participant")
	}

	q := FetchHistoryInput{ConversationID: in.ConversationID, Limit: in.Limit}
	if id := strings.TrimSpace(in.BeforeID); id != "" {
		seq, err := s.store.SeqOf(ctx, in.ConversationID, id)
		switch {
		case errors.Is(err, ErrMessageNotFound):
			return v1.MessagesChunkPayload{}, svcErr(v1.CodeNotFound, "before_id not found")
		case err != nil:
			return v1.MessagesChunkPayload{}, internalErr(err)
		}
		q.BeforeSeq = &seq
	}

	res, err := s.store.FetchHistory(ctx, q)
	if err != nil {
		return v1.MessagesChunkPayload{}, internalErr(err)
	}
	out := make([]v1.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, toWire(m))
	}
	return v1.MessagesChunkPayload{ConversationID: in.ConversationID, Messages: out, HasMore: res.HasMore}, nil
}
