// Package v1 defines the megdan chat protocol v1 contract.
//
// It is shared between the client gateway and the development backend so the
// wire format has a single authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "megdan.chat.v1"

// Request types (client -> server).
const (
	TypeLogin              = "login"
	TypeLoginToken         = "login_token"
	TypeLogout             = "logout"
	TypeUserCreate         = "user_create"
	TypeUsersFetch         = "users_fetch"
	TypeGroupsFetch        = "groups_fetch"
	TypeGroupCreate        = "group_create"
	TypeGroupJoin          = "group_join"
	TypeConversationsFetch = "conversations_fetch"
	TypeMessageSend        = "message_send"
	TypeMessagesFetch      = "messages_fetch"
)

// Response types (server -> client), correlated through Envelope.Ref.
const (
	TypeLoginOK          = "login_ok"
	TypeLogoutOK         = "logout_ok"
	TypeUserCreated      = "user_created"
	TypeUsersList        = "users_list"
	TypeGroupsList       = "groups_list"
	TypeGroupCreated     = "group_created"
	TypeGroupJoined      = "group_joined"
	TypeConversationList = "conversations_list"
	TypeMessageAck       = "message_ack"
	TypeMessagesChunk    = "messages_chunk"
	TypeError            = "error"
)

// TypeMessageNew is pushed to every member of a conversation when a message is accepted.
const TypeMessageNew = "message_new"

// Receiver types.
const (
	ReceiverUser  = "user"
	ReceiverGroup = "group"
)

// Group types.
const (
	GroupPublic   = "public"
	GroupPrivate  = "private"
	GroupPassword = "password"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadRequest         = "bad_request"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidCredentials = "invalid_credentials"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeForbidden          = "forbidden"
	CodePasswordRequired   = "password_required"
	CodeWrongPassword      = "wrong_password"
	CodeRejected           = "rejected"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// KnownType reports whether typ is part of protocol v1.
func KnownType(typ string) bool {
	switch typ {
	case TypeLogin, TypeLoginToken, TypeLogout, TypeUserCreate,
		TypeUsersFetch, TypeGroupsFetch, TypeGroupCreate, TypeGroupJoin,
		TypeConversationsFetch, TypeMessageSend, TypeMessagesFetch,
		TypeLoginOK, TypeLogoutOK, TypeUserCreated, TypeUsersList,
		TypeGroupsList, TypeGroupCreated, TypeGroupJoined, TypeConversationList,
		TypeMessageAck, TypeMessagesChunk, TypeError, TypeMessageNew:
		return true
	default:
		return false
	}
}

// ---- Shared shapes ----

// User is the directory view of a user.
type User struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Group is the directory view of a group, as seen by the caller.
type Group struct {
	GUID        string `json:"guid"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	MemberCount int    `json:"member_count"`
	HasJoined   bool   `json:"has_joined"`
}

// Message is the canonical message shape used by acks, pushes and history chunks.
// ReceiverName is only set on acks and pushes.
type Message struct {
	ID             string    `json:"id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	ReceiverID     string    `json:"receiver_id"`
	ReceiverType   string    `json:"receiver_type"`
	ReceiverName   string    `json:"receiver_name,omitempty"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

// Conversation is a conversation summary for the caller.
// Exactly one of User / Group is set.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	Type           string    `json:"conversation_type"`
	User           *User     `json:"user,omitempty"`
	Group          *Group    `json:"group,omitempty"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ---- Payloads ----

// LoginPayload authenticates a connection with an app-level auth key.
type LoginPayload struct {
	AppID   string `json:"app_id"`
	UID     string `json:"uid"`
	AuthKey string `json:"auth_key"`
}

// LoginTokenPayload resumes a session with a previously issued token.
type LoginTokenPayload struct {
	Token string `json:"token"`
}

// LoginOKPayload returns the authenticated user and a resumable token.
type LoginOKPayload struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// UserCreatePayload registers a new user.
type UserCreatePayload struct {
	UID     string `json:"uid"`
	Name    string `json:"name"`
	AuthKey string `json:"auth_key"`
}

// UserCreatedPayload returns the registered user.
type UserCreatedPayload struct {
	User User `json:"user"`
}

// ListPayload is the shared request shape for directory listings.
type ListPayload struct {
	Limit   int    `json:"limit,omitempty"`
	Keyword string `json:"keyword,omitempty"`
}

// UsersListPayload returns users.
type UsersListPayload struct {
	Users []User `json:"users"`
}

// GroupsListPayload returns groups.
type GroupsListPayload struct {
	Groups []Group `json:"groups"`
}

// GroupCreatePayload creates a group.
type GroupCreatePayload struct {
	GUID     string `json:"guid"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Password string `json:"password,omitempty"`
}

// GroupCreatedPayload returns the created group.
type GroupCreatedPayload struct {
	Group Group `json:"group"`
}

// GroupJoinPayload joins a group.
type GroupJoinPayload struct {
	GUID     string `json:"guid"`
	Type     string `json:"type"`
	Password string `json:"password,omitempty"`
}

// GroupJoinedPayload acknowledges a join.
type GroupJoinedPayload struct {
	Group Group `json:"group"`
}

// ConversationsListPayload returns conversation summaries ordered by UpdatedAt desc.
type ConversationsListPayload struct {
	Conversations []Conversation `json:"conversations"`
}

// MessageSendPayload requests sending a text message.
type MessageSendPayload struct {
	ReceiverID   string `json:"receiver_id"`
	ReceiverType string `json:"receiver_type"`
	ClientMsgID  string `json:"client_msg_id"`
	Text         string `json:"text"`
}

// MessageAckPayload acknowledges a send and returns the canonical message.
type MessageAckPayload struct {
	Message    Message `json:"message"`
	Duplicated bool    `json:"duplicated,omitempty"`
}

// MessageNewPayload is pushed when a new message is accepted (non-duplicate).
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// MessagesFetchPayload requests a history window. Without BeforeID the newest
// messages are returned.
type MessagesFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	BeforeID       string `json:"before_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// MessagesChunkPayload returns messages ordered oldest -> newest.
type MessagesChunkPayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
