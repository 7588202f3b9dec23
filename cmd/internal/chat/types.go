// Package chat holds the client-side domain model shared by the session,
// conversation, message log and membership components.
package chat

import (
	"strings"
	"time"
)

// Identity is the authenticated principal of the running client.
type Identity struct {
	ID        string `json:"uid"`
	Name      string `json:"name,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
}

// Valid reports whether the identity carries a usable id.
func (i Identity) Valid() bool { return strings.TrimSpace(i.ID) != "" }

// Presence is a user's online status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// User is a read-only directory entry.
type User struct {
	ID     string
	Name   string
	Status Presence
}

// GroupType is fixed when a group is created.
type GroupType string

const (
	GroupPublic   GroupType = "public"
	GroupPrivate  GroupType = "private"
	GroupPassword GroupType = "password"
)

// ParseGroupType maps a wire value to a GroupType.
func ParseGroupType(s string) (GroupType, bool) {
	switch GroupType(strings.ToLower(strings.TrimSpace(s))) {
	case GroupPublic:
		return GroupPublic, true
	case GroupPrivate:
		return GroupPrivate, true
	case GroupPassword:
		return GroupPassword, true
	default:
		return "", false
	}
}

// Group is a directory entry for a group as seen by the caller.
type Group struct {
	ID          string
	Name        string
	Type        GroupType
	MemberCount int
	HasJoined   bool
}

// ReceiverType distinguishes direct from group messages.
type ReceiverType string

const (
	ReceiverUser  ReceiverType = "user"
	ReceiverGroup ReceiverType = "group"
)

// Direction is relative to the current identity.
type Direction uint8

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Message is immutable once created.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	ReceiverID     string
	ReceiverType   ReceiverType
	ReceiverName   string
	Text           string
	SentAt         time.Time
	Direction      Direction
}

// Less orders messages by SentAt, breaking ties by ID.
func Less(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

// Compare is the three-way form of Less, for slices.BinarySearchFunc and friends.
func Compare(a, b Message) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// CounterpartKind tags the Counterpart union.
type CounterpartKind uint8

const (
	CounterpartNone CounterpartKind = iota
	CounterpartUser
	CounterpartGroup
)

// Counterpart is either a User or a Group. The zero value is neither.
type Counterpart struct {
	user  *User
	group *Group
}

// WithUser builds a user counterpart.
func WithUser(u User) Counterpart { return Counterpart{user: &u} }

// WithGroup builds a group counterpart.
func WithGroup(g Group) Counterpart { return Counterpart{group: &g} }

// Kind reports which side of the union is set.
func (c Counterpart) Kind() CounterpartKind {
	switch {
	case c.user != nil:
		return CounterpartUser
	case c.group != nil:
		return CounterpartGroup
	default:
		return CounterpartNone
	}
}

// User returns the user side.
func (c Counterpart) User() (User, bool) {
	if c.user == nil {
		return User{}, false
	}
	return *c.user, true
}

// Group returns the group side.
func (c Counterpart) Group() (Group, bool) {
	if c.group == nil {
		return Group{}, false
	}
	return *c.group, true
}

// ID is the uid or guid of the counterpart.
func (c Counterpart) ID() string {
	switch {
	case c.user != nil:
		return c.user.ID
	case c.group != nil:
		return c.group.ID
	default:
		return ""
	}
}

// Name is the display name, falling back to the id.
func (c Counterpart) Name() string {
	switch {
	case c.user != nil:
		if c.user.Name != "" {
			return c.user.Name
		}
		return c.user.ID
	case c.group != nil:
		if c.group.Name != "" {
			return c.group.Name
		}
		return c.group.ID
	default:
		return ""
	}
}

// ReceiverType maps the counterpart to the receiver type used for sends.
func (c Counterpart) ReceiverType() ReceiverType {
	if c.group != nil {
		return ReceiverGroup
	}
	return ReceiverUser
}

// Conversation is a user or group thread with its latest activity.
type Conversation struct {
	ID           string
	With         Counterpart
	LastMessage  *Message
	LastActivity time.Time
}

// Clone returns a copy that does not share the LastMessage pointer.
func (c Conversation) Clone() Conversation {
	out := c
	if c.LastMessage != nil {
		m := *c.LastMessage
		out.LastMessage = &m
	}
	return out
}
