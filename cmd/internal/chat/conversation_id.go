package chat

import (
	"errors"
	"strings"
)

const (
	directSep   = "_user_"
	groupPrefix = "group_"
)

// DirectConversationID returns the stable id of a 1:1 conversation.
// The two uids are ordered so both sides derive the same id.
func DirectConversationID(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return a + directSep + b
}

// GroupConversationID returns the conversation id of a group.
func GroupConversationID(guid string) string {
	return groupPrefix + strings.TrimSpace(guid)
}

// ConversationRef is a parsed conversation id.
type ConversationRef struct {
	Type ReceiverType
	// Group is set for group conversations.
	Group string
	// Users is set for direct conversations, ordered.
	Users [2]string
}

// Other returns the participant of a direct conversation that is not self.
func (r ConversationRef) Other(self string) string {
	if r.Users[0] == self {
		return r.Users[1]
	}
	return r.Users[0]
}

// Has reports whether uid participates in a direct conversation.
func (r ConversationRef) Has(uid string) bool {
	return r.Type == ReceiverUser && (r.Users[0] == uid || r.Users[1] == uid)
}

// ErrInvalidConversationID is returned by ParseConversationID.
var ErrInvalidConversationID = errors.New("invalid conversation id")

// ParseConversationID decodes ids built by DirectConversationID or GroupConversationID.
func ParseConversationID(id string) (ConversationRef, error) {
	id = strings.TrimSpace(id)
	if rest, ok := strings.CutPrefix(id, groupPrefix); ok {
		if rest == "" {
			return ConversationRef{}, ErrInvalidConversationID
		}
		return ConversationRef{Type: ReceiverGroup, Group: rest}, nil
	}
	a, b, ok := strings.Cut(id, directSep)
	if !ok || a == "" || b == "" {
		return ConversationRef{}, ErrInvalidConversationID
	}
	return ConversationRef{Type: ReceiverUser, Users: [2]string{a, b}}, nil
}

// ConversationIDFor derives the conversation id of a message exchanged by self.
func ConversationIDFor(self string, receiverType ReceiverType, senderID, receiverID string) string {
	if receiverType == ReceiverGroup {
		return GroupConversationID(receiverID)
	}
	other := receiverID
	if receiverID == self {
		other = senderID
	}
	return DirectConversationID(self, other)
}
