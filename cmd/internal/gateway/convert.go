package gateway

import (
	"megdan/cmd/internal/chat"
	v1 "megdan/shared/contracts/chat/v1"
)

func toUser(u v1.User) chat.User {
	return chat.User{ID: u.UID, Name: u.Name, Status: chat.Presence(u.Status)}
}

func toGroup(g v1.Group) chat.Group {
	typ, _ := chat.ParseGroupType(g.Type)
	return chat.Group{ID: g.GUID, Name: g.Name, Type: typ, MemberCount: g.MemberCount, HasJoined: g.HasJoined}
}

// toMessage converts a wire message; direction is relative to self.
func toMessage(m v1.Message, self string) chat.Message {
	out := chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		ReceiverID:     m.ReceiverID,
		ReceiverType:   chat.ReceiverType(m.ReceiverType),
		ReceiverName:   m.ReceiverName,
		Text:           m.Text,
		SentAt:         m.SentAt,
	}
	if self != "" && m.SenderID == self {
		out.Direction = chat.Outgoing
	}
	if out.ConversationID == "" && self != "" {
		out.ConversationID = chat.ConversationIDFor(self, out.ReceiverType, m.SenderID, m.ReceiverID)
	}
	return out
}

func toConversation(c v1.Conversation, self string) chat.Conversation {
	out := chat.Conversation{ID: c.ConversationID, LastActivity: c.UpdatedAt}
	switch {
	case c.Group != nil:
		out.With = chat.WithGroup(toGroup(*c.Group))
	case c.User != nil:
		out.With = chat.WithUser(toUser(*c.User))
	}
	if c.LastMessage != nil {
		m := toMessage(*c.LastMessage, self)
		out.LastMessage = &m
		if out.LastActivity.IsZero() {
			out.LastActivity = m.SentAt
		}
	}
	return out
}

func mapSlice[In, Out any](in []In, fn func(In) Out) []Out {
	out := make([]Out, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
