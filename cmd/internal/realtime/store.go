package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound is returned when a history cursor names an unknown message.
var ErrMessageNotFound = errors.New("realtime: message not found")

// StoredMessage is the canonical persisted message.
type StoredMessage struct {
	ConversationID string
	ClientMsgID    string
	ServerMsgID    string
	Seq            int64
	SenderID       string
	SenderName     string
	ReceiverID     string
	ReceiverType   string
	Text           string
	ServerTS       time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (conversation_id, sender_id, client_msg_id)
//   - Monotonic seq per conversation, no gaps for duplicates
//   - History windows ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	// SeqOf resolves a server message id to its seq within conversationID.
	SeqOf(ctx context.Context, conversationID, serverMsgID string) (int64, error)
	// LatestPerConversation returns the newest message of every conversation the
	// user takes part in, newest first.
	LatestPerConversation(ctx context.Context, in LatestInput) ([]StoredMessage, error)
	Close() error
}

type AppendMessageInput struct {
	ConversationID string
	ClientMsgID    string
	SenderID       string
	SenderName     string
	ReceiverID     string
	ReceiverType   string
	Text           string
	Now            time.Time
}

type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchHistoryInput selects a window. With BeforeSeq the window ends right
// before it; with AfterSeq it starts right after it; with neither it is the
// newest Limit messages.
type FetchHistoryInput struct {
	ConversationID string
	AfterSeq       *int64
	BeforeSeq      *int64
	Limit          int
}

type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

type LatestInput struct {
	UserID   string
	GroupIDs []string
	Limit    int
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func clampHistoryLimit(n int) int {
	switch {
	case n <= 0:
		return defaultHistoryLimit
	case n > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return n
	}
}

func validAppend(in AppendMessageInput) bool {
	return in.ConversationID != "" && in.ClientMsgID != "" && in.SenderID != "" &&
		in.ReceiverID != "" && in.ReceiverType != ""
}
