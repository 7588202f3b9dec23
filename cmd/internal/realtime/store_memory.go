package realtime

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is the MessageStore used when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
}

type memConv struct {
	seq    int64
	dedupe map[string]StoredMessage // sender_id + "\x00" + client_msg_id
	msgs   []StoredMessage          // ordered by seq
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{convs: make(map[string]*memConv)}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if !validAppend(in) {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		c = &memConv{dedupe: make(map[string]StoredMessage), msgs: make([]StoredMessage, 0, 64)}
		s.convs[in.ConversationID] = c
	}

	key := in.SenderID + "\x00" + in.ClientMsgID
	if existing, ok := c.dedupe[key]; ok {
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	serverID, err := NewServerMsgID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	c.seq++
	msg := StoredMessage{
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		ServerMsgID:    serverID,
		Seq:            c.seq,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		ReceiverID:     in.ReceiverID,
		ReceiverType:   in.ReceiverType,
		Text:           in.Text,
		ServerTS:       now,
	}
	c.dedupe[key] = msg
	c.msgs = append(c.msgs, msg)

	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}
	return AppendMessageResult{Stored: msg}, nil
}

func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ConversationID == "" {
		return FetchHistoryResult{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}
	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	var snap []StoredMessage
	if c := s.convs[in.ConversationID]; c != nil {
		snap = slices.Clone(c.msgs)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	switch {
	case in.AfterSeq != nil:
		after := *in.AfterSeq
		start := sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		end := min(start+limit, len(snap))
		return FetchHistoryResult{Messages: snap[start:end], HasMore: end < len(snap)}, nil

	default:
		end := len(snap)
		if in.BeforeSeq != nil {
			before := *in.BeforeSeq
			end = sort.Search(len(snap), func(i int) bool { return snap[i].Seq >= before })
		}
		start := max(0, end-limit)
		return FetchHistoryResult{Messages: snap[start:end], HasMore: start > 0}, nil
	}
}

func (s *InMemoryStore) SeqOf(ctx context.Context, conversationID, serverMsgID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.convs[conversationID]; c != nil {
		for _, m := range c.msgs {
			if m.ServerMsgID == serverMsgID {
				return m.Seq, nil
			}
		}
	}
	return 0, ErrMessageNotFound
}

func (s *InMemoryStore) LatestPerConversation(ctx context.Context, in LatestInput) ([]StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	groups := make(map[string]struct{}, len(in.GroupIDs))
	for _, g := range in.GroupIDs {
		groups[g] = struct{}{}
	}

	s.mu.Lock()
	out := make([]StoredMessage, 0, len(s.convs))
	for _, c := range s.convs {
		if len(c.msgs) == 0 {
			continue
		}
		last := c.msgs[len(c.msgs)-1]
		if involves(last, in.UserID, groups) {
			out = append(out, last)
		}
	}
	s.mu.Unlock()

	sortLatest(out)
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return out, nil
}

func involves(m StoredMessage, uid string, groups map[string]struct{}) bool {
	if m.ReceiverType == receiverGroup {
		_, ok := groups[m.ReceiverID]
		return ok
	}
	return m.SenderID == uid || m.ReceiverID == uid
}

func sortLatest(ms []StoredMessage) {
	slices.SortFunc(ms, func(a, b StoredMessage) int {
		if c := b.ServerTS.Compare(a.ServerTS); c != 0 {
			return c
		}
		if a.ConversationID < b.ConversationID {
			return -1
		}
		if a.ConversationID > b.ConversationID {
			return 1
		}
		return 0
	})
}
