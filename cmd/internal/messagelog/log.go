// Package messagelog keeps per-conversation message history ordered by
// (SentAt, ID) and free of duplicate ids.
package messagelog

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"megdan/cmd/internal/chat"
)

const (
	// PageSize is the largest page requested from the backend.
	PageSize = 50
	// MaxTail caps LoadTail.
	MaxTail = 200
)

// Fetcher is the gateway read used for history. Results are oldest -> newest;
// an empty beforeID asks for the newest messages.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]chat.Message, error)
}

type thread struct {
	msgs []chat.Message
	ids  map[string]struct{}
}

// Log owns every loaded thread.
type Log struct {
	fetch Fetcher
	log   *slog.Logger

	mu      sync.RWMutex
	threads map[string]*thread
}

func New(fetch Fetcher, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{fetch: fetch, log: logger, threads: make(map[string]*thread)}
}

// LoadTail fetches the newest limit messages, merges them and returns the
// whole ordered thread. The thread is started before the fetch so messages
// appended meanwhile are kept. A failed or cancelled fetch adds nothing.
func (l *Log) LoadTail(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	limit = clampLimit(limit, MaxTail)

	l.mu.Lock()
	_, existed := l.threads[conversationID]
	l.threadLocked(conversationID)
	l.mu.Unlock()

	msgs, err := l.fetch.FetchMessages(ctx, conversationID, limit, "")
	if err != nil {
		l.abandon(conversationID, existed)
		l.log.Warn("messagelog.tail.fail", "conversation_id", conversationID, "err", err)
		return nil, chat.NewFetchError("messagelog.LoadTail", err)
	}
	if err := ctx.Err(); err != nil {
		l.abandon(conversationID, existed)
		return nil, err
	}

	l.mu.Lock()
	t := l.threadLocked(conversationID)
	added := 0
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ConversationID != conversationID {
			continue
		}
		if t.insert(m) {
			added++
		}
	}
	out := slices.Clone(t.msgs)
	l.mu.Unlock()

	l.log.Debug("messagelog.tail.ok", "conversation_id", conversationID, "fetched", len(msgs), "added", added)
	return out, nil
}

// Append inserts msg at its ordered position. It reports false for a
// duplicate id or a message without conversation id.
func (l *Log) Append(msg chat.Message) bool {
	if msg.ConversationID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threadLocked(msg.ConversationID).insert(msg)
}

// LoadOlder pages backwards from beforeID, yielding the nearest older message
// first, until limit messages were yielded or history is exhausted.
//
// It never touches the log. Each range over the returned sequence starts from
// beforeID again. When ctx is done the in-flight page is dropped and the
// sequence ends with ctx.Err().
func (l *Log) LoadOlder(ctx context.Context, conversationID, beforeID string, limit int) iter.Seq2[chat.Message, error] {
	return func(yield func(chat.Message, error) bool) {
		cursor := beforeID
		remaining := limit
		for remaining > 0 {
			if err := ctx.Err(); err != nil {
				yield(chat.Message{}, err)
				return
			}

			size := min(remaining, PageSize)
			page, err := l.fetch.FetchMessages(ctx, conversationID, size, cursor)
			if cerr := ctx.Err(); cerr != nil {
				l.log.Debug("messagelog.older.cancelled", "conversation_id", conversationID)
				yield(chat.Message{}, cerr)
				return
			}
			if err != nil {
				yield(chat.Message{}, chat.NewFetchError("messagelog.LoadOlder", err))
				return
			}
			if len(page) == 0 {
				return
			}

			for i := len(page) - 1; i >= 0 && remaining > 0; i-- {
				if !yield(page[i], nil) {
					return
				}
				remaining--
			}
			if len(page) < size {
				return
			}
			cursor = page[0].ID
		}
	}
}

// Messages returns a copy of the ordered thread.
func (l *Log) Messages(conversationID string) []chat.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.threads[conversationID]
	if !ok {
		return nil
	}
	return slices.Clone(t.msgs)
}

// Len returns the number of messages held for conversationID.
func (l *Log) Len(conversationID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.threads[conversationID]; ok {
		return len(t.msgs)
	}
	return 0
}

// Loaded reports whether a thread has been started for conversationID.
func (l *Log) Loaded(conversationID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.threads[conversationID]
	return ok
}

// Reset forgets every thread.
func (l *Log) Reset() {
	l.mu.Lock()
	clear(l.threads)
	l.mu.Unlock()
}

// abandon forgets a thread that a failed LoadTail started, unless
// messages were appended to it meanwhile.
func (l *Log) abandon(id string, existed bool) {
	if existed {
		return
	}
	l.mu.Lock()
	if t, ok := l.threads[id]; ok && len(t.msgs) == 0 {
		delete(l.threads, id)
	}
	l.mu.Unlock()
}

func (l *Log) threadLocked(id string) *thread {
	t, ok := l.threads[id]
	if !ok {
		t = &thread{ids: make(map[string]struct{})}
		l.threads[id] = t
	}
	return t
}

func (t *thread) insert(m chat.Message) bool {
	if m.ID != "" {
		if _, dup := t.ids[m.ID]; dup {
			return false
		}
		t.ids[m.ID] = struct{}{}
	}
	n := len(t.msgs)
	if n == 0 || !chat.Less(m, t.msgs[n-1]) {
		t.msgs = append(t.msgs, m)
		return true
	}
	i, _ := slices.BinarySearchFunc(t.msgs, m, chat.Compare)
	t.msgs = slices.Insert(t.msgs, i, m)
	return true
}

func clampLimit(limit, ceiling int) int {
	if limit <= 0 {
		return PageSize
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
