package realtime

import (
	"log/slog"
	"sync"

	"megdan/cmd/internal/metrics"
	v1 "megdan/shared/contracts/chat/v1"
)

// Hub routes pushes to every live session of a user.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	users map[string]*inbox
}

// inbox is the set of sessions logged in as one user.
type inbox struct {
	mu       sync.RWMutex
	sessions map[string]*Client
}

func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, metrics: m, users: make(map[string]*inbox)}
}

// Attach registers client as a live session of uid.
func (h *Hub) Attach(uid string, client *Client) {
	if uid == "" || client == nil || client.SessionID == "" {
		return
	}
	// The session joins the inbox under h.mu so a concurrent Detach of the
	// last session cannot drop the inbox in between.
	h.mu.Lock()
	box, ok := h.users[uid]
	if !ok {
		box = &inbox{sessions: make(map[string]*Client)}
		h.users[uid] = box
	}
	box.mu.Lock()
	box.sessions[client.SessionID] = client
	box.mu.Unlock()
	h.mu.Unlock()

	h.log.Info("hub.session.attach", "uid", uid, "session_id", client.SessionID)
}

// Detach removes a session. It does not close the client.
func (h *Hub) Detach(uid, sessionID string) {
	if uid == "" || sessionID == "" {
		return
	}
	h.mu.Lock()
	box, ok := h.users[uid]
	if ok {
		box.mu.Lock()
		delete(box.sessions, sessionID)
		empty := len(box.sessions) == 0
		box.mu.Unlock()
		if empty {
			delete(h.users, uid)
		}
	}
	h.mu.Unlock()

	if ok {
		h.log.Info("hub.session.detach", "uid", uid, "session_id", sessionID)
	}
}

// Online reports whether uid has at least one live session.
func (h *Hub) Online(uid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[uid]
	return ok
}

// Deliver fans env out to every session of every uid. It never blocks: a full
// queue drops the push for that session.
func (h *Hub) Deliver(uids []string, env v1.Envelope) (delivered, dropped int) {
	seen := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		h.mu.RLock()
		box := h.users[uid]
		h.mu.RUnlock()
		if box == nil {
			continue
		}

		box.mu.RLock()
		for _, c := range box.sessions {
			if c.Offer(env) {
				delivered++
			} else {
				dropped++
				h.metrics.FanoutDropped()
			}
		}
		box.mu.RUnlock()
	}
	if dropped > 0 {
		h.log.Warn("hub.deliver.dropped", "type", env.Type, "dropped", dropped)
	}
	return delivered, dropped
}
