package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "megdan/shared/contracts/chat/v1"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 1 << 20
)

// WSConfig locates the backend.
type WSConfig struct {
	// URL is used when the region has no entry in Regions.
	URL     string
	Regions map[string]string
	// Origin is sent with the handshake; the backend checks it.
	Origin string
	Logger *slog.Logger
}

// NewWSClient returns a Gateway speaking the protocol over WebSocket. The
// connection is opened by Init and re-dialed lazily after it drops.
func NewWSClient(cfg WSConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &wsTransport{cfg: cfg, log: log, pending: make(map[string]chan v1.Envelope)}
	c := newClient(t, log)
	t.onPush = c.push
	return c
}

type wsTransport struct {
	cfg    WSConfig
	log    *slog.Logger
	onPush func(v1.Envelope)

	mu      sync.Mutex
	url     string
	conn    *websocket.Conn
	gen     uint64
	closed  bool
	pending map[string]chan v1.Envelope
}

func (t *wsTransport) open(ctx context.Context, region string) error {
	u := t.cfg.URL
	if r, ok := t.cfg.Regions[strings.ToLower(strings.TrimSpace(region))]; ok {
		u = r
	}
	if strings.TrimSpace(u) == "" {
		return fmt.Errorf("%w: no endpoint for region %q", errDial, region)
	}
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()

	_, err := t.connect(ctx)
	return err
}

// connect returns the live connection, dialing when there is none.
func (t *wsTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}
	if t.url == "" {
		return nil, fmt.Errorf("%w: not initialized", errDial)
	}

	dctx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}}
	if t.cfg.Origin != "" {
		opts.HTTPHeader = http.Header{"Origin": []string{t.cfg.Origin}}
	}
	conn, resp, err := websocket.Dial(dctx, t.url, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDial, err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: server did not accept %s", errDial, v1.Subprotocol)
	}
	conn.SetReadLimit(wsReadLimit)

	t.conn = conn
	t.gen++
	go t.readLoop(conn)
	t.log.Info("gateway.ws.connected", "url", t.url, "generation", t.gen)
	return conn, nil
}

// generation is zero while disconnected, so a login never matches a
// connection that does not exist yet.
func (t *wsTransport) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return 0
	}
	return t.gen
}

func (t *wsTransport) request(ctx context.Context, env v1.Envelope) (v1.Envelope, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}

	wait := make(chan v1.Envelope, 1)
	t.mu.Lock()
	t.pending[env.ID] = wait
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, env.ID)
		t.mu.Unlock()
	}()

	b, err := json.Marshal(env)
	if err != nil {
		return v1.Envelope{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	err = conn.Write(wctx, websocket.MessageText, b)
	cancel()
	if err != nil {
		t.drop(conn, err)
		return v1.Envelope{}, err
	}

	select {
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case reply, ok := <-wait:
		if !ok {
			return v1.Envelope{}, errors.New("gateway: connection lost")
		}
		return reply, nil
	}
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.drop(conn, err)
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("gateway.ws.decode_fail", "err", err)
			continue
		}
		if env.Type == v1.TypeMessageNew && env.Ref == "" {
			t.onPush(env)
			continue
		}

		t.mu.Lock()
		wait, ok := t.pending[env.Ref]
		if ok {
			delete(t.pending, env.Ref)
		}
		t.mu.Unlock()
		if !ok {
			t.log.Debug("gateway.ws.unmatched", "type", env.Type, "ref", env.Ref)
			continue
		}
		wait <- env
	}
}

// drop forgets conn and fails every request waiting on it.
func (t *wsTransport) drop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	waiting := t.pending
	t.pending = make(map[string]chan v1.Envelope)
	closed := t.closed
	t.mu.Unlock()

	for _, ch := range waiting {
		close(ch)
	}
	_ = conn.Close(websocket.StatusGoingAway, "dropped")
	if !closed {
		t.log.Warn("gateway.ws.dropped", "err", cause)
	}
}

func (t *wsTransport) close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.drop(conn, errClosed)
	return nil
}
