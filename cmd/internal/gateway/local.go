package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"megdan/cmd/internal/realtime"
	v1 "megdan/shared/contracts/chat/v1"
)

const localQueueSize = 256

// NewLocal returns a Gateway bound to an in-process backend service. It is
// what the CLI uses without a server URL, and what tests drive.
func NewLocal(svc *realtime.Service, log *slog.Logger) *Client {
	t := &localTransport{svc: svc}
	c := newClient(t, log)
	t.onPush = c.push
	return c
}

type localTransport struct {
	svc    *realtime.Service
	onPush func(v1.Envelope)

	mu     sync.Mutex
	client *realtime.Client
	sess   *realtime.Session
	gen    uint64
	wg     sync.WaitGroup
}

func (t *localTransport) open(context.Context, string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != nil {
		return nil
	}
	if t.svc == nil {
		return errors.Join(errDial, errors.New("gateway: no local service"))
	}
	id, err := realtime.NewSessionID(time.Now())
	if err != nil {
		return err
	}
	t.client = realtime.NewClient(id, localQueueSize)
	t.sess = realtime.NewSession(t.svc, t.client)
	t.gen++

	t.wg.Add(1)
	go t.pump(t.client)
	return nil
}

// pump forwards pushes queued for this session.
func (t *localTransport) pump(c *realtime.Client) {
	defer t.wg.Done()
	for {
		select {
		case <-c.Done():
			return
		case env := <-c.Send:
			if env.Type == v1.TypeMessageNew {
				t.onPush(env)
			}
		}
	}
}

func (t *localTransport) request(ctx context.Context, env v1.Envelope) (v1.Envelope, error) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return v1.Envelope{}, errors.Join(errDial, errors.New("gateway: not initialized"))
	}
	if err := ctx.Err(); err != nil {
		return v1.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, &RemoteError{Code: v1.CodeBadRequest, Message: err.Error()}
	}
	return sess.Handle(ctx, env), nil
}

func (t *localTransport) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *localTransport) close() error {
	t.mu.Lock()
	sess, client := t.sess, t.client
	t.sess, t.client = nil, nil
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.Close()
	client.Close()
	t.wg.Wait()
	return nil
}
