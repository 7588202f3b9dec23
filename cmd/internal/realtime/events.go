package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	v1 "megdan/shared/contracts/chat/v1"
)

// AcceptedMessage is what a publisher sees for every non-duplicate message:
// the canonical message plus the uids it must reach.
type AcceptedMessage struct {
	Message    v1.Message `json:"message"`
	Recipients []string   `json:"recipients"`
}

// EventPublisher ships accepted messages off-process. Publish must not block
// the send path for long; implementations buffer or drop.
type EventPublisher interface {
	Publish(ctx context.Context, msg AcceptedMessage) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, AcceptedMessage) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// MultiPublisher publishes to every non-nil publisher and joins the errors.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, msg AcceptedMessage) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KafkaPublisher appends accepted messages to a topic keyed by conversation id,
// so one conversation stays ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaPublisher builds an async writer. brokers is a comma separated list.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	addrs := splitList(brokers)
	if len(addrs) == 0 {
		return nil, errors.New("realtime: kafka brokers required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("realtime: kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &KafkaPublisher{w: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg AcceptedMessage) error {
	b, err := json.Marshal(msg.Message)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Message.ConversationID),
		Value: b,
		Time:  msg.Message.SentAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(v1.TypeMessageNew)},
			{Key: "receiver_type", Value: []byte(msg.Message.ReceiverType)},
		},
	})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// Header carrying the instance id that published a relay event.
const natsOriginHeader = "Megdan-Origin"

// NATSBridge relays accepted messages between backend instances. Each instance
// publishes what it accepted and delivers what the others accepted to its own
// hub, so users connected to different instances still receive pushes.
type NATSBridge struct {
	nc       *nats.Conn
	subject  string
	instance string
	hub      *Hub
	log      *slog.Logger
	sub      *nats.Subscription
}

// DialNATS connects to url and subscribes to subject.
func DialNATS(url, subject, instance string, hub *Hub, log *slog.Logger) (*NATSBridge, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(subject) == "" {
		subject = "megdan.messages"
	}
	if instance == "" {
		instance = NewInstanceID()
	}
	nc, err := nats.Connect(url,
		nats.Name("megdan-"+instance),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats.disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats.reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("realtime: nats connect: %w", err)
	}
	b := &NATSBridge{nc: nc, subject: subject, instance: instance, hub: hub, log: log}
	b.sub, err = nc.Subscribe(subject, b.onMsg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("realtime: nats subscribe: %w", err)
	}
	log.Info("nats.bridge.ready", "subject", subject, "instance", instance)
	return b, nil
}

func (b *NATSBridge) Publish(_ context.Context, msg AcceptedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m := nats.NewMsg(b.subject)
	m.Header.Set(natsOriginHeader, b.instance)
	m.Data = data
	return b.nc.PublishMsg(m)
}

func (b *NATSBridge) onMsg(m *nats.Msg) {
	if m.Header.Get(natsOriginHeader) == b.instance {
		return
	}
	var in AcceptedMessage
	if err := json.Unmarshal(m.Data, &in); err != nil {
		b.log.Warn("nats.bridge.decode_fail", "err", err)
		return
	}
	deliverAccepted(b.hub, in, time.Now().UTC())
}

func (b *NATSBridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	return b.nc.Drain()
}

// deliverAccepted pushes a message_new envelope to every recipient.
func deliverAccepted(h *Hub, msg AcceptedMessage, now time.Time) (delivered, dropped int) {
	if h == nil {
		return 0, 0
	}
	payload, err := json.Marshal(v1.MessageNewPayload{Message: msg.Message})
	if err != nil {
		return 0, 0
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageNew,
		ID:      NewEnvelopeID(),
		TS:      now,
		Payload: payload,
	}
	return h.Deliver(msg.Recipients, env)
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
