package pkg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/appetiteclub/apt/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultQueueMaxDeliver = 5
	defaultQueueRetryDelay = 2 * time.Second
	defaultQueueAckWait    = 30 * time.Second
)

// NATSQueue implements events.Subscriber over a durable JetStream consumer
// with explicit acks. A message is acked once its handler succeeds. A failed
// message is redelivered after RetryDelay until MaxDeliver attempts were
// made, then terminated.
type NATSQueue struct {
	conn     *nats.Conn
	consumer jetstream.Consumer
	topic    string
	cfg      NATSQueueConfig
	logger   apt.Logger

	mu       sync.Mutex
	consumes []jetstream.ConsumeContext
}

// NATSQueueConfig configures a NATSQueue instance.
type NATSQueueConfig struct {
	URL          string        // NATS server URL
	StreamName   string        // JetStream stream name (e.g., "TABLELINK_TICKETS")
	Topic        string        // Subject (e.g., "tablelink.tickets")
	ConsumerName string        // Durable consumer shared by every instance
	MaxAge       time.Duration // Retention of unprocessed requests (0 = unlimited)
	MaxDeliver   int           // Delivery attempts before a message is dropped
	RetryDelay   time.Duration // Delay before a failed message is redelivered
}

func (c NATSQueueConfig) withDefaults() NATSQueueConfig {
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = defaultQueueMaxDeliver
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultQueueRetryDelay
	}
	return c
}

// NewNATSQueue creates a new NATSQueue and ensures the stream and the durable
// consumer exist.
func NewNATSQueue(ctx context.Context, cfg NATSQueueConfig, logger apt.Logger) (*NATSQueue, error) {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	cfg = cfg.withDefaults()

	conn, err := connect(cfg.URL)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.Topic},
		MaxAge:   cfg.MaxAge,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       defaultQueueAckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: cfg.Topic,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.ConsumerName, err)
	}

	return &NATSQueue{
		conn:     conn,
		consumer: consumer,
		topic:    cfg.Topic,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Subscribe starts delivering queued messages to handler. Only the subject the
// queue was created for can be subscribed.
func (q *NATSQueue) Subscribe(ctx context.Context, topic string, handler events.HandlerFunc) error {
	if topic != q.topic {
		return fmt.Errorf("queue serves %s, not %s", q.topic, topic)
	}

	cc, err := q.consumer.Consume(func(msg jetstream.Msg) {
		q.settle(msg, handler(ctx, msg.Data()))
	})
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", topic, err)
	}

	q.mu.Lock()
	q.consumes = append(q.consumes, cc)
	q.mu.Unlock()
	return nil
}

// queuedMsg is the part of jetstream.Msg that settling needs.
type queuedMsg interface {
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
	Metadata() (*jetstream.MsgMetadata, error)
}

func (q *NATSQueue) settle(msg queuedMsg, handlerErr error) {
	if handlerErr == nil {
		if err := msg.Ack(); err != nil {
			q.logger.Error("cannot ack message", "topic", q.topic, "error", err)
		}
		return
	}

	attempt := uint64(1)
	if md, err := msg.Metadata(); err == nil {
		attempt = md.NumDelivered
	}

	if attempt >= uint64(q.cfg.MaxDeliver) {
		q.logger.Error("dropping message after final attempt", "topic", q.topic, "attempt", attempt, "error", handlerErr)
		if err := msg.Term(); err != nil {
			q.logger.Error("cannot terminate message", "topic", q.topic, "error", err)
		}
		return
	}

	q.logger.Info("event handler failed, message will be redelivered", "topic", q.topic, "attempt", attempt, "error", handlerErr)
	if err := msg.NakWithDelay(q.cfg.RetryDelay); err != nil {
		q.logger.Error("cannot nak message", "topic", q.topic, "error", err)
	}
}

// Close stops consuming and closes the NATS connection. Unacked messages stay
// on the stream for the next instance.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	for _, cc := range q.consumes {
		cc.Stop()
	}
	q.consumes = nil
	q.mu.Unlock()

	q.conn.Close()
	return nil
}
