package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one notification body from a queue.
type Handler func(ctx context.Context, queue string, body []byte) error

// Consumer drains the notification queues, reconnecting with backoff.
type Consumer struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
}

func NewConsumer(cfg Config, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{cfg: cfg.withDefaults(), handler: handler, logger: logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.logger.Warn("Failed to dial broker", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.Warn("Failed to set QoS", "error", err)
	}

	type tagged struct {
		queue string
		d     amqp.Delivery
	}
	merged := make(chan tagged)
	done := make(chan struct{})
	defer close(done)
	for _, q := range c.cfg.queues() {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
		msgs, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", q, err)
		}
		go func(q string, msgs <-chan amqp.Delivery) {
			for d := range msgs {
				select {
				case merged <- tagged{queue: q, d: d}:
				case <-done:
					return
				}
			}
		}(q, msgs)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("Consuming notifications", "queues", c.cfg.queues())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-closed:
			if err != nil {
				return err
			}
			return errors.New("channel closed")
		case m := <-merged:
			c.process(ctx, m.queue, m.d)
		}
	}
}

// process acks handled deliveries and rejects failed ones without requeue
// so that a poison message cannot loop.
func (c *Consumer) process(ctx context.Context, queue string, d amqp.Delivery) {
	if err := c.handler(ctx, queue, d.Body); err != nil {
		c.logger.Error("Failed to handle notification", "queue", queue, "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
