// Package notify hands booking notifications to RabbitMQ. Publishing is fire
// and forget: failures are logged and never reach the booking flow.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueBookingConfirmed = "booking.confirmed"
	QueueBookingCancelled = "booking.cancelled"
)

type Config struct {
	Enabled        bool
	URL            string
	ConfirmedQueue string
	CancelledQueue string
	PublishTimeout time.Duration
	// QueueSize bounds notifications waiting for the broker; extra ones are dropped.
	QueueSize int
}

func (c Config) queues() []string {
	return []string{c.ConfirmedQueue, c.CancelledQueue}
}

// BookingConfirmed is published once a ticket has been issued.
type BookingConfirmed struct {
	TicketID    string    `json:"ticket_id"`
	TripID      string    `json:"trip_id"`
	SeatNumber  int       `json:"seat_number"`
	UserID      string    `json:"user_id"`
	PriceCents  int64     `json:"price_cents"`
	PaymentID   string    `json:"payment_id,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// BookingCancelled is published once a ticket has been cancelled.
type BookingCancelled struct {
	TicketID    string    `json:"ticket_id"`
	TripID      string    `json:"trip_id"`
	SeatNumber  int       `json:"seat_number"`
	UserID      string    `json:"user_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type sender interface {
	send(ctx context.Context, queue string, msg amqp.Publishing) error
	close() error
}

type outbound struct {
	queue string
	msg   amqp.Publishing
}

// Publisher sends notifications from a single background worker fed by a
// bounded queue.
type Publisher struct {
	cfg    Config
	sender sender
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan outbound
	done   chan struct{}
}

// NewPublisher returns a publisher backed by RabbitMQ. The broker connection
// is opened lazily on first publish.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	cfg = cfg.withDefaults()
	return newPublisher(cfg, &amqpSender{url: cfg.URL, durable: cfg.queues(), dialTimeout: cfg.PublishTimeout}, logger)
}

func (c Config) withDefaults() Config {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ConfirmedQueue == "" {
		c.ConfirmedQueue = QueueBookingConfirmed
	}
	if c.CancelledQueue == "" {
		c.CancelledQueue = QueueBookingCancelled
	}
	return c
}

func newPublisher(cfg Config, s sender, logger *slog.Logger) *Publisher {
	cfg = cfg.withDefaults()
	p := &Publisher{
		cfg:    cfg,
		sender: s,
		logger: logger,
		queue:  make(chan outbound, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	for out := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
		err := p.sender.send(ctx, out.queue, out.msg)
		cancel()
		if err != nil {
			// Log error but don't fail the operation
			p.logger.Error("Failed to publish notification", "queue", out.queue, "error", err)
			continue
		}
		p.logger.Debug("Notification published", "queue", out.queue)
	}
}

func (p *Publisher) BookingConfirmed(ev BookingConfirmed) {
	p.publish(p.cfg.ConfirmedQueue, ev)
}

func (p *Publisher) BookingCancelled(ev BookingCancelled) {
	p.publish(p.cfg.CancelledQueue, ev)
}

func (p *Publisher) publish(queue string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal notification", "queue", queue, "error", err)
		return
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("Notification dropped, publisher closed", "queue", queue)
		return
	}
	select {
	case p.queue <- outbound{queue: queue, msg: msg}:
	default:
		p.logger.Warn("Notification dropped, queue full", "queue", queue)
	}
}

// Close drains queued notifications and closes the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return p.sender.close()
}

// amqpSender keeps one connection and channel and re-dials after a failure.
type amqpSender struct {
	url         string
	durable     []string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *amqpSender) channel() (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	s.reset()

	conn, err := amqp.DialConfig(s.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(s.dialTimeout),
	})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	for _, q := range s.durable {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
	}
	s.conn, s.ch = conn, ch
	return ch, nil
}

func (s *amqpSender) send(ctx context.Context, queue string, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		s.reset()
		return err
	}
	return nil
}

func (s *amqpSender) reset() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}

func (s *amqpSender) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// Discard is a notifier used when RabbitMQ is disabled.
type Discard struct {
	Logger *slog.Logger
}

func (d Discard) BookingConfirmed(ev BookingConfirmed) {
	d.Logger.Debug("Notification dropped", "queue", QueueBookingConfirmed, "ticket_id", ev.TicketID)
}

func (d Discard) BookingCancelled(ev BookingCancelled) {
	d.Logger.Debug("Notification dropped", "queue", QueueBookingCancelled, "ticket_id", ev.TicketID)
}
