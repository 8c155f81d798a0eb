package messaging

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/stan.go"

	"seatline/internal/fanout"
)

// Deliverer accepts events relayed from other instances.
type Deliverer interface {
	Deliver(env fanout.Envelope)
}

// FanoutRelay shares hub events between instances over one subject.
// Subscriptions start at new messages only; there is no replay.
type FanoutRelay struct {
	client  *NATSClient
	subject string
	logger  *slog.Logger
	sub     stan.Subscription
}

func NewFanoutRelay(client *NATSClient, subject string, logger *slog.Logger) *FanoutRelay {
	if subject == "" {
		subject = "seatline.fanout"
	}
	return &FanoutRelay{client: client, subject: subject, logger: logger}
}

func (r *FanoutRelay) Publish(env fanout.Envelope) error {
	return r.client.PublishAsync(r.subject, env)
}

// Start delivers relayed envelopes to d until Close.
func (r *FanoutRelay) Start(d Deliverer) error {
	sub, err := r.client.Subscribe(r.subject, func(m *stan.Msg) {
		var env fanout.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			r.logger.Warn("Dropping malformed fanout envelope", "error", err)
			return
		}
		d.Deliver(env)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

func (r *FanoutRelay) Close() error {
	if r.sub != nil {
		_ = r.sub.Close()
	}
	return r.client.Close()
}
