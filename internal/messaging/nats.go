package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/stan.go"
)

type NATSClient struct {
	conn   stan.Conn
	logger *slog.Logger
}

type Config struct {
	Enabled   bool
	URL       string
	ClusterID string
	ClientID  string
	Subject   string
}

func NewNATSClient(cfg Config, logger *slog.Logger) (*NATSClient, error) {
	// every replica needs its own client id
	uniqueClientID := fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8])

	conn, err := stan.Connect(cfg.ClusterID, uniqueClientID, stan.NatsURL(cfg.URL),
		stan.SetConnectionLostHandler(func(_ stan.Conn, err error) {
			logger.Error("NATS Streaming connection lost", "error", err)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS Streaming: %w", err)
	}

	logger.Info("Connected to NATS Streaming",
		"url", cfg.URL, "cluster", cfg.ClusterID, "client", uniqueClientID)

	return newNATSClient(conn, logger), nil
}

func newNATSClient(conn stan.Conn, logger *slog.Logger) *NATSClient {
	return &NATSClient{conn: conn, logger: logger}
}

// PublishAsync sends data without waiting for the server ack. Ack failures
// are logged.
func (nc *NATSClient) PublishAsync(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	_, err = nc.conn.PublishAsync(subject, payload, func(guid string, err error) {
		if err != nil {
			nc.logger.Warn("Publish not acknowledged", "subject", subject, "guid", guid, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	return nil
}

func (nc *NATSClient) Subscribe(subject string, handler stan.MsgHandler) (stan.Subscription, error) {
	sub, err := nc.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	nc.logger.Info("Subscribed to subject", "subject", subject)
	return sub, nil
}

func (nc *NATSClient) Close() error {
	if nc.conn != nil {
		return nc.conn.Close()
	}
	return nil
}
