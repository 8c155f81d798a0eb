// Package fanout delivers realtime events to the connections subscribed to
// a channel. Delivery is best effort: a connection whose queue is full loses
// the event and the sender never waits.
package fanout

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"seatline/internal/metrics"
	"seatline/internal/models"
)

var (
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrInvalidChannel    = errors.New("invalid channel name")
)

// Envelope is an event as exchanged between instances.
type Envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// Relay forwards locally originated events to other instances.
type Relay interface {
	Publish(env Envelope) error
}

// SnapshotProvider returns the current state to push to a connection right
// after it subscribes to channel.
type SnapshotProvider interface {
	ChannelSnapshot(channel string) (models.EventType, any, bool)
}

type Config struct {
	InstanceID string
	QueueSize  int
	Shards     int
}

type channelShard struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Conn
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

type Hub struct {
	instanceID    string
	queueSize     int
	channelShards []*channelShard
	connShards    []*connShard
	clock         clockwork.Clock
	logger        *slog.Logger

	mu        sync.RWMutex
	relay     Relay
	snapshots SnapshotProvider
}

func NewHub(cfg Config, clk clockwork.Clock, logger *slog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	h := &Hub{
		instanceID:    cfg.InstanceID,
		queueSize:     cfg.QueueSize,
		channelShards: make([]*channelShard, cfg.Shards),
		connShards:    make([]*connShard, cfg.Shards),
		clock:         clk,
		logger:        logger,
	}
	for i := range h.channelShards {
		h.channelShards[i] = &channelShard{channels: make(map[string]map[string]*Conn)}
		h.connShards[i] = &connShard{conns: make(map[string]*Conn)}
	}
	return h
}

func (h *Hub) InstanceID() string { return h.instanceID }

// SetRelay attaches the cross-instance relay.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// SetSnapshotProvider registers the source of on-subscribe snapshots.
func (h *Hub) SetSnapshotProvider(p SnapshotProvider) {
	h.mu.Lock()
	h.snapshots = p
	h.mu.Unlock()
}

func shardIndex(key string, n int) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(key))
	return int(f.Sum32() % uint32(n))
}

func (h *Hub) channelShard(channel string) *channelShard {
	return h.channelShards[shardIndex(channel, len(h.channelShards))]
}

func (h *Hub) connShard(connID string) *connShard {
	return h.connShards[shardIndex(connID, len(h.connShards))]
}

// Register adds a connection. An empty id gets a generated one.
func (h *Hub) Register(connID string) *Conn {
	if connID == "" {
		connID = uuid.NewString()
	}
	c := newConn(connID, h.queueSize)

	s := h.connShard(connID)
	s.mu.Lock()
	old := s.conns[connID]
	s.conns[connID] = c
	s.mu.Unlock()

	if old != nil {
		old.close()
		h.dropSubscriptions(old)
	} else {
		metrics.HubConnections.Inc()
	}

	h.logger.Debug("Connection registered", "connection_id", connID)
	return c
}

// Conn looks up a registered connection.
func (h *Hub) Conn(connID string) (*Conn, bool) {
	s := h.connShard(connID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

// Connections counts registered connections.
func (h *Hub) Connections() int {
	n := 0
	for _, s := range h.connShards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// Subscribe joins connID to channel. Joining twice is a no-op.
func (h *Hub) Subscribe(connID, channel string) error {
	if _, _, ok := ParseChannel(channel); !ok {
		return ErrInvalidChannel
	}
	c, ok := h.Conn(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if !c.add(channel, func() { h.join(c, channel) }) {
		return nil
	}

	// lost a race with OnConnectionClosed
	select {
	case <-c.closed:
		c.remove(channel, func() { h.leave(c, channel) })
		return ErrUnknownConnection
	default:
	}

	h.pushSnapshot(c, channel)
	return nil
}

// Unsubscribe removes connID from channel. Leaving a channel that was never
// joined is a no-op.
func (h *Hub) Unsubscribe(connID, channel string) error {
	c, ok := h.Conn(connID)
	if !ok {
		return ErrUnknownConnection
	}
	c.remove(channel, func() { h.leave(c, channel) })
	return nil
}

// OnConnectionClosed drops the connection and all of its subscriptions.
func (h *Hub) OnConnectionClosed(connID string) {
	s := h.connShard(connID)
	s.mu.Lock()
	c, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	h.dropSubscriptions(c)
	metrics.HubConnections.Dec()
	h.logger.Debug("Connection closed", "connection_id", connID)
}

func (h *Hub) dropSubscriptions(c *Conn) {
	for _, channel := range c.drain() {
		h.leave(c, channel)
	}
}

func (h *Hub) join(c *Conn, channel string) {
	s := h.channelShard(channel)
	s.mu.Lock()
	members := s.channels[channel]
	if members == nil {
		members = make(map[string]*Conn)
		s.channels[channel] = members
	}
	members[c.ID] = c
	s.mu.Unlock()
	metrics.HubSubscriptions.Inc()
}

func (h *Hub) leave(c *Conn, channel string) {
	s := h.channelShard(channel)
	s.mu.Lock()
	members := s.channels[channel]
	removed := members != nil && members[c.ID] == c
	if removed {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
	s.mu.Unlock()
	if removed {
		metrics.HubSubscriptions.Dec()
	}
}

// Subscribers returns the number of connections on channel.
func (h *Hub) Subscribers(channel string) int {
	s := h.channelShard(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[channel])
}

// Broadcast delivers an event to the local subscribers of channel and hands
// it to the relay. It never blocks on a slow connection.
func (h *Hub) Broadcast(channel string, eventType models.EventType, payload any) {
	msg, err := h.message(channel, eventType, payload)
	if err != nil {
		h.logger.Error("Failed to encode event", "channel", channel, "type", eventType, "error", err)
		return
	}
	h.deliverLocal(msg)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(Envelope{Origin: h.instanceID, Message: msg}); err != nil {
			h.logger.Warn("Failed to relay event", "channel", channel, "type", eventType, "error", err)
		}
	}
}

// Deliver hands an event received from another instance to local
// subscribers. Events that originated here are ignored.
func (h *Hub) Deliver(env Envelope) {
	if env.Origin == h.instanceID {
		return
	}
	h.deliverLocal(env.Message)
}

func (h *Hub) message(channel string, eventType models.EventType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: channel, Type: eventType, Payload: raw, Timestamp: h.now()}, nil
}

func (h *Hub) deliverLocal(msg Message) {
	s := h.channelShard(msg.Channel)
	s.mu.RLock()
	members := s.channels[msg.Channel]
	targets := make([]*Conn, 0, len(members))
	for _, c := range members {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if c.offer(msg) {
			metrics.HubDeliveries.WithLabelValues("delivered").Inc()
		} else {
			metrics.HubDeliveries.WithLabelValues("dropped").Inc()
		}
	}
}

func (h *Hub) pushSnapshot(c *Conn, channel string) {
	h.mu.RLock()
	p := h.snapshots
	h.mu.RUnlock()
	if p == nil {
		return
	}
	eventType, payload, ok := p.ChannelSnapshot(channel)
	if !ok {
		return
	}
	msg, err := h.message(channel, eventType, payload)
	if err != nil {
		h.logger.Error("Failed to encode snapshot", "channel", channel, "error", err)
		return
	}
	if !c.offer(msg) {
		metrics.HubDeliveries.WithLabelValues("dropped").Inc()
	}
}

func (h *Hub) now() time.Time {
	if h.clock == nil {
		return time.Now()
	}
	return h.clock.Now()
}
