package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"seatline/internal/models"
)

// Message is one event queued for a connection.
type Message struct {
	Channel   string           `json:"channel"`
	Type      models.EventType `json:"type"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

// Conn is a registered realtime connection with a bounded outbound queue.
type Conn struct {
	ID string

	out    chan Message
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
}

func newConn(id string, queueSize int) *Conn {
	return &Conn{
		ID:       id,
		out:      make(chan Message, queueSize),
		closed:   make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

// Messages yields queued events. It is never closed; use Done to stop reading.
func (c *Conn) Messages() <-chan Message { return c.out }

// Done is closed once the hub has dropped the connection.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Channels returns the channels the connection is subscribed to.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// offer enqueues m without blocking and reports whether it was accepted.
func (c *Conn) offer(m Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- m:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.closed) })
}

// add records channel and runs join while still holding the conn lock, so the
// channel registry never disagrees with c.channels. It reports false when
// the channel was already present.
func (c *Conn) add(channel string, join func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; ok {
		return false
	}
	c.channels[channel] = struct{}{}
	join()
	return true
}

// remove is the inverse of add.
func (c *Conn) remove(channel string, part func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	delete(c.channels, channel)
	part()
	return true
}

func (c *Conn) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	c.channels = make(map[string]struct{})
	return out
}
