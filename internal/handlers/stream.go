package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"seatline/internal/fanout"
	"seatline/internal/logger"
	"seatline/internal/models"
)

// Stream - GET /api/stream?channel=trip:1&channel=vehicle:7
// Открыть SSE соединение. Первое событие "connected" несет connection_id,
// по которому можно подписываться на каналы через /api/channels/join.
func (h *Handlers) Stream(c *gin.Context) {
	channels := c.QueryArray("channel")
	for _, ch := range channels {
		if !clientChannel(ch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel " + ch})
			return
		}
	}

	connID := uuid.NewString()
	conn := h.hub.Register(connID)
	// Закрытие соединения снимает все подписки, удержания мест не трогаются
	defer h.hub.OnConnectionClosed(connID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"connection_id": connID})
	c.Writer.Flush()

	// Личные события (подтверждение билета) идут только в канал пользователя
	if userID, _ := identity(c); userID != "" {
		channels = append(channels, fanout.UserChannel(userID))
	}
	for _, ch := range channels {
		if err := h.hub.Subscribe(connID, ch); err != nil {
			logger.WithContext(c.Request.Context()).Warn("Subscribe failed", "channel", ch, "error", err)
		}
	}

	heartbeat := h.clock.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg := <-conn.Messages():
			c.SSEvent(string(msg.Type), msg)
			return true
		case <-heartbeat.Chan():
			c.SSEvent("ping", gin.H{"timestamp": h.clock.Now()})
			return true
		case <-conn.Done():
			return false
		case <-ctx.Done():
			return false
		}
	})
}

// JoinChannel - POST /api/channels/join
func (h *Handlers) JoinChannel(c *gin.Context) {
	var req models.ChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !clientChannel(req.Channel) {
		handleServiceError(c, fanout.ErrInvalidChannel, "Failed to join channel")
		return
	}
	if err := h.hub.Subscribe(req.ConnectionID, req.Channel); err != nil {
		handleServiceError(c, err, "Failed to join channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": req.ConnectionID, "channel": req.Channel, "subscribed": true})
}

// LeaveChannel - POST /api/channels/leave
func (h *Handlers) LeaveChannel(c *gin.Context) {
	var req models.ChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.hub.Unsubscribe(req.ConnectionID, req.Channel); err != nil {
		handleServiceError(c, err, "Failed to leave channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": req.ConnectionID, "channel": req.Channel, "subscribed": false})
}

// clientChannel reports whether a client may name the channel itself.
// User channels are bound to the stream's identity only.
func clientChannel(name string) bool {
	kind, _, ok := fanout.ParseChannel(name)
	return ok && kind != fanout.KindUser
}
