package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"seatline/internal/notify"
)

// Notifications handles booking notifications. Rendering and delivering the
// message to the passenger belongs to the notification provider; here the
// payload is validated and handed over as a structured log record.
type Notifications struct {
	confirmedQueue string
	cancelledQueue string
	logger         *slog.Logger

	confirmed atomic.Int64
	cancelled atomic.Int64
}

func NewNotifications(cfg notify.Config, logger *slog.Logger) *Notifications {
	n := &Notifications{
		confirmedQueue: cfg.ConfirmedQueue,
		cancelledQueue: cfg.CancelledQueue,
		logger:         logger,
	}
	if n.confirmedQueue == "" {
		n.confirmedQueue = notify.QueueBookingConfirmed
	}
	if n.cancelledQueue == "" {
		n.cancelledQueue = notify.QueueBookingCancelled
	}
	return n
}

// Handle matches notify.Handler.
func (n *Notifications) Handle(ctx context.Context, queue string, body []byte) error {
	switch queue {
	case n.confirmedQueue:
		var ev notify.BookingConfirmed
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("failed to decode booking confirmation: %w", err)
		}
		if ev.TicketID == "" {
			return fmt.Errorf("booking confirmation without ticket id")
		}
		n.confirmed.Add(1)
		n.logger.InfoContext(ctx, "Booking confirmation sent",
			"ticket_id", ev.TicketID, "trip_id", ev.TripID, "seat", ev.SeatNumber, "user_id", ev.UserID)
		return nil

	case n.cancelledQueue:
		var ev notify.BookingCancelled
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("failed to decode booking cancellation: %w", err)
		}
		if ev.TicketID == "" {
			return fmt.Errorf("booking cancellation without ticket id")
		}
		n.cancelled.Add(1)
		n.logger.InfoContext(ctx, "Booking cancellation sent",
			"ticket_id", ev.TicketID, "trip_id", ev.TripID, "seat", ev.SeatNumber, "user_id", ev.UserID)
		return nil
	}
	return fmt.Errorf("unexpected queue %s", queue)
}

// Counts returns how many confirmations and cancellations were handled.
func (n *Notifications) Counts() (confirmed, cancelled int64) {
	return n.confirmed.Load(), n.cancelled.Load()
}
