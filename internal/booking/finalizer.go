// Package booking turns held seats into tickets and cancels them again.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"seatline/internal/fanout"
	"seatline/internal/inventory"
	"seatline/internal/lockstore"
	"seatline/internal/metrics"
	"seatline/internal/models"
	"seatline/internal/notify"
	"seatline/internal/repository"
	"seatline/internal/seatlock"
)

var (
	ErrTicketNotFound       = repository.ErrTicketNotFound
	ErrTicketNotCancellable = errors.New("ticket cannot be cancelled")
	ErrTicketNotOwned       = errors.New("ticket belongs to another user")
)

// cleanupTimeout bounds work that must finish after the caller has gone away.
const cleanupTimeout = 5 * time.Second

type LockManager interface {
	GetLock(ctx context.Context, lockID string) (*models.SeatLock, error)
	ConvertLockToBooking(ctx context.Context, lockID, userID, ticketID string) (*seatlock.Conversion, error)
	RevertConversion(ctx context.Context, conv *seatlock.Conversion) error
}

// SeatStore frees booked seats.
type SeatStore interface {
	CancelBooked(ctx context.Context, tripID string, seat int, ticketID string) (lockstore.Outcome, lockstore.Counts, error)
}

type Inventory interface {
	Availability(ctx context.Context, tripID string) (*models.Availability, error)
}

type TripStore interface {
	LoadTrip(ctx context.Context, tripID string) (*models.Trip, error)
	AdjustTripInventory(ctx context.Context, tripID string, delta int) error
}

type TicketStore interface {
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
	CancelTicket(ctx context.Context, ticketID string) (*models.Ticket, bool, error)
}

type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, proof models.PaymentProof, amount int64) error
}

type Notifier interface {
	BookingConfirmed(ev notify.BookingConfirmed)
	BookingCancelled(ev notify.BookingCancelled)
}

type Broadcaster interface {
	Broadcast(channel string, eventType models.EventType, payload any)
}

type Finalizer struct {
	locks       LockManager
	seats       SeatStore
	inventory   Inventory
	trips       TripStore
	tickets     TicketStore
	payments    PaymentVerifier
	notifier    Notifier
	broadcaster Broadcaster
	clock       clockwork.Clock
	logger      *slog.Logger
}

type Deps struct {
	Locks       LockManager
	Seats       SeatStore
	Inventory   Inventory
	Trips       TripStore
	Tickets     TicketStore
	Payments    PaymentVerifier
	Notifier    Notifier
	Broadcaster Broadcaster
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

func NewFinalizer(d Deps) *Finalizer {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Discard{Logger: d.Logger}
	}
	return &Finalizer{
		locks:       d.Locks,
		seats:       d.Seats,
		inventory:   d.Inventory,
		trips:       d.Trips,
		tickets:     d.Tickets,
		payments:    d.Payments,
		notifier:    d.Notifier,
		broadcaster: d.Broadcaster,
		clock:       d.Clock,
		logger:      d.Logger,
	}
}

// FinalizeBooking converts a live lock owned by userID into a ticket once the
// payment is verified. If the ticket cannot be stored the lock is restored.
func (f *Finalizer) FinalizeBooking(ctx context.Context, lockID, userID string, proof models.PaymentProof) (*models.Ticket, error) {
	ticket, err := f.finalize(ctx, lockID, userID, proof)
	if err != nil {
		metrics.Bookings.WithLabelValues("confirm", "failed").Inc()
		return nil, err
	}
	metrics.Bookings.WithLabelValues("confirm", "ok").Inc()
	return ticket, nil
}

func (f *Finalizer) finalize(ctx context.Context, lockID, userID string, proof models.PaymentProof) (*models.Ticket, error) {
	if lockID == "" || userID == "" {
		return nil, seatlock.ErrInvalidRequest
	}

	lock, err := f.locks.GetLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, seatlock.ErrLockExpired
	}
	if lock.UserID != userID {
		return nil, seatlock.ErrLockNotOwned
	}

	trip, err := f.trips.LoadTrip(ctx, lock.TripID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trip: %w", err)
	}
	if trip == nil {
		return nil, inventory.ErrUnknownTrip
	}

	if err := f.payments.VerifyPayment(ctx, proof, trip.PriceCents); err != nil {
		f.logger.Warn("Payment verification failed",
			"lock_id", lockID, "payment_id", proof.PaymentID, "error", err)
		return nil, err
	}

	conv, err := f.locks.ConvertLockToBooking(ctx, lockID, userID, uuid.NewString())
	if err != nil {
		return nil, err
	}

	paymentID := proof.PaymentID
	ticket := &models.Ticket{
		ID:         conv.TicketID,
		TripID:     conv.Lock.TripID,
		SeatNumber: conv.Lock.SeatNumber,
		UserID:     userID,
		PriceCents: trip.PriceCents,
		Status:     models.TicketBooked,
		PaymentID:  &paymentID,
	}
	if err := f.tickets.CreateTicket(ctx, ticket); err != nil {
		// The request ctx may be the reason the insert failed.
		rctx, cancel := detached(ctx)
		defer cancel()
		if rerr := f.locks.RevertConversion(rctx, conv); rerr != nil {
			f.logger.Error("Failed to revert seat conversion",
				"lock_id", lockID, "ticket_id", conv.TicketID, "error", rerr)
		}
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	// Persistence mirrors the counter; the counter stays authoritative.
	f.mirrorInventory(ctx, ticket.TripID, -1)

	now := f.clock.Now()
	f.broadcast(ticket.TripID, models.EventSeatBooked, models.SeatBookedEvent{
		TripID:     ticket.TripID,
		SeatNumber: ticket.SeatNumber,
		TicketID:   ticket.ID,
		Timestamp:  now,
	})
	f.publishAvailability(ctx, ticket.TripID, conv.Counts)
	f.broadcastTo(fanout.UserChannel(ticket.UserID), models.EventTicketConfirmed, models.TicketConfirmedEvent{
		TicketID:   ticket.ID,
		TripID:     ticket.TripID,
		SeatNumber: ticket.SeatNumber,
		UserID:     ticket.UserID,
		Timestamp:  now,
	})

	f.notifier.BookingConfirmed(notify.BookingConfirmed{
		TicketID:    ticket.ID,
		TripID:      ticket.TripID,
		SeatNumber:  ticket.SeatNumber,
		UserID:      ticket.UserID,
		PriceCents:  ticket.PriceCents,
		PaymentID:   paymentID,
		ConfirmedAt: now,
	})

	f.logger.Info("Booking confirmed",
		"ticket_id", ticket.ID, "trip_id", ticket.TripID, "seat", ticket.SeatNumber, "user_id", userID)
	return ticket, nil
}

// CancelBooking cancels a booked ticket owned by userID and returns its seat
// to the trip. Cancelling a cancelled ticket succeeds without touching
// inventory again.
func (f *Finalizer) CancelBooking(ctx context.Context, ticketID, userID string) (*models.Ticket, error) {
	ticket, err := f.cancel(ctx, ticketID, userID)
	if err != nil {
		metrics.Bookings.WithLabelValues("cancel", "failed").Inc()
		return nil, err
	}
	metrics.Bookings.WithLabelValues("cancel", "ok").Inc()
	return ticket, nil
}

func (f *Finalizer) cancel(ctx context.Context, ticketID, userID string) (*models.Ticket, error) {
	if ticketID == "" || userID == "" {
		return nil, seatlock.ErrInvalidRequest
	}

	existing, err := f.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrTicketNotFound
	}
	if existing.UserID != userID {
		return nil, ErrTicketNotOwned
	}

	ticket, changed, err := f.tickets.CancelTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != models.TicketCancelled {
		return nil, fmt.Errorf("%w: status %s", ErrTicketNotCancellable, ticket.Status)
	}

	// Runs on repeats too so a cancel interrupted after the row update still
	// frees the seat. The store only increments while the seat maps to this ticket.
	// The row is already cancelled, so the seat must still come back.
	cctx, cancel := detached(ctx)
	defer cancel()
	outcome, counts, err := f.seats.CancelBooked(cctx, ticket.TripID, ticket.SeatNumber, ticket.ID)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case lockstore.OutcomeOK:
		f.mirrorInventory(ctx, ticket.TripID, 1)
		f.publishAvailability(ctx, ticket.TripID, counts)
	case lockstore.OutcomeNoop:
	default:
		f.logger.Warn("Booked seat not returned to inventory",
			"ticket_id", ticket.ID, "trip_id", ticket.TripID, "outcome", outcome)
	}

	if changed {
		f.notifier.BookingCancelled(notify.BookingCancelled{
			TicketID:    ticket.ID,
			TripID:      ticket.TripID,
			SeatNumber:  ticket.SeatNumber,
			UserID:      ticket.UserID,
			CancelledAt: f.clock.Now(),
		})
		f.logger.Info("Booking cancelled", "ticket_id", ticket.ID, "trip_id", ticket.TripID, "seat", ticket.SeatNumber)
	}
	return ticket, nil
}

func (f *Finalizer) publishAvailability(ctx context.Context, tripID string, counts lockstore.Counts) {
	a, err := f.inventory.Availability(ctx, tripID)
	if err != nil {
		f.logger.Warn("Failed to read availability", "trip_id", tripID, "error", err)
		a = inventory.NewAvailability(tripID, counts, 0)
	}
	f.broadcast(tripID, models.EventAvailabilityChanged, models.AvailabilityChangedEvent{
		TripID:    tripID,
		Capacity:  a.Capacity,
		Available: a.Available,
		Held:      a.Held,
		Displayed: a.Displayed,
		Timestamp: f.clock.Now(),
	})
}

// mirrorInventory applies delta to the persisted seat count. It runs detached
// from ctx because the counter has already moved.
func (f *Finalizer) mirrorInventory(ctx context.Context, tripID string, delta int) {
	mctx, cancel := detached(ctx)
	defer cancel()
	if err := f.trips.AdjustTripInventory(mctx, tripID, delta); err != nil {
		f.logger.Error("Failed to update trip inventory", "trip_id", tripID, "delta", delta, "error", err)
	}
}

func (f *Finalizer) broadcast(tripID string, eventType models.EventType, payload any) {
	f.broadcastTo(fanout.TripChannel(tripID), eventType, payload)
}

func (f *Finalizer) broadcastTo(channel string, eventType models.EventType, payload any) {
	if f.broadcaster == nil {
		return
	}
	f.broadcaster.Broadcast(channel, eventType, payload)
}

// detached keeps ctx values but not its cancellation.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
