package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"seatline/internal/booking"
	"seatline/internal/external"
	"seatline/internal/fanout"
	"seatline/internal/inventory"
	"seatline/internal/lockstore"
	"seatline/internal/logger"
	"seatline/internal/middleware"
	"seatline/internal/models"
	"seatline/internal/seatlock"
	"seatline/internal/telemetry"
)

type LockService interface {
	AcquireLock(ctx context.Context, req seatlock.AcquireRequest) (*models.SeatLock, error)
	ReleaseLock(ctx context.Context, lockID, userID string) error
	ReleaseLockByToken(ctx context.Context, tripID string, seatNumber int, token string) error
	ReleaseAllLocksForSession(ctx context.Context, userID, sessionID string) (int, error)
}

type BookingService interface {
	FinalizeBooking(ctx context.Context, lockID, userID string, proof models.PaymentProof) (*models.Ticket, error)
	CancelBooking(ctx context.Context, ticketID, userID string) (*models.Ticket, error)
}

type AvailabilityReader interface {
	Availability(ctx context.Context, tripID string) (*models.Availability, error)
}

type PositionService interface {
	SubmitPosition(ctx context.Context, sample models.PositionSample) (*telemetry.Decision, error)
}

type Handlers struct {
	locks     LockService
	bookings  BookingService
	inventory AvailabilityReader
	positions PositionService
	hub       *fanout.Hub
	clock     clockwork.Clock
	heartbeat time.Duration
}

type Deps struct {
	Locks     LockService
	Bookings  BookingService
	Inventory AvailabilityReader
	Positions PositionService
	Hub       *fanout.Hub
	Clock     clockwork.Clock
	// Heartbeat is the SSE keep-alive interval, 15s when zero.
	Heartbeat time.Duration
}

func NewHandlers(d Deps) *Handlers {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	return &Handlers{
		locks:     d.Locks,
		bookings:  d.Bookings,
		inventory: d.Inventory,
		positions: d.Positions,
		hub:       d.Hub,
		clock:     d.Clock,
		heartbeat: d.Heartbeat,
	}
}

// identity возвращает пользователя и сессию, проставленные middleware.Identity
func identity(c *gin.Context) (userID, sessionID string) {
	userID, _ = middleware.UserIDFromContext(c.Request.Context())
	sessionID, _ = middleware.SessionIDFromContext(c.Request.Context())
	return userID, sessionID
}

// handleServiceError переводит ошибки сервисов в HTTP статусы
func handleServiceError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, seatlock.ErrSeatAlreadyLocked),
		errors.Is(err, seatlock.ErrSeatAlreadyBooked),
		errors.Is(err, seatlock.ErrUserAlreadyHoldingSeat),
		errors.Is(err, inventory.ErrInsufficientSeats),
		errors.Is(err, inventory.ErrCapacityExceeded),
		errors.Is(err, booking.ErrTicketNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, seatlock.ErrLockExpired):
		status = http.StatusGone
	case errors.Is(err, seatlock.ErrLockNotOwned),
		errors.Is(err, booking.ErrTicketNotOwned):
		status = http.StatusForbidden
	case errors.Is(err, external.ErrPaymentRejected):
		status = http.StatusPaymentRequired
	case errors.Is(err, external.ErrPaymentGateway):
		status = http.StatusBadGateway
	case errors.Is(err, telemetry.ErrThrottled):
		status = http.StatusTooManyRequests
	case errors.Is(err, lockstore.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, seatlock.ErrInvalidSeat),
		errors.Is(err, seatlock.ErrInvalidRequest),
		errors.Is(err, telemetry.ErrInvalidSample),
		errors.Is(err, fanout.ErrInvalidChannel):
		status = http.StatusBadRequest
	case errors.Is(err, inventory.ErrUnknownTrip),
		errors.Is(err, booking.ErrTicketNotFound),
		errors.Is(err, fanout.ErrUnknownConnection):
		status = http.StatusNotFound
	}

	log := logger.WithContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Error(msg, "error", err, "status", status)
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	log.Debug(msg, "error", err, "status", status)
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	slog.Debug("Invalid request body", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
