// Package seatlock grants short-lived exclusive holds on trip seats and turns
// them into bookings.
package seatlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"seatline/internal/fanout"
	"seatline/internal/inventory"
	"seatline/internal/lockstore"
	"seatline/internal/metrics"
	"seatline/internal/models"
)

// Broadcaster delivers an event to every subscriber of a channel.
type Broadcaster interface {
	Broadcast(channel string, eventType models.EventType, payload any)
}

// Inventory is the part of the inventory counter the manager reads.
type Inventory interface {
	Ensure(ctx context.Context, tripID string) (lockstore.Counts, error)
	Availability(ctx context.Context, tripID string) (*models.Availability, error)
}

type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	SweepBatch int
}

// AcquireRequest asks for a hold on one seat. A zero TTL means the default.
type AcquireRequest struct {
	TripID     string
	SeatNumber int
	UserID     string
	SessionID  string
	TTL        time.Duration
}

// Conversion is a lock that has been turned into a booked seat.
type Conversion struct {
	Lock     *models.SeatLock
	TicketID string
	Counts   lockstore.Counts
}

type Manager struct {
	store       *lockstore.Store
	inventory   Inventory
	broadcaster Broadcaster
	clock       clockwork.Clock
	cfg         Config
	logger      *slog.Logger
}

func NewManager(store *lockstore.Store, inv Inventory, b Broadcaster, clk clockwork.Clock, cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 120 * time.Second
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	return &Manager{
		store:       store,
		inventory:   inv,
		broadcaster: b,
		clock:       clk,
		cfg:         cfg,
		logger:      logger,
	}
}

// AcquireLock takes an exclusive hold on a seat. Racing callers for the same
// seat get exactly one winner; the rest fail immediately with
// ErrSeatAlreadyLocked. Re-acquiring a seat the user already holds returns
// the existing lock unchanged.
func (m *Manager) AcquireLock(ctx context.Context, req AcquireRequest) (*models.SeatLock, error) {
	if req.TripID == "" || req.UserID == "" || req.SeatNumber < 1 {
		return nil, ErrInvalidRequest
	}

	if m.inventory != nil {
		counts, err := m.inventory.Ensure(ctx, req.TripID)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return nil, err
		}
		if req.SeatNumber > counts.Capacity {
			metrics.LockAcquisitions.WithLabelValues("invalid").Inc()
			return nil, ErrInvalidSeat
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	lock := &models.SeatLock{
		ID:         uuid.NewString(),
		TripID:     req.TripID,
		SeatNumber: req.SeatNumber,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Token:      token,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	outcome, stored, err := m.store.Acquire(ctx, lock, now)
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		m.logger.Error("Failed to acquire seat lock", "trip_id", req.TripID, "seat", req.SeatNumber, "error", err)
		return nil, err
	}
	metrics.LockAcquisitions.WithLabelValues(strings.ToLower(string(outcome))).Inc()

	switch outcome {
	case lockstore.OutcomeOK:
	case lockstore.OutcomeHeld:
		return stored, nil
	case lockstore.OutcomeLocked:
		return nil, ErrSeatAlreadyLocked
	case lockstore.OutcomeBooked:
		return nil, ErrSeatAlreadyBooked
	case lockstore.OutcomeUserHolding:
		return nil, ErrUserAlreadyHoldingSeat
	default:
		return nil, fmt.Errorf("unexpected acquire outcome %q", outcome)
	}

	m.logger.Info("Seat locked",
		"lock_id", stored.ID, "trip_id", stored.TripID, "seat", stored.SeatNumber,
		"user_id", stored.UserID, "expires_at", stored.ExpiresAt)

	m.broadcast(stored.TripID, models.EventSeatLocked, models.SeatLockedEvent{
		TripID:     stored.TripID,
		SeatNumber: stored.SeatNumber,
		LockID:     stored.ID,
		ExpiresAt:  stored.ExpiresAt,
		Timestamp:  now,
	})
	m.publishAvailability(ctx, stored.TripID)

	return stored, nil
}

// ReleaseLock ends a hold owned by userID. Releasing a lock that no longer
// exists succeeds.
func (m *Manager) ReleaseLock(ctx context.Context, lockID, userID string) error {
	if userID == "" {
		return ErrLockNotOwned
	}
	outcome, lock, err := m.store.Release(ctx, lockID, userID, "", m.clock.Now())
	if err != nil {
		return err
	}
	return m.afterRelease(ctx, outcome, lock, models.ReleaseReasonUser)
}

// ReleaseLockByToken ends the hold on a seat when token matches it.
func (m *Manager) ReleaseLockByToken(ctx context.Context, tripID string, seatNumber int, token string) error {
	if token == "" {
		return ErrLockNotOwned
	}
	lockID, err := m.store.SeatLockID(ctx, tripID, seatNumber)
	if err != nil {
		return err
	}
	if lockID == "" {
		return nil
	}
	outcome, lock, err := m.store.Release(ctx, lockID, "", token, m.clock.Now())
	if err != nil {
		return err
	}
	return m.afterRelease(ctx, outcome, lock, models.ReleaseReasonUser)
}

// ReleaseAllLocksForSession ends every hold taken in a session and returns
// how many were removed by this call.
func (m *Manager) ReleaseAllLocksForSession(ctx context.Context, userID, sessionID string) (int, error) {
	ids, err := m.store.SessionLockIDs(ctx, userID, sessionID)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		outcome, lock, err := m.store.Release(ctx, id, userID, "", m.clock.Now())
		if err != nil {
			return released, err
		}
		if err := m.afterRelease(ctx, outcome, lock, models.ReleaseReasonSession); err != nil {
			m.logger.Warn("Session lock not released", "lock_id", id, "error", err)
			continue
		}
		if outcome == lockstore.OutcomeOK || outcome == lockstore.OutcomeExpired {
			released++
		}
	}

	if released > 0 {
		m.logger.Info("Released session locks", "user_id", userID, "session_id", sessionID, "count", released)
	}
	return released, nil
}

func (m *Manager) afterRelease(ctx context.Context, outcome lockstore.Outcome, lock *models.SeatLock, reason string) error {
	switch outcome {
	case lockstore.OutcomeGone:
		return nil
	case lockstore.OutcomeNotOwned:
		return ErrLockNotOwned
	case lockstore.OutcomeOK:
	case lockstore.OutcomeExpired:
		reason = models.ReleaseReasonExpired
	default:
		return fmt.Errorf("unexpected release outcome %q", outcome)
	}

	m.emitReleased(ctx, lock, reason)
	return nil
}

// SweepExpiredLocks removes locks whose expiry has passed and emits one
// release event per lock. Several instances may sweep at once; each lock is
// reported by exactly one of them.
func (m *Manager) SweepExpiredLocks(ctx context.Context) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	now := m.clock.Now()
	swept := 0
	for {
		ids, err := m.store.ExpiredLockIDs(ctx, now, m.cfg.SweepBatch)
		if err != nil {
			return swept, err
		}

		for _, id := range ids {
			outcome, lock, err := m.store.Reap(ctx, id, now)
			if err != nil {
				return swept, err
			}
			if outcome == lockstore.OutcomeExpired {
				m.emitReleased(ctx, lock, models.ReleaseReasonExpired)
				swept++
			}
		}

		if len(ids) < m.cfg.SweepBatch {
			return swept, nil
		}
		if err := ctx.Err(); err != nil {
			return swept, err
		}
	}
}

// GetLock returns a live lock or nil.
func (m *Manager) GetLock(ctx context.Context, lockID string) (*models.SeatLock, error) {
	lock, err := m.store.Get(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if lock == nil || !lock.LiveAt(m.clock.Now()) {
		return nil, nil
	}
	return lock, nil
}

// ConvertLockToBooking removes a live lock owned by userID, records the seat
// against ticketID and takes one seat off the trip inventory, all at once.
// On any error nothing has changed.
func (m *Manager) ConvertLockToBooking(ctx context.Context, lockID, userID, ticketID string) (*Conversion, error) {
	outcome, lock, counts, err := m.store.Convert(ctx, lockID, userID, ticketID, m.clock.Now())
	if err != nil {
		return nil, err
	}

	if outcome == lockstore.OutcomeUnknownTrip && m.inventory != nil && lock != nil {
		if _, err := m.inventory.Ensure(ctx, lock.TripID); err != nil {
			return nil, err
		}
		outcome, lock, counts, err = m.store.Convert(ctx, lockID, userID, ticketID, m.clock.Now())
		if err != nil {
			return nil, err
		}
	}

	switch outcome {
	case lockstore.OutcomeOK:
		return &Conversion{Lock: lock, TicketID: ticketID, Counts: counts}, nil
	case lockstore.OutcomeGone, lockstore.OutcomeExpired:
		return nil, ErrLockExpired
	case lockstore.OutcomeNotOwned:
		return nil, ErrLockNotOwned
	case lockstore.OutcomeBooked:
		return nil, ErrSeatAlreadyBooked
	default:
		return nil, inventory.OutcomeError(outcome)
	}
}

// RevertConversion undoes a conversion whose ticket could not be stored. The
// lock comes back if its expiry has not passed; otherwise the seat is free.
func (m *Manager) RevertConversion(ctx context.Context, conv *Conversion) error {
	outcome, unbooked, err := m.store.Revert(ctx, conv.Lock, conv.TicketID, m.clock.Now())
	if err != nil {
		return err
	}
	m.logger.Warn("Reverted seat conversion",
		"lock_id", conv.Lock.ID, "ticket_id", conv.TicketID, "outcome", outcome, "unbooked", unbooked)

	if outcome == lockstore.OutcomeExpired {
		m.emitReleased(ctx, conv.Lock, models.ReleaseReasonExpired)
	}
	return nil
}

func (m *Manager) emitReleased(ctx context.Context, lock *models.SeatLock, reason string) {
	metrics.LockReleases.WithLabelValues(reason).Inc()
	m.logger.Info("Seat lock released", "lock_id", lock.ID, "trip_id", lock.TripID, "seat", lock.SeatNumber, "reason", reason)

	m.broadcast(lock.TripID, models.EventSeatLockReleased, models.SeatLockReleasedEvent{
		TripID:     lock.TripID,
		SeatNumber: lock.SeatNumber,
		LockID:     lock.ID,
		Reason:     reason,
		Timestamp:  m.clock.Now(),
	})
	m.publishAvailability(ctx, lock.TripID)
}

func (m *Manager) publishAvailability(ctx context.Context, tripID string) {
	if m.inventory == nil {
		return
	}
	a, err := m.inventory.Availability(ctx, tripID)
	if err != nil {
		if !errors.Is(err, inventory.ErrUnknownTrip) {
			m.logger.Warn("Failed to read availability", "trip_id", tripID, "error", err)
		}
		return
	}
	m.broadcast(tripID, models.EventAvailabilityChanged, models.AvailabilityChangedEvent{
		TripID:    tripID,
		Capacity:  a.Capacity,
		Available: a.Available,
		Held:      a.Held,
		Displayed: a.Displayed,
		Timestamp: m.clock.Now(),
	})
}

func (m *Manager) broadcast(tripID string, eventType models.EventType, payload any) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Broadcast(fanout.TripChannel(tripID), eventType, payload)
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
