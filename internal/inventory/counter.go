// Package inventory maintains the per-trip available seat counter.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"seatline/internal/lockstore"
	"seatline/internal/models"
)

var (
	ErrInsufficientSeats = errors.New("insufficient seats available")
	ErrCapacityExceeded  = errors.New("available seats would exceed capacity")
	ErrUnknownTrip       = errors.New("trip not found")
	ErrInvalidAmount     = errors.New("seat count must be positive")
)

// TripLoader reads a trip from the persistence collaborator.
type TripLoader interface {
	LoadTrip(ctx context.Context, tripID string) (*models.Trip, error)
}

// Counter keeps 0 <= available <= capacity for every trip. All changes are
// single Lua scripts in the lock store.
type Counter struct {
	store  *lockstore.Store
	trips  TripLoader
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewCounter(store *lockstore.Store, trips TripLoader, clk clockwork.Clock, logger *slog.Logger) *Counter {
	return &Counter{store: store, trips: trips, clock: clk, logger: logger}
}

// Ensure initialises the counter for tripID from persistence when it is not
// in the store yet. Concurrent callers agree on whichever value was set first.
func (c *Counter) Ensure(ctx context.Context, tripID string) (lockstore.Counts, error) {
	counts, _, found, err := c.store.InventorySnapshot(ctx, tripID, c.clock.Now())
	if err != nil {
		return lockstore.Counts{}, err
	}
	if found {
		return counts, nil
	}

	if c.trips == nil {
		return lockstore.Counts{}, ErrUnknownTrip
	}
	trip, err := c.trips.LoadTrip(ctx, tripID)
	if err != nil {
		return lockstore.Counts{}, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if trip == nil {
		return lockstore.Counts{}, ErrUnknownTrip
	}
	return c.Init(ctx, tripID, trip.Capacity, trip.Available)
}

// Init sets the counter if absent and returns the stored counts.
func (c *Counter) Init(ctx context.Context, tripID string, capacity, available int) (lockstore.Counts, error) {
	if capacity < 0 || available < 0 || available > capacity {
		return lockstore.Counts{}, fmt.Errorf("invalid inventory %d/%d for trip %s", available, capacity, tripID)
	}
	outcome, counts, err := c.store.InitInventory(ctx, tripID, capacity, available)
	if err != nil {
		return lockstore.Counts{}, err
	}
	if outcome == lockstore.OutcomeOK {
		c.logger.Info("Initialized trip inventory", "trip_id", tripID, "capacity", capacity, "available", available)
	}
	return counts, nil
}

// Decrement takes n seats off the trip, failing without effect when fewer
// than n are available.
func (c *Counter) Decrement(ctx context.Context, tripID string, n int) (lockstore.Counts, error) {
	if n <= 0 {
		return lockstore.Counts{}, ErrInvalidAmount
	}
	return c.adjust(ctx, tripID, -n)
}

// Increment returns n seats to the trip, failing without effect when that
// would exceed capacity.
func (c *Counter) Increment(ctx context.Context, tripID string, n int) (lockstore.Counts, error) {
	if n <= 0 {
		return lockstore.Counts{}, ErrInvalidAmount
	}
	return c.adjust(ctx, tripID, n)
}

func (c *Counter) adjust(ctx context.Context, tripID string, delta int) (lockstore.Counts, error) {
	outcome, counts, err := c.store.AdjustInventory(ctx, tripID, delta)
	if err != nil {
		return lockstore.Counts{}, err
	}
	return counts, OutcomeError(outcome)
}

// Availability returns the counter together with the live holds. Displayed
// never advertises a held seat.
func (c *Counter) Availability(ctx context.Context, tripID string) (*models.Availability, error) {
	if _, err := c.Ensure(ctx, tripID); err != nil {
		return nil, err
	}
	counts, held, found, err := c.store.InventorySnapshot(ctx, tripID, c.clock.Now())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownTrip
	}
	return NewAvailability(tripID, counts, held), nil
}

// NewAvailability builds the public view of a trip's counts.
func NewAvailability(tripID string, counts lockstore.Counts, held int) *models.Availability {
	displayed := counts.Available - held
	if displayed < 0 {
		displayed = 0
	}
	return &models.Availability{
		TripID:    tripID,
		Capacity:  counts.Capacity,
		Available: counts.Available,
		Held:      held,
		Displayed: displayed,
	}
}

// OutcomeError maps inventory related script outcomes to errors.
func OutcomeError(o lockstore.Outcome) error {
	switch o {
	case lockstore.OutcomeOK, lockstore.OutcomeExists:
		return nil
	case lockstore.OutcomeInsufficient:
		return ErrInsufficientSeats
	case lockstore.OutcomeOverCapacity:
		return ErrCapacityExceeded
	case lockstore.OutcomeUnknownTrip:
		return ErrUnknownTrip
	default:
		return fmt.Errorf("unexpected inventory outcome %q", o)
	}
}
