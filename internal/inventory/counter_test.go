package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatline/internal/lockstore"
	"seatline/internal/logger"
	"seatline/internal/models"
)

type stubTrips struct {
	trips map[string]*models.Trip
	calls atomic.Int32
}

func (s *stubTrips) LoadTrip(_ context.Context, tripID string) (*models.Trip, error) {
	s.calls.Add(1)
	if t, ok := s.trips[tripID]; ok {
		return t, nil
	}
	return nil, nil
}

func newTestCounter(t *testing.T, trips TripLoader) (*Counter, *lockstore.Store, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := lockstore.New(rdb, "test")
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewCounter(store, trips, clk, logger.Discard()), store, clk
}

func TestEnsureLoadsFromPersistence(t *testing.T) {
	trips := &stubTrips{trips: map[string]*models.Trip{
		"trip-1": {ID: "trip-1", Capacity: 40, Available: 37},
	}}
	c, _, _ := newTestCounter(t, trips)
	ctx := context.Background()

	counts, err := c.Ensure(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, lockstore.Counts{Capacity: 40, Available: 37}, counts)

	_, err = c.Ensure(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), trips.calls.Load())

	_, err = c.Ensure(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownTrip)
}

func TestDecrementIncrementBounds(t *testing.T) {
	c, _, _ := newTestCounter(t, nil)
	ctx := context.Background()

	_, err := c.Init(ctx, "trip", 3, 1)
	require.NoError(t, err)

	counts, err := c.Decrement(ctx, "trip", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Available)

	_, err = c.Decrement(ctx, "trip", 1)
	assert.ErrorIs(t, err, ErrInsufficientSeats)

	counts, err = c.Increment(ctx, "trip", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Available)

	_, err = c.Increment(ctx, "trip", 1)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = c.Decrement(ctx, "trip", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = c.Decrement(ctx, "nope", 1)
	assert.ErrorIs(t, err, ErrUnknownTrip)

	_, err = c.Init(ctx, "bad", 2, 3)
	assert.Error(t, err)
}

func TestConcurrentDecrementsStopAtZero(t *testing.T) {
	c, _, _ := newTestCounter(t, nil)
	ctx := context.Background()

	_, err := c.Init(ctx, "trip", 10, 10)
	require.NoError(t, err)

	var ok, refused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Decrement(ctx, "trip", 1)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientSeats):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(15), refused.Load())

	a, err := c.Availability(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Available)
}

func TestAvailabilitySubtractsLiveHolds(t *testing.T) {
	c, store, clk := newTestCounter(t, nil)
	ctx := context.Background()

	_, err := c.Init(ctx, "trip", 40, 40)
	require.NoError(t, err)

	now := clk.Now()
	_, _, err = store.Acquire(ctx, &models.SeatLock{
		ID: "l1", TripID: "trip", SeatNumber: 1, UserID: "u", SessionID: "s",
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}, now)
	require.NoError(t, err)

	a, err := c.Availability(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, 40, a.Available)
	assert.Equal(t, 1, a.Held)
	assert.Equal(t, 39, a.Displayed)

	clk.Advance(time.Minute)
	a, err = c.Availability(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Held)
	assert.Equal(t, 40, a.Displayed)
}
