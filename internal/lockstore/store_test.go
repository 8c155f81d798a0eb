package lockstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatline/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test"), mr
}

func newLock(id, trip string, seat int, user string, ttl time.Duration) *models.SeatLock {
	return &models.SeatLock{
		ID:         id,
		TripID:     trip,
		SeatNumber: seat,
		UserID:     user,
		SessionID:  "s-" + user,
		Token:      "tok-" + id,
		CreatedAt:  t0,
		ExpiresAt:  t0.Add(ttl),
	}
}

func TestAcquireOutcomes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	outcome, got, err := s.Acquire(ctx, newLock("l1", "trip", 12, "alice", 2*time.Minute), t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, "l1", got.ID)
	assert.Equal(t, t0.Add(2*time.Minute), got.ExpiresAt)

	outcome, _, err = s.Acquire(ctx, newLock("l2", "trip", 12, "bob", 2*time.Minute), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocked, outcome)

	outcome, got, err = s.Acquire(ctx, newLock("l3", "trip", 12, "alice", 2*time.Minute), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, outcome)
	assert.Equal(t, "l1", got.ID)

	outcome, _, err = s.Acquire(ctx, newLock("l4", "trip", 13, "alice", 2*time.Minute), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUserHolding, outcome)

	// another trip is independent
	outcome, _, err = s.Acquire(ctx, newLock("l5", "other", 12, "alice", 2*time.Minute), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
}

func TestAcquireIgnoresExpiredLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Acquire(ctx, newLock("l1", "trip", 12, "alice", 2*time.Minute), t0)
	require.NoError(t, err)

	late := newLock("l2", "trip", 12, "bob", 2*time.Minute)
	late.ExpiresAt = t0.Add(121*time.Second + 2*time.Minute)
	outcome, _, err := s.Acquire(ctx, late, t0.Add(121*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)

	id, err := s.SeatLockID(ctx, "trip", 12)
	require.NoError(t, err)
	assert.Equal(t, "l2", id)
}

func TestReleaseAndReap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Acquire(ctx, newLock("l1", "trip", 1, "alice", time.Minute), t0)
	require.NoError(t, err)

	outcome, _, err := s.Release(ctx, "l1", "bob", "", t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotOwned, outcome)

	outcome, _, err = s.Release(ctx, "l1", "", "wrong-token", t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotOwned, outcome)

	outcome, released, err := s.Release(ctx, "l1", "alice", "", t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, 1, released.SeatNumber)

	outcome, _, err = s.Release(ctx, "l1", "alice", "", t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGone, outcome)

	id, err := s.SeatLockID(ctx, "trip", 1)
	require.NoError(t, err)
	assert.Empty(t, id)

	_, _, err = s.Acquire(ctx, newLock("l2", "trip", 2, "carol", time.Minute), t0)
	require.NoError(t, err)

	outcome, _, err = s.Reap(ctx, "l2", t0.Add(59*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLive, outcome)

	ids, err := s.ExpiredLockIDs(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"l2"}, ids)

	outcome, _, err = s.Reap(ctx, "l2", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)

	outcome, _, err = s.Reap(ctx, "l2", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGone, outcome)

	ids, err = s.ExpiredLockIDs(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSessionLockIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Acquire(ctx, newLock("a", "trip-1", 1, "alice", time.Minute), t0)
	require.NoError(t, err)
	_, _, err = s.Acquire(ctx, newLock("b", "trip-2", 1, "alice", time.Minute), t0)
	require.NoError(t, err)

	ids, err := s.SessionLockIDs(ctx, "alice", "s-alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestConvertAndCancel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Acquire(ctx, newLock("l1", "trip", 5, "alice", time.Minute), t0)
	require.NoError(t, err)

	outcome, _, _, err := s.Convert(ctx, "l1", "alice", "t1", t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownTrip, outcome)

	outcome, _, err = s.InitInventory(ctx, "trip", 40, 40)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)

	outcome, _, _, err = s.Convert(ctx, "l1", "bob", "t1", t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotOwned, outcome)

	outcome, _, _, err = s.Convert(ctx, "l1", "alice", "t1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)

	outcome, l, counts, err := s.Convert(ctx, "l1", "alice", "t1", t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, 5, l.SeatNumber)
	assert.Equal(t, Counts{Capacity: 40, Available: 39}, counts)

	ticket, err := s.BookedTicket(ctx, "trip", 5)
	require.NoError(t, err)
	assert.Equal(t, "t1", ticket)

	outcome, _, err = s.Acquire(ctx, newLock("l2", "trip", 5, "bob", time.Minute), t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBooked, outcome)

	outcome, _, err = s.CancelBooked(ctx, "trip", 5, "other-ticket")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)

	outcome, counts, err = s.CancelBooked(ctx, "trip", 5, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, 40, counts.Available)

	outcome, _, err = s.CancelBooked(ctx, "trip", 5, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
}

func TestConvertInsufficient(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.InitInventory(ctx, "trip", 1, 0)
	require.NoError(t, err)
	_, _, err = s.Acquire(ctx, newLock("l1", "trip", 1, "alice", time.Minute), t0)
	require.NoError(t, err)

	outcome, _, _, err := s.Convert(ctx, "l1", "alice", "t1", t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficient, outcome)

	// the lock survives a refused conversion
	l, err := s.Get(ctx, "l1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, l.LiveAt(t0))
}

func TestRevertRestoresLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.InitInventory(ctx, "trip", 10, 10)
	require.NoError(t, err)
	_, _, err = s.Acquire(ctx, newLock("l1", "trip", 3, "alice", time.Minute), t0)
	require.NoError(t, err)

	_, l, _, err := s.Convert(ctx, "l1", "alice", "t1", t0)
	require.NoError(t, err)

	outcome, unbooked, err := s.Revert(ctx, l, "t1", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestored, outcome)
	assert.True(t, unbooked)

	counts, held, found, err := s.InventorySnapshot(ctx, "trip", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 10, counts.Available)
	assert.Equal(t, 1, held)

	id, err := s.SeatLockID(ctx, "trip", 3)
	require.NoError(t, err)
	assert.Equal(t, "l1", id)
}

func TestRevertAfterExpiryLeavesSeatFree(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.InitInventory(ctx, "trip", 10, 10)
	require.NoError(t, err)
	_, _, err = s.Acquire(ctx, newLock("l1", "trip", 3, "alice", time.Minute), t0)
	require.NoError(t, err)
	_, l, _, err := s.Convert(ctx, "l1", "alice", "t1", t0)
	require.NoError(t, err)

	outcome, unbooked, err := s.Revert(ctx, l, "t1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)
	assert.True(t, unbooked)

	id, err := s.SeatLockID(ctx, "trip", 3)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestInventoryScripts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	outcome, _, err := s.AdjustInventory(ctx, "trip", -1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownTrip, outcome)

	_, _, err = s.InitInventory(ctx, "trip", 2, 2)
	require.NoError(t, err)

	outcome, counts, err := s.InitInventory(ctx, "trip", 99, 99)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExists, outcome)
	assert.Equal(t, Counts{Capacity: 2, Available: 2}, counts)

	outcome, _, err = s.AdjustInventory(ctx, "trip", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOverCapacity, outcome)

	outcome, counts, err = s.AdjustInventory(ctx, "trip", -2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, 0, counts.Available)

	outcome, counts, err = s.AdjustInventory(ctx, "trip", -1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficient, outcome)
	assert.Equal(t, 0, counts.Available)
}

func TestUnavailableWhenRedisDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, _, err := s.Acquire(context.Background(), newLock("l1", "trip", 1, "alice", time.Minute), t0)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.Get(context.Background(), "l1")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.ErrorIs(t, s.Ping(context.Background()), ErrUnavailable)
}
