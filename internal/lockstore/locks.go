package lockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"seatline/internal/models"
)

type record struct {
	ID          string `json:"id"`
	TripID      string `json:"trip_id"`
	Seat        int    `json:"seat"`
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	Token       string `json:"token"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

func toRecord(l *models.SeatLock) record {
	return record{
		ID:          l.ID,
		TripID:      l.TripID,
		Seat:        l.SeatNumber,
		UserID:      l.UserID,
		SessionID:   l.SessionID,
		Token:       l.Token,
		CreatedAtMs: l.CreatedAt.UnixMilli(),
		ExpiresAtMs: l.ExpiresAt.UnixMilli(),
	}
}

func (r record) lock() *models.SeatLock {
	return &models.SeatLock{
		ID:         r.ID,
		TripID:     r.TripID,
		SeatNumber: r.Seat,
		UserID:     r.UserID,
		SessionID:  r.SessionID,
		Token:      r.Token,
		CreatedAt:  time.UnixMilli(r.CreatedAtMs).UTC(),
		ExpiresAt:  time.UnixMilli(r.ExpiresAtMs).UTC(),
	}
}

func decodeLock(raw string) (*models.SeatLock, error) {
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode lock record: %w", err)
	}
	return r.lock(), nil
}

// Counts is the inventory of one trip.
type Counts struct {
	Capacity  int
	Available int
}

func parseCounts(fields []string) Counts {
	var c Counts
	if len(fields) >= 2 {
		c.Available, _ = strconv.Atoi(fields[0])
		c.Capacity, _ = strconv.Atoi(fields[1])
	}
	return c
}

// lockKeys returns the keys every lock script touches, in script order:
// records, seat, holder, expiry, holds, session.
func (s *Store) lockKeys(l *models.SeatLock) []string {
	return []string{
		s.recordsKey(),
		s.seatKey(l.TripID, l.SeatNumber),
		s.holderKey(l.TripID, l.UserID),
		s.expiryKey(),
		s.holdsKey(l.TripID),
		s.sessionKey(l.UserID, l.SessionID),
	}
}

// Acquire stores lock unless the seat is booked or live-locked, or the user
// already holds another live seat on the trip. When the caller already holds
// this seat the existing lock is returned with OutcomeHeld.
func (s *Store) Acquire(ctx context.Context, l *models.SeatLock, now time.Time) (Outcome, *models.SeatLock, error) {
	ttl := l.ExpiresAt.Sub(now).Milliseconds()
	if ttl <= 0 {
		return "", nil, fmt.Errorf("lock %s already expired at acquire time", l.ID)
	}
	raw, err := json.Marshal(toRecord(l))
	if err != nil {
		return "", nil, fmt.Errorf("encode lock record: %w", err)
	}

	keys := []string{
		s.seatKey(l.TripID, l.SeatNumber),
		s.holderKey(l.TripID, l.UserID),
		s.recordsKey(),
		s.expiryKey(),
		s.holdsKey(l.TripID),
		s.sessionKey(l.UserID, l.SessionID),
		s.bookedKey(l.TripID),
	}
	outcome, fields, err := s.run(ctx, acquireScript, keys,
		l.ID, string(raw), l.SeatNumber, now.UnixMilli(), ttl, l.ExpiresAt.UnixMilli(), l.UserID)
	if err != nil {
		return "", nil, err
	}

	switch outcome {
	case OutcomeOK, OutcomeHeld:
		stored, err := decodeLock(fields[0])
		if err != nil {
			return "", nil, err
		}
		return outcome, stored, nil
	default:
		return outcome, nil, nil
	}
}

// Get returns the stored lock regardless of expiry, or nil when there is none.
func (s *Store) Get(ctx context.Context, lockID string) (*models.SeatLock, error) {
	raw, err := s.rdb.HGet(ctx, s.recordsKey(), lockID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeLock(raw)
}

// SeatLockID returns the id stored on the seat key, or "" when the seat is free.
func (s *Store) SeatLockID(ctx context.Context, tripID string, seat int) (string, error) {
	id, err := s.rdb.Get(ctx, s.seatKey(tripID, seat)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, unavailable(err)
}

// Release removes a lock when the given user and token (either may be empty)
// match the stored lock. A foreign live lock yields OutcomeNotOwned, a missing
// one OutcomeGone. OutcomeOK or OutcomeExpired mean this call removed it.
func (s *Store) Release(ctx context.Context, lockID, userID, token string, now time.Time) (Outcome, *models.SeatLock, error) {
	return s.remove(ctx, lockID, userID, token, "release", now)
}

// Reap removes a lock only when it has expired. Exactly one concurrent caller
// receives OutcomeExpired for a given lock.
func (s *Store) Reap(ctx context.Context, lockID string, now time.Time) (Outcome, *models.SeatLock, error) {
	return s.remove(ctx, lockID, "", "", "reap", now)
}

func (s *Store) remove(ctx context.Context, lockID, userID, token, mode string, now time.Time) (Outcome, *models.SeatLock, error) {
	l, err := s.Get(ctx, lockID)
	if err != nil {
		return "", nil, err
	}
	if l == nil {
		if mode == "reap" {
			if err := s.rdb.ZRem(ctx, s.expiryKey(), lockID).Err(); err != nil {
				return "", nil, unavailable(err)
			}
		}
		return OutcomeGone, nil, nil
	}

	outcome, _, err := s.run(ctx, removeScript, s.lockKeys(l), lockID, token, userID, mode, now.UnixMilli())
	if err != nil {
		return "", nil, err
	}
	return outcome, l, nil
}

// ExpiredLockIDs lists up to limit lock ids whose expiry is at or before now.
func (s *Store) ExpiredLockIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	return ids, unavailable(err)
}

// SessionLockIDs lists the lock ids recorded for a user session.
func (s *Store) SessionLockIDs(ctx context.Context, userID, sessionID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.sessionKey(userID, sessionID)).Result()
	return ids, unavailable(err)
}

// Convert turns a live lock owned by userID into a booked seat and takes one
// seat off the trip inventory. Nothing changes unless the outcome is OK.
func (s *Store) Convert(ctx context.Context, lockID, userID, ticketID string, now time.Time) (Outcome, *models.SeatLock, Counts, error) {
	l, err := s.Get(ctx, lockID)
	if err != nil {
		return "", nil, Counts{}, err
	}
	if l == nil {
		return OutcomeGone, nil, Counts{}, nil
	}

	keys := append(s.lockKeys(l), s.bookedKey(l.TripID), s.inventoryKey(l.TripID))
	outcome, fields, err := s.run(ctx, convertScript, keys, lockID, userID, ticketID, now.UnixMilli(), l.SeatNumber)
	if err != nil {
		return "", nil, Counts{}, err
	}
	return outcome, l, parseCounts(fields), nil
}

// Revert undoes Convert for the given ticket. The booked seat is returned to
// inventory when it still belongs to ticketID, and the lock is restored when
// its original expiry has not passed and nobody took the seat meanwhile.
// It reports OutcomeRestored or OutcomeExpired and whether a seat was un-booked.
func (s *Store) Revert(ctx context.Context, l *models.SeatLock, ticketID string, now time.Time) (Outcome, bool, error) {
	raw, err := json.Marshal(toRecord(l))
	if err != nil {
		return "", false, fmt.Errorf("encode lock record: %w", err)
	}
	keys := append(s.lockKeys(l), s.bookedKey(l.TripID), s.inventoryKey(l.TripID))
	outcome, fields, err := s.run(ctx, revertScript, keys,
		l.ID, string(raw), ticketID, now.UnixMilli(), l.SeatNumber, l.ExpiresAt.UnixMilli())
	if err != nil {
		return "", false, err
	}
	return outcome, len(fields) > 0 && fields[0] == "1", nil
}

// CancelBooked frees a booked seat and returns it to inventory, but only when
// the seat is still recorded against ticketID. Repeats yield OutcomeNoop.
func (s *Store) CancelBooked(ctx context.Context, tripID string, seat int, ticketID string) (Outcome, Counts, error) {
	keys := []string{s.bookedKey(tripID), s.inventoryKey(tripID)}
	outcome, fields, err := s.run(ctx, cancelBookedScript, keys, seat, ticketID)
	if err != nil {
		return "", Counts{}, err
	}
	return outcome, parseCounts(fields), nil
}

// BookedTicket returns the ticket id recorded for a seat, or "".
func (s *Store) BookedTicket(ctx context.Context, tripID string, seat int) (string, error) {
	id, err := s.rdb.HGet(ctx, s.bookedKey(tripID), strconv.Itoa(seat)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, unavailable(err)
}
