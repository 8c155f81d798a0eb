// Package lockstore keeps seat locks, booked seats and trip inventory in Redis.
// Every state transition runs as a single Lua script so that concurrent
// callers on any number of instances observe one linear history.
package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when Redis cannot be reached. Callers must treat
// it as a refusal and never as permission to proceed.
var ErrUnavailable = errors.New("lock store unavailable")

// Outcome is the domain result of a script. Infrastructure problems are
// reported separately as errors.
type Outcome string

const (
	OutcomeOK           Outcome = "OK"
	OutcomeHeld         Outcome = "HELD"
	OutcomeLocked       Outcome = "LOCKED"
	OutcomeBooked       Outcome = "BOOKED"
	OutcomeUserHolding  Outcome = "USER_HOLDING"
	OutcomeGone         Outcome = "GONE"
	OutcomeLive         Outcome = "LIVE"
	OutcomeExpired      Outcome = "EXPIRED"
	OutcomeNotOwned     Outcome = "NOT_OWNED"
	OutcomeInsufficient Outcome = "INSUFFICIENT"
	OutcomeOverCapacity Outcome = "OVER_CAPACITY"
	OutcomeUnknownTrip  Outcome = "UNKNOWN_TRIP"
	OutcomeExists       Outcome = "EXISTS"
	OutcomeRestored     Outcome = "RESTORED"
	OutcomeNoop         Outcome = "NOOP"
)

// Store is the Redis-backed lock store. It is safe for concurrent use.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// New wraps an existing client. An empty prefix defaults to "seatline".
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "seatline"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return unavailable(s.rdb.Ping(ctx).Err())
}

func (s *Store) seatKey(tripID string, seat int) string {
	return s.prefix + ":lock:" + tripID + ":seat:" + strconv.Itoa(seat)
}

func (s *Store) holderKey(tripID, userID string) string {
	return s.prefix + ":lock:" + tripID + ":user:" + userID
}

func (s *Store) recordsKey() string { return s.prefix + ":locks" }

func (s *Store) expiryKey() string { return s.prefix + ":locks:expiry" }

func (s *Store) holdsKey(tripID string) string { return s.prefix + ":trip:" + tripID + ":holds" }

func (s *Store) bookedKey(tripID string) string { return s.prefix + ":trip:" + tripID + ":booked" }

func (s *Store) inventoryKey(tripID string) string {
	return s.prefix + ":trip:" + tripID + ":inventory"
}

func (s *Store) sessionKey(userID, sessionID string) string {
	return s.prefix + ":session:" + userID + ":" + sessionID
}

// run executes a script and returns its outcome plus any extra reply fields.
func (s *Store) run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (Outcome, []string, error) {
	reply, err := script.Run(ctx, s.rdb, keys, args...).StringSlice()
	if err != nil {
		return "", nil, unavailable(err)
	}
	if len(reply) == 0 {
		return "", nil, fmt.Errorf("%w: empty script reply", ErrUnavailable)
	}
	return Outcome(reply[0]), reply[1:], nil
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
