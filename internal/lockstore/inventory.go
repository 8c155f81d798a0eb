package lockstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// InitInventory creates the trip counter if it does not exist yet. With
// OutcomeExists the returned counts are the ones already stored.
func (s *Store) InitInventory(ctx context.Context, tripID string, capacity, available int) (Outcome, Counts, error) {
	outcome, fields, err := s.run(ctx, initInventoryScript, []string{s.inventoryKey(tripID)}, capacity, available)
	if err != nil {
		return "", Counts{}, err
	}
	return outcome, parseCounts(fields), nil
}

// AdjustInventory adds delta to the available count, refusing to leave the
// range [0, capacity].
func (s *Store) AdjustInventory(ctx context.Context, tripID string, delta int) (Outcome, Counts, error) {
	outcome, fields, err := s.run(ctx, adjustInventoryScript, []string{s.inventoryKey(tripID)}, delta)
	if err != nil {
		return "", Counts{}, err
	}
	return outcome, parseCounts(fields), nil
}

// InventorySnapshot reads the counter and the number of live holds in one
// transaction. found is false when the counter has not been initialised.
func (s *Store) InventorySnapshot(ctx context.Context, tripID string, now time.Time) (counts Counts, held int, found bool, err error) {
	var fields *redis.SliceCmd
	var live *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HMGet(ctx, s.inventoryKey(tripID), "capacity", "available")
		live = pipe.ZCount(ctx, s.holdsKey(tripID), "("+strconv.FormatInt(now.UnixMilli(), 10), "+inf")
		return nil
	})
	if err != nil {
		return Counts{}, 0, false, unavailable(err)
	}

	vals := fields.Val()
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Counts{}, int(live.Val()), false, nil
	}
	counts.Capacity, _ = strconv.Atoi(vals[0].(string))
	counts.Available, _ = strconv.Atoi(vals[1].(string))
	return counts, int(live.Val()), true, nil
}
