// Package telemetry ingests vehicle position samples at an adaptive rate:
// moving vehicles may report more often than stationary ones.
package telemetry

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"seatline/internal/models"
)

// Class is the movement class of a sample.
type Class string

const (
	ClassMoving     Class = "moving"
	ClassStationary Class = "stationary"
)

type Config struct {
	SpeedThresholdKmh  float64
	MovingInterval     time.Duration
	StationaryInterval time.Duration
	Shards             int
}

// Decision is the throttle verdict for one sample.
type Decision struct {
	Accepted   bool
	Class      Class
	RetryAfter time.Duration
	// State is the vehicle state after the decision.
	State models.VehicleState
	// Previous is the state replaced by an accepted sample, if any.
	Previous *models.VehicleState
}

// RetryAfterSeconds rounds the remaining wait up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

type vehicleEntry struct {
	mu       sync.Mutex
	state    *models.VehicleState
	accepted time.Time
}

type vehicleShard struct {
	mu       sync.RWMutex
	vehicles map[string]*vehicleEntry
}

// Throttle enforces a minimum interval between accepted samples per vehicle.
// Decisions for one vehicle are serialised; different vehicles never contend
// beyond their shard lookup.
type Throttle struct {
	cfg    Config
	clock  clockwork.Clock
	shards []*vehicleShard
}

func NewThrottle(cfg Config, clk clockwork.Clock) *Throttle {
	if cfg.SpeedThresholdKmh <= 0 {
		cfg.SpeedThresholdKmh = 10
	}
	if cfg.MovingInterval <= 0 {
		cfg.MovingInterval = 10 * time.Second
	}
	if cfg.StationaryInterval <= 0 {
		cfg.StationaryInterval = 60 * time.Second
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	t := &Throttle{cfg: cfg, clock: clk, shards: make([]*vehicleShard, cfg.Shards)}
	for i := range t.shards {
		t.shards[i] = &vehicleShard{vehicles: make(map[string]*vehicleEntry)}
	}
	return t
}

// Classify puts a speed into its movement class. Exactly the threshold is
// stationary.
func (t *Throttle) Classify(speedKmh float64) Class {
	if speedKmh > t.cfg.SpeedThresholdKmh {
		return ClassMoving
	}
	return ClassStationary
}

func (t *Throttle) interval(c Class) time.Duration {
	if c == ClassMoving {
		return t.cfg.MovingInterval
	}
	return t.cfg.StationaryInterval
}

func (t *Throttle) entry(vehicleID string, create bool) *vehicleEntry {
	f := fnv.New32a()
	_, _ = f.Write([]byte(vehicleID))
	s := t.shards[f.Sum32()%uint32(len(t.shards))]

	s.mu.RLock()
	e := s.vehicles[vehicleID]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.vehicles[vehicleID]; e == nil {
		e = &vehicleEntry{}
		s.vehicles[vehicleID] = e
	}
	return e
}

// Submit decides on a sample using the server receive time. The first sample
// of a vehicle is always accepted; later ones must wait the interval of the
// incoming sample's class since the last accepted one.
func (t *Throttle) Submit(sample models.PositionSample) Decision {
	now := t.clock.Now()
	class := t.Classify(sample.SpeedKmh)

	e := t.entry(sample.VehicleID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != nil {
		if wait := t.interval(class) - now.Sub(e.accepted); wait > 0 {
			return Decision{Class: class, RetryAfter: wait, State: *e.state}
		}
	}

	var previous *models.VehicleState
	if e.state != nil {
		prev := *e.state
		previous = &prev
	}
	e.state = &models.VehicleState{
		VehicleID:    sample.VehicleID,
		TripID:       sample.TripID,
		RouteID:      sample.RouteID,
		Latitude:     sample.Latitude,
		Longitude:    sample.Longitude,
		SpeedKmh:     sample.SpeedKmh,
		Status:       sample.Status,
		DelayMinutes: sample.DelayMinutes,
		Moving:       class == ClassMoving,
		UpdatedAt:    now,
	}
	e.accepted = now

	return Decision{Accepted: true, Class: class, State: *e.state, Previous: previous}
}

// State returns the last accepted state of a vehicle.
func (t *Throttle) State(vehicleID string) (models.VehicleState, bool) {
	e := t.entry(vehicleID, false)
	if e == nil {
		return models.VehicleState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return models.VehicleState{}, false
	}
	return *e.state, true
}
