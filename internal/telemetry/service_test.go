package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatline/internal/logger"
	"seatline/internal/models"
)

type recorded struct {
	channel string
	typ     models.EventType
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Broadcast(channel string, eventType models.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{channel, eventType, payload})
}

func (r *recorder) channelsFor(t models.EventType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.typ == t {
			out = append(out, e.channel)
		}
	}
	return out
}

func newTestService() (*Service, *recorder, func(time.Duration)) {
	th, clk := newTestThrottle()
	rec := &recorder{}
	return NewService(th, rec, clk, logger.Discard()), rec, clk.Advance
}

func TestSubmitPositionBroadcasts(t *testing.T) {
	svc, rec, _ := newTestService()
	s := sample(45)
	s.RouteID = "r-7"

	d, err := svc.SubmitPosition(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	assert.ElementsMatch(t,
		[]string{"vehicle:V15", "trip:trip-1", "route:r-7", "admin"},
		rec.channelsFor(models.EventBusLocationUpdated))
	assert.Empty(t, rec.channelsFor(models.EventScheduleStatusChanged))
}

func TestSubmitPositionThrottled(t *testing.T) {
	svc, rec, advance := newTestService()
	ctx := context.Background()

	_, err := svc.SubmitPosition(ctx, sample(45))
	require.NoError(t, err)
	advance(4 * time.Second)

	_, err = svc.SubmitPosition(ctx, sample(45))
	require.ErrorIs(t, err, ErrThrottled)

	var throttled *ThrottledError
	require.True(t, errors.As(err, &throttled))
	assert.Equal(t, 6, throttled.Event.RetryAfterSeconds)
	assert.True(t, throttled.Event.Moving)
	assert.Equal(t, "V15", throttled.Event.VehicleID)

	assert.Len(t, rec.channelsFor(models.EventBusLocationUpdated), 3)
}

func TestStatusAndDelayEvents(t *testing.T) {
	svc, rec, advance := newTestService()
	ctx := context.Background()

	s := sample(0)
	s.Status = "boarding"
	_, err := svc.SubmitPosition(ctx, s)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "trip:trip-1"}, rec.channelsFor(models.EventScheduleStatusChanged))

	advance(61 * time.Second)
	s.Status = "delayed"
	s.DelayMinutes = 15
	_, err = svc.SubmitPosition(ctx, s)
	require.NoError(t, err)
	assert.Len(t, rec.channelsFor(models.EventScheduleStatusChanged), 4)
	assert.ElementsMatch(t, []string{"trip:trip-1", "admin"}, rec.channelsFor(models.EventDelayNotification))

	// same delay reported again is not a new notification
	advance(61 * time.Second)
	_, err = svc.SubmitPosition(ctx, s)
	require.NoError(t, err)
	assert.Len(t, rec.channelsFor(models.EventDelayNotification), 2)
}

func TestSubmitPositionValidation(t *testing.T) {
	svc, _, _ := newTestService()

	bad := sample(10)
	bad.Latitude = 91
	_, err := svc.SubmitPosition(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidSample)

	bad = sample(-1)
	_, err = svc.SubmitPosition(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidSample)

	bad = sample(1)
	bad.VehicleID = " "
	_, err = svc.SubmitPosition(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidSample)
}

func TestChannelSnapshot(t *testing.T) {
	svc, _, _ := newTestService()

	_, _, ok := svc.ChannelSnapshot("vehicle:V15")
	assert.False(t, ok)

	_, err := svc.SubmitPosition(context.Background(), sample(45))
	require.NoError(t, err)

	typ, payload, ok := svc.ChannelSnapshot("vehicle:V15")
	require.True(t, ok)
	assert.Equal(t, models.EventBusLocationUpdated, typ)
	assert.Equal(t, 45.0, payload.(models.BusLocationUpdatedEvent).SpeedKmh)

	_, _, ok = svc.ChannelSnapshot("trip:trip-1")
	assert.False(t, ok)
}
