package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"seatline/internal/fanout"
	"seatline/internal/metrics"
	"seatline/internal/models"
)

var (
	ErrThrottled     = errors.New("position update throttled")
	ErrInvalidSample = errors.New("invalid position sample")
)

// ThrottledError carries the event returned to a throttled vehicle agent.
type ThrottledError struct {
	Event models.UpdateThrottledEvent
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrThrottled, e.Event.RetryAfterSeconds)
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// Broadcaster delivers an event to every subscriber of a channel.
type Broadcaster interface {
	Broadcast(channel string, eventType models.EventType, payload any)
}

type Service struct {
	throttle    *Throttle
	broadcaster Broadcaster
	clock       clockwork.Clock
	logger      *slog.Logger
}

func NewService(throttle *Throttle, b Broadcaster, clk clockwork.Clock, logger *slog.Logger) *Service {
	return &Service{throttle: throttle, broadcaster: b, clock: clk, logger: logger}
}

// SubmitPosition runs a sample through the throttle. Accepted samples update
// the vehicle state and are broadcast; rejected ones return a *ThrottledError.
func (s *Service) SubmitPosition(ctx context.Context, sample models.PositionSample) (*Decision, error) {
	if err := validate(sample); err != nil {
		return nil, err
	}

	d := s.throttle.Submit(sample)
	if !d.Accepted {
		metrics.TelemetryDecisions.WithLabelValues("throttled", string(d.Class)).Inc()
		s.logger.Debug("Position update throttled",
			"vehicle_id", sample.VehicleID, "class", d.Class, "retry_after", d.RetryAfter)
		return &d, &ThrottledError{Event: models.UpdateThrottledEvent{
			VehicleID:         sample.VehicleID,
			RetryAfterSeconds: d.RetryAfterSeconds(),
			Moving:            d.Class == ClassMoving,
			Timestamp:         s.clock.Now(),
		}}
	}
	metrics.TelemetryDecisions.WithLabelValues("accepted", string(d.Class)).Inc()

	st := d.State
	location := models.BusLocationUpdatedEvent{
		VehicleID: st.VehicleID,
		TripID:    st.TripID,
		Latitude:  st.Latitude,
		Longitude: st.Longitude,
		SpeedKmh:  st.SpeedKmh,
		Moving:    st.Moving,
		Timestamp: st.UpdatedAt,
	}
	for _, ch := range s.channels(st, true) {
		s.broadcaster.Broadcast(ch, models.EventBusLocationUpdated, location)
	}

	var prevStatus string
	prevDelay := 0
	if d.Previous != nil {
		prevStatus = d.Previous.Status
		prevDelay = d.Previous.DelayMinutes
	}

	if st.Status != "" && st.Status != prevStatus {
		event := models.ScheduleStatusChangedEvent{
			VehicleID:      st.VehicleID,
			TripID:         st.TripID,
			PreviousStatus: prevStatus,
			Status:         st.Status,
			Timestamp:      st.UpdatedAt,
		}
		for _, ch := range s.scheduleChannels(st) {
			s.broadcaster.Broadcast(ch, models.EventScheduleStatusChanged, event)
		}
		s.logger.Info("Vehicle status changed", "vehicle_id", st.VehicleID, "from", prevStatus, "to", st.Status)
	}

	if st.DelayMinutes > 0 && st.DelayMinutes != prevDelay {
		event := models.DelayNotificationEvent{
			VehicleID:    st.VehicleID,
			TripID:       st.TripID,
			DelayMinutes: st.DelayMinutes,
			Timestamp:    st.UpdatedAt,
		}
		for _, ch := range s.channels(st, false) {
			s.broadcaster.Broadcast(ch, models.EventDelayNotification, event)
		}
	}

	return &d, nil
}

// channels lists the trip, route and admin channels of a state, plus the
// vehicle channel when withVehicle is set.
func (s *Service) channels(st models.VehicleState, withVehicle bool) []string {
	var out []string
	if withVehicle {
		out = append(out, fanout.VehicleChannel(st.VehicleID))
	}
	if st.TripID != "" {
		out = append(out, fanout.TripChannel(st.TripID))
	}
	if st.RouteID != "" {
		out = append(out, fanout.RouteChannel(st.RouteID))
	}
	return append(out, fanout.AdminChannel)
}

func (s *Service) scheduleChannels(st models.VehicleState) []string {
	out := []string{fanout.AdminChannel}
	if st.TripID != "" {
		out = append(out, fanout.TripChannel(st.TripID))
	}
	return out
}

// Snapshot returns the last accepted state of a vehicle.
func (s *Service) Snapshot(vehicleID string) (models.VehicleState, bool) {
	return s.throttle.State(vehicleID)
}

// ChannelSnapshot gives a new vehicle channel subscriber the last known position.
func (s *Service) ChannelSnapshot(channel string) (models.EventType, any, bool) {
	kind, id, ok := fanout.ParseChannel(channel)
	if !ok || kind != fanout.KindVehicle {
		return "", nil, false
	}
	st, ok := s.throttle.State(id)
	if !ok {
		return "", nil, false
	}
	return models.EventBusLocationUpdated, models.BusLocationUpdatedEvent{
		VehicleID: st.VehicleID,
		TripID:    st.TripID,
		Latitude:  st.Latitude,
		Longitude: st.Longitude,
		SpeedKmh:  st.SpeedKmh,
		Moving:    st.Moving,
		Timestamp: st.UpdatedAt,
	}, true
}

func validate(sample models.PositionSample) error {
	switch {
	case strings.TrimSpace(sample.VehicleID) == "":
		return fmt.Errorf("%w: vehicle id is required", ErrInvalidSample)
	case sample.Latitude < -90 || sample.Latitude > 90:
		return fmt.Errorf("%w: latitude out of range", ErrInvalidSample)
	case sample.Longitude < -180 || sample.Longitude > 180:
		return fmt.Errorf("%w: longitude out of range", ErrInvalidSample)
	case sample.SpeedKmh < 0:
		return fmt.Errorf("%w: negative speed", ErrInvalidSample)
	case sample.DelayMinutes < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidSample)
	}
	return nil
}
