package models

import "time"

// EventType names a realtime event delivered to channel subscribers
type EventType string

const (
	EventSeatLocked            EventType = "SeatLocked"
	EventSeatLockReleased      EventType = "SeatLockReleased"
	EventSeatBooked            EventType = "SeatBooked"
	EventAvailabilityChanged   EventType = "AvailabilityChanged"
	EventTicketConfirmed       EventType = "TicketConfirmed"
	EventBusLocationUpdated    EventType = "BusLocationUpdated"
	EventScheduleStatusChanged EventType = "ScheduleStatusChanged"
	EventDelayNotification     EventType = "DelayNotification"
	EventUpdateThrottled       EventType = "UpdateThrottled"
)

// Release reasons carried by SeatLockReleasedEvent
const (
	ReleaseReasonUser    = "released"
	ReleaseReasonSession = "session_ended"
	ReleaseReasonExpired = "expired"
)

// SeatLockedEvent is broadcast to the trip channel when a hold is taken
type SeatLockedEvent struct {
	TripID     string    `json:"trip_id"`
	SeatNumber int       `json:"seat_number"`
	LockID     string    `json:"lock_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Timestamp  time.Time `json:"timestamp"`
}

// SeatLockReleasedEvent is broadcast when a hold ends without a booking
type SeatLockReleasedEvent struct {
	TripID     string    `json:"trip_id"`
	SeatNumber int       `json:"seat_number"`
	LockID     string    `json:"lock_id"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// SeatBookedEvent is broadcast when a hold is converted into a ticket
type SeatBookedEvent struct {
	TripID     string    `json:"trip_id"`
	SeatNumber int       `json:"seat_number"`
	TicketID   string    `json:"ticket_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// AvailabilityChangedEvent carries the seat tally after any lock or booking change
type AvailabilityChangedEvent struct {
	TripID    string    `json:"trip_id"`
	Capacity  int       `json:"capacity"`
	Available int       `json:"available"`
	Held      int       `json:"held"`
	Displayed int       `json:"displayed"`
	Timestamp time.Time `json:"timestamp"`
}

// TicketConfirmedEvent tells the trip channel that a ticket was issued
type TicketConfirmedEvent struct {
	TicketID   string    `json:"ticket_id"`
	TripID     string    `json:"trip_id"`
	SeatNumber int       `json:"seat_number"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// BusLocationUpdatedEvent is broadcast for every accepted telemetry sample
type BusLocationUpdatedEvent struct {
	VehicleID string    `json:"vehicle_id"`
	TripID    string    `json:"trip_id,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Moving    bool      `json:"moving"`
	Timestamp time.Time `json:"timestamp"`
}

// ScheduleStatusChangedEvent is broadcast when a vehicle reports a new status
type ScheduleStatusChangedEvent struct {
	VehicleID      string    `json:"vehicle_id"`
	TripID         string    `json:"trip_id,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// DelayNotificationEvent is broadcast when a vehicle reports a new delay
type DelayNotificationEvent struct {
	VehicleID    string    `json:"vehicle_id"`
	TripID       string    `json:"trip_id,omitempty"`
	DelayMinutes int       `json:"delay_minutes"`
	Timestamp    time.Time `json:"timestamp"`
}

// UpdateThrottledEvent is returned to a vehicle agent whose sample was rejected
type UpdateThrottledEvent struct {
	VehicleID         string    `json:"vehicle_id"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
	Moving            bool      `json:"moving"`
	Timestamp         time.Time `json:"timestamp"`
}
