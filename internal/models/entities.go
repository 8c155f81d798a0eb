package models

import (
	"time"
)

// Trip is a scheduled departure with a fixed seat capacity
type Trip struct {
	ID         string    `json:"id" db:"id"`
	RouteID    string    `json:"route_id" db:"route_id"`
	VehicleID  *string   `json:"vehicle_id,omitempty" db:"vehicle_id"`
	Capacity   int       `json:"capacity" db:"capacity"`
	Available  int       `json:"available" db:"available"`
	PriceCents int64     `json:"price_cents" db:"price_cents"`
	DepartsAt  time.Time `json:"departs_at" db:"departs_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// TicketStatus is the lifecycle state of a confirmed seat purchase
type TicketStatus string

const (
	TicketBooked    TicketStatus = "booked"
	TicketCancelled TicketStatus = "cancelled"
	TicketCompleted TicketStatus = "completed"
	TicketExpired   TicketStatus = "expired"
)

// Ticket is the durable record of a booked seat
type Ticket struct {
	ID         string       `json:"id" db:"id"`
	TripID     string       `json:"trip_id" db:"trip_id"`
	SeatNumber int          `json:"seat_number" db:"seat_number"`
	UserID     string       `json:"user_id" db:"user_id"`
	PriceCents int64        `json:"price_cents" db:"price_cents"`
	Status     TicketStatus `json:"status" db:"status"`
	PaymentID  *string      `json:"payment_id,omitempty" db:"payment_id"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// SeatLock is a temporary exclusive claim on one seat of one trip.
// Locks are never changed in place; a new hold gets a new ID and token.
type SeatLock struct {
	ID         string    `json:"id"`
	TripID     string    `json:"trip_id"`
	SeatNumber int       `json:"seat_number"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	Token      string    `json:"token"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LiveAt reports whether the lock still holds the seat at now.
// A lock with TTL T acquired at t0 is live on [t0, t0+T).
func (l *SeatLock) LiveAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Availability is the seat tally of a trip. Available counts only confirmed
// bookings; Displayed additionally hides seats that are currently held.
type Availability struct {
	TripID    string `json:"trip_id"`
	Capacity  int    `json:"capacity"`
	Available int    `json:"available"`
	Held      int    `json:"held"`
	Displayed int    `json:"displayed"`
}

// PositionSample is one telemetry report pushed by a vehicle agent
type PositionSample struct {
	VehicleID    string    `json:"vehicle_id"`
	TripID       string    `json:"trip_id,omitempty"`
	RouteID      string    `json:"route_id,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	SpeedKmh     float64   `json:"speed_kmh"`
	Status       string    `json:"status,omitempty"`
	DelayMinutes int       `json:"delay_minutes,omitempty"`
	ReportedAt   time.Time `json:"reported_at,omitempty"`
}

// VehicleState is the last accepted sample of a vehicle
type VehicleState struct {
	VehicleID    string    `json:"vehicle_id"`
	TripID       string    `json:"trip_id,omitempty"`
	RouteID      string    `json:"route_id,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	SpeedKmh     float64   `json:"speed_kmh"`
	Status       string    `json:"status,omitempty"`
	DelayMinutes int       `json:"delay_minutes,omitempty"`
	Moving       bool      `json:"moving"`
	UpdatedAt    time.Time `json:"updated_at"`
}
