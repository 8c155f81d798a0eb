package database

import (
	"fmt"
	"log/slog"
)

func (db *DB) RunMigrations() error {
	slog.Info("Running database migrations...")

	migrations := []string{
		createTripsTable,
		createTicketsTable,
		createTicketsSeatIndex,
		createTripsDepartureIndex,
	}

	for i, migration := range migrations {
		slog.Info("Running migration", "step", i+1)
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	slog.Info("All migrations completed successfully")
	return nil
}

const createTripsTable = `
CREATE TABLE IF NOT EXISTS trips (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    vehicle_id TEXT,
    capacity INTEGER NOT NULL,
    available INTEGER NOT NULL,
    price_cents BIGINT NOT NULL DEFAULT 0,
    departs_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW(),

    CHECK (capacity >= 0),
    CHECK (available >= 0 AND available <= capacity)
);`

const createTicketsTable = `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    trip_id TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
    seat_number INTEGER NOT NULL,
    user_id TEXT NOT NULL,
    price_cents BIGINT NOT NULL DEFAULT 0,
    status VARCHAR(20) NOT NULL DEFAULT 'booked',
    payment_id TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW(),

    CHECK (seat_number > 0),
    CHECK (status IN ('booked', 'cancelled', 'completed', 'expired'))
);`

// at most one booked ticket per seat
const createTicketsSeatIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_booked_seat
    ON tickets(trip_id, seat_number) WHERE status = 'booked';`

const createTripsDepartureIndex = `
CREATE INDEX IF NOT EXISTS idx_trips_departs_at ON trips(departs_at);`
