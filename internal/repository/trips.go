package repository

import (
	"context"
	"database/sql"
	"fmt"

	"seatline/internal/database"
	"seatline/internal/models"
)

type TripRepository struct {
	db *database.DB
}

func NewTripRepository(db *database.DB) *TripRepository {
	return &TripRepository{db: db}
}

const tripColumns = `id, route_id, vehicle_id, capacity, available, price_cents, departs_at, created_at, updated_at`

func scanTrip(row interface{ Scan(...any) error }) (*models.Trip, error) {
	trip := &models.Trip{}
	var vehicleID sql.NullString
	err := row.Scan(
		&trip.ID,
		&trip.RouteID,
		&vehicleID,
		&trip.Capacity,
		&trip.Available,
		&trip.PriceCents,
		&trip.DepartsAt,
		&trip.CreatedAt,
		&trip.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if vehicleID.Valid {
		trip.VehicleID = &vehicleID.String
	}
	return trip, nil
}

// LoadTrip returns nil when the trip does not exist
func (r *TripRepository) LoadTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`

	trip, err := scanTrip(r.db.QueryRowContext(ctx, query, tripID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	return trip, nil
}

func (r *TripRepository) Create(ctx context.Context, trip *models.Trip) error {
	query := `
		INSERT INTO trips (id, route_id, vehicle_id, capacity, available, price_cents, departs_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		trip.ID,
		trip.RouteID,
		trip.VehicleID,
		trip.Capacity,
		trip.Available,
		trip.PriceCents,
		trip.DepartsAt,
	).Scan(&trip.CreatedAt, &trip.UpdatedAt)
}

// AdjustTripInventory shifts the mirrored seat count by delta. The update is
// relative so concurrent confirmations and cancellations commute; the table
// CHECK rejects a result outside [0, capacity].
func (r *TripRepository) AdjustTripInventory(ctx context.Context, tripID string, delta int) error {
	query := `UPDATE trips SET available = available + $2, updated_at = NOW() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, tripID, delta)
	if err != nil {
		return fmt.Errorf("adjust trip inventory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("adjust trip inventory: trip %s not found", tripID)
	}
	return nil
}

// ListUpcoming returns trips departing after now, earliest first
func (r *TripRepository) ListUpcoming(ctx context.Context, limit int) ([]models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE departs_at > NOW() ORDER BY departs_at LIMIT $1`

	rows, err := r.db.QueryWithRetry(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []models.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, *trip)
	}
	return trips, rows.Err()
}

// DeleteAll removes every trip and, by cascade, every ticket
func (r *TripRepository) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM trips`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
