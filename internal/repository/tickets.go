package repository

import (
	"context"
	"database/sql"
	"fmt"

	"seatline/internal/database"
	"seatline/internal/models"
)

type TicketRepository struct {
	db *database.DB
}

func NewTicketRepository(db *database.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

func (r *TicketRepository) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	query := `
		INSERT INTO tickets (id, trip_id, seat_number, user_id, price_cents, status, payment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		ticket.ID,
		ticket.TripID,
		ticket.SeatNumber,
		ticket.UserID,
		ticket.PriceCents,
		ticket.Status,
		ticket.PaymentID,
	).Scan(&ticket.CreatedAt, &ticket.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

// GetTicket returns nil when the ticket does not exist
func (r *TicketRepository) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	ticket := &models.Ticket{}
	var paymentID sql.NullString
	query := `
		SELECT id, trip_id, seat_number, user_id, price_cents, status, payment_id, created_at, updated_at
		FROM tickets
		WHERE id = $1`

	err := r.db.QueryRowContext(ctx, query, ticketID).Scan(
		&ticket.ID,
		&ticket.TripID,
		&ticket.SeatNumber,
		&ticket.UserID,
		&ticket.PriceCents,
		&ticket.Status,
		&paymentID,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if paymentID.Valid {
		ticket.PaymentID = &paymentID.String
	}
	return ticket, nil
}

// CancelTicket moves a booked ticket to cancelled. changed is false when the
// ticket was not booked any more; ErrTicketNotFound when it does not exist.
func (r *TicketRepository) CancelTicket(ctx context.Context, ticketID string) (ticket *models.Ticket, changed bool, err error) {
	query := `
		UPDATE tickets SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`

	res, err := r.db.ExecContext(ctx, query, ticketID, models.TicketCancelled, models.TicketBooked)
	if err != nil {
		return nil, false, fmt.Errorf("cancel ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	ticket, err = r.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, false, err
	}
	if ticket == nil {
		return nil, false, ErrTicketNotFound
	}
	return ticket, n > 0, nil
}
