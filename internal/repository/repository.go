package repository

import (
	"errors"

	"seatline/internal/database"
)

var ErrTicketNotFound = errors.New("ticket not found")

type Repositories struct {
	Trips   *TripRepository
	Tickets *TicketRepository
}

func NewRepositories(db *database.DB) *Repositories {
	return &Repositories{
		Trips:   NewTripRepository(db),
		Tickets: NewTicketRepository(db),
	}
}
