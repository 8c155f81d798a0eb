package seatlock

import "errors"

var (
	ErrSeatAlreadyLocked      = errors.New("seat is already locked by another user")
	ErrSeatAlreadyBooked      = errors.New("seat is already booked")
	ErrUserAlreadyHoldingSeat = errors.New("user already holds a seat on this trip")
	ErrLockExpired            = errors.New("seat lock expired or not found")
	ErrLockNotOwned           = errors.New("seat lock belongs to another user")
	ErrInvalidSeat            = errors.New("seat number is outside the trip capacity")
	ErrInvalidRequest         = errors.New("trip id, seat number and user id are required")
)
