package models

// AcquireLockRequest - тело запроса на удержание места
type AcquireLockRequest struct {
	TripID     string `json:"trip_id" binding:"required"`
	SeatNumber int    `json:"seat_number" binding:"required,min=1"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" binding:"omitempty,min=1"`
}

// ReleaseSessionResponse - результат освобождения всех мест сессии
type ReleaseSessionResponse struct {
	Released int `json:"released"`
}

// PaymentProof - подтверждение оплаты от платежного шлюза
type PaymentProof struct {
	PaymentID string `json:"payment_id" binding:"required"`
	OrderID   string `json:"order_id,omitempty"`
}

// ConfirmBookingRequest - тело запроса на подтверждение брони
type ConfirmBookingRequest struct {
	LockID       string       `json:"lock_id" binding:"required"`
	PaymentProof PaymentProof `json:"payment_proof" binding:"required"`
}

// ChannelRequest - подписка/отписка соединения на канал
type ChannelRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	Channel      string `json:"channel" binding:"required"`
}

// SubmitPositionRequest - телеметрия транспортного средства
type SubmitPositionRequest struct {
	TripID       string   `json:"trip_id"`
	RouteID      string   `json:"route_id"`
	Latitude     *float64 `json:"latitude" binding:"required,min=-90,max=90"`
	Longitude    *float64 `json:"longitude" binding:"required,min=-180,max=180"`
	SpeedKmh     *float64 `json:"speed" binding:"required,min=0"`
	Status       string   `json:"status,omitempty"`
	DelayMinutes int      `json:"delay_minutes,omitempty" binding:"omitempty,min=0"`
}

// SubmitPositionResponse - ответ на принятую телеметрию
type SubmitPositionResponse struct {
	Accepted bool   `json:"accepted"`
	Moving   bool   `json:"moving"`
	Class    string `json:"class"`
}

// ReleaseByTokenRequest - освобождение места по токену удержания
type ReleaseByTokenRequest struct {
	TripID     string `json:"trip_id" binding:"required"`
	SeatNumber int    `json:"seat_number" binding:"required,min=1"`
	Token      string `json:"token" binding:"required"`
}
