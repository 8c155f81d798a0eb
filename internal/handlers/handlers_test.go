package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatline/internal/booking"
	"seatline/internal/external"
	"seatline/internal/fanout"
	"seatline/internal/inventory"
	"seatline/internal/lockstore"
	"seatline/internal/logger"
	"seatline/internal/middleware"
	"seatline/internal/models"
	"seatline/internal/seatlock"
	"seatline/internal/telemetry"
)

type tripLoader struct{}

func (tripLoader) LoadTrip(_ context.Context, id string) (*models.Trip, error) {
	if id != "trip-1" {
		return nil, nil
	}
	return &models.Trip{ID: id, Capacity: 40, Available: 40, PriceCents: 1000}, nil
}

// fakeBookings возвращает заранее заданный результат
type fakeBookings struct {
	ticket     *models.Ticket
	err        error
	cancelUser string
}

func (f *fakeBookings) FinalizeBooking(_ context.Context, lockID, userID string, _ models.PaymentProof) (*models.Ticket, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Ticket{ID: "t-1", UserID: userID, Status: models.TicketBooked}, nil
}

func (f *fakeBookings) CancelBooking(_ context.Context, ticketID, userID string) (*models.Ticket, error) {
	f.cancelUser = userID
	if f.err != nil {
		return nil, f.err
	}
	return &models.Ticket{ID: ticketID, Status: models.TicketCancelled}, nil
}

type env struct {
	router   *gin.Engine
	hub      *fanout.Hub
	bookings *fakeBookings
	clock    *clockwork.FakeClock
}

func setupRouter(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.Discard()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := lockstore.New(rdb, "test")
	counter := inventory.NewCounter(store, tripLoader{}, clk, log)
	hub := fanout.NewHub(fanout.Config{InstanceID: "test"}, clk, log)
	manager := seatlock.NewManager(store, counter, hub, clk, seatlock.Config{}, log)
	positions := telemetry.NewService(telemetry.NewThrottle(telemetry.Config{}, clk), hub, clk, log)
	hub.SetSnapshotProvider(positions)

	e := &env{hub: hub, bookings: &fakeBookings{}, clock: clk}
	h := NewHandlers(Deps{
		Locks:     manager,
		Bookings:  e.bookings,
		Inventory: counter,
		Positions: positions,
		Hub:       hub,
		Clock:     clk,
	})

	r := gin.New()
	r.Use(middleware.Identity())
	api := r.Group("/api")
	{
		api.GET("/stream", h.Stream)
		api.POST("/channels/join", h.JoinChannel)
		api.POST("/channels/leave", h.LeaveChannel)
		api.GET("/trips/:id/availability", h.GetAvailability)
		api.POST("/vehicles/:id/positions", h.SubmitPosition)

		user := api.Group("", middleware.RequireUser())
		user.POST("/locks", h.AcquireLock)
		user.POST("/locks/release", h.ReleaseLockByToken)
		user.DELETE("/locks/:id", h.ReleaseLock)
		user.POST("/sessions/release", h.ReleaseSession)
		user.POST("/bookings", h.ConfirmBooking)
		user.PATCH("/bookings/:id/cancel", h.CancelBooking)
	}
	e.router = r
	return e
}

func (e *env) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
		req.Header.Set(middleware.HeaderSessionID, "sess-"+user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAcquireLock(t *testing.T) {
	e := setupRouter(t)
	hold := gin.H{"trip_id": "trip-1", "seat_number": 12}

	w := e.do(http.MethodPost, "/api/locks", "alice", hold)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	lock := decode[models.SeatLock](t, w)
	assert.Equal(t, 12, lock.SeatNumber)
	assert.Equal(t, "alice", lock.UserID)
	assert.NotEmpty(t, lock.Token)

	// Повторный захват тем же пользователем возвращает то же удержание
	w = e.do(http.MethodPost, "/api/locks", "alice", hold)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, lock.ID, decode[models.SeatLock](t, w).ID)

	w = e.do(http.MethodPost, "/api/locks", "bob", hold)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "trip-1", "seat_number": 13})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAcquireLockBadInput(t *testing.T) {
	e := setupRouter(t)

	w := e.do(http.MethodPost, "/api/locks", "", gin.H{"trip_id": "trip-1", "seat_number": 1})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "trip-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "trip-1", "seat_number": 41})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "nope", "seat_number": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReleaseLock(t *testing.T) {
	e := setupRouter(t)
	w := e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "trip-1", "seat_number": 3})
	require.Equal(t, http.StatusCreated, w.Code)
	lock := decode[models.SeatLock](t, w)

	w = e.do(http.MethodDelete, "/api/locks/"+lock.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodDelete, "/api/locks/"+lock.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Повторное освобождение успешно
	w = e.do(http.MethodDelete, "/api/locks/"+lock.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(http.MethodPost, "/api/locks", "bob", gin.H{"trip_id": "trip-1", "seat_number": 3})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestReleaseLockByToken(t *testing.T) {
	e := setupRouter(t)
	w := e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "trip-1", "seat_number": 3})
	require.Equal(t, http.StatusCreated, w.Code)
	lock := decode[models.SeatLock](t, w)

	w = e.do(http.MethodPost, "/api/locks/release", "alice",
		models.ReleaseByTokenRequest{TripID: "trip-1", SeatNumber: 3, Token: "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/api/locks/release", "alice",
		models.ReleaseByTokenRequest{TripID: "trip-1", SeatNumber: 3, Token: lock.Token})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestReleaseSession(t *testing.T) {
	e := setupRouter(t)
	w := e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "trip-1", "seat_number": 5})
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.do(http.MethodPost, "/api/sessions/release", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[models.ReleaseSessionResponse](t, w).Released)

	w = e.do(http.MethodGet, "/api/trips/trip-1/availability", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 40, decode[models.Availability](t, w).Displayed)
}

func TestGetAvailability(t *testing.T) {
	e := setupRouter(t)
	e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "trip-1", "seat_number": 5})

	w := e.do(http.MethodGet, "/api/trips/trip-1/availability", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	a := decode[models.Availability](t, w)
	assert.Equal(t, 40, a.Available)
	assert.Equal(t, 1, a.Held)
	assert.Equal(t, 39, a.Displayed)

	w = e.do(http.MethodGet, "/api/trips/missing/availability", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfirmBookingStatuses(t *testing.T) {
	body := models.ConfirmBookingRequest{LockID: "l-1", PaymentProof: models.PaymentProof{PaymentID: "p-1"}}
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusCreated},
		{seatlock.ErrLockExpired, http.StatusGone},
		{seatlock.ErrLockNotOwned, http.StatusForbidden},
		{fmt.Errorf("%w: status DECLINED", external.ErrPaymentRejected), http.StatusPaymentRequired},
		{fmt.Errorf("%w: timeout", external.ErrPaymentGateway), http.StatusBadGateway},
		{fmt.Errorf("convert: %w", lockstore.ErrUnavailable), http.StatusServiceUnavailable},
		{inventory.ErrInsufficientSeats, http.StatusConflict},
	}
	for _, tc := range cases {
		e := setupRouter(t)
		e.bookings.err = tc.err
		w := e.do(http.MethodPost, "/api/bookings", "alice", body)
		assert.Equal(t, tc.code, w.Code, "error %v", tc.err)
	}
}

func TestCancelBooking(t *testing.T) {
	e := setupRouter(t)
	w := e.do(http.MethodPatch, "/api/bookings/t-9/cancel", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TicketCancelled, decode[models.Ticket](t, w).Status)
	assert.Equal(t, "alice", e.bookings.cancelUser)

	e.bookings.err = booking.ErrTicketNotFound
	w = e.do(http.MethodPatch, "/api/bookings/t-9/cancel", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	e.bookings.err = booking.ErrTicketNotOwned
	w = e.do(http.MethodPatch, "/api/bookings/t-9/cancel", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitPositionThrottled(t *testing.T) {
	e := setupRouter(t)
	sample := gin.H{"trip_id": "trip-1", "latitude": 43.2, "longitude": 76.9, "speed": 50}

	w := e.do(http.MethodPost, "/api/vehicles/v15/positions", "", sample)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[models.SubmitPositionResponse](t, w)
	assert.True(t, resp.Moving)

	e.clock.Advance(4 * time.Second)
	w = e.do(http.MethodPost, "/api/vehicles/v15/positions", "", sample)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "6", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), string(models.EventUpdateThrottled))

	e.clock.Advance(7 * time.Second)
	w = e.do(http.MethodPost, "/api/vehicles/v15/positions", "", sample)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = e.do(http.MethodPost, "/api/vehicles/v15/positions", "", gin.H{"latitude": 100, "longitude": 0, "speed": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChannelErrors(t *testing.T) {
	e := setupRouter(t)

	w := e.do(http.MethodPost, "/api/channels/join", "", models.ChannelRequest{ConnectionID: "ghost", Channel: "trip:1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	e.hub.Register("c-1")
	w = e.do(http.MethodPost, "/api/channels/join", "", models.ChannelRequest{ConnectionID: "c-1", Channel: "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// канал пользователя нельзя выбрать вручную
	w = e.do(http.MethodPost, "/api/channels/join", "bob", models.ChannelRequest{ConnectionID: "c-1", Channel: "user:alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, e.hub.Subscribers("user:alice"))

	w = e.do(http.MethodPost, "/api/channels/join", "", models.ChannelRequest{ConnectionID: "c-1", Channel: "admin"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, e.hub.Subscribers("admin"))

	w = e.do(http.MethodPost, "/api/channels/leave", "", models.ChannelRequest{ConnectionID: "c-1", Channel: "admin"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, e.hub.Subscribers("admin"))
}

// sseRecorder - потокобезопасный ResponseWriter для SSE
type sseRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	code   int
	closed chan bool
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{header: http.Header{}, closed: make(chan bool, 1)}
}

func (r *sseRecorder) Header() http.Header { return r.header }

func (r *sseRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(b)
}

func (r *sseRecorder) WriteHeader(code int) { r.code = code }

func (r *sseRecorder) Flush() {}

func (r *sseRecorder) CloseNotify() <-chan bool { return r.closed }

func (r *sseRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestStreamDeliversTripEvents(t *testing.T) {
	e := setupRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/stream?channel=trip:trip-1", nil).WithContext(ctx)
	rec := newSSERecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.router.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return e.hub.Subscribers("trip:trip-1") == 1 },
		time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.body(), "event:connected")

	w := e.do(http.MethodPost, "/api/locks", "alice", gin.H{"trip_id": "trip-1", "seat_number": 8})
	require.Equal(t, http.StatusCreated, w.Code)

	require.Eventually(t, func() bool {
		b := rec.body()
		return strings.Contains(b, "event:SeatLocked") && strings.Contains(b, "event:AvailabilityChanged")
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
	// Закрытое соединение снимает подписки
	assert.Equal(t, 0, e.hub.Subscribers("trip:trip-1"))
}

func TestStreamRejectsBadChannel(t *testing.T) {
	e := setupRouter(t)
	w := e.do(http.MethodGet, "/api/stream?channel=nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/api/stream?channel=user:alice", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamJoinsOwnUserChannel(t *testing.T) {
	e := setupRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(ctx)
	req.Header.Set(middleware.HeaderUserID, "alice")
	rec := newSSERecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.router.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return e.hub.Subscribers("user:alice") == 1 },
		time.Second, 5*time.Millisecond)

	e.hub.Broadcast("user:alice", models.EventTicketConfirmed, models.TicketConfirmedEvent{TicketID: "t-1", UserID: "alice"})
	require.Eventually(t, func() bool { return strings.Contains(rec.body(), "event:TicketConfirmed") },
		time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, e.hub.Subscribers("user:alice"))
}
