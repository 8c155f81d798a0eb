package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"seatline/internal/booking"
	"seatline/internal/config"
	"seatline/internal/database"
	"seatline/internal/external"
	"seatline/internal/fanout"
	"seatline/internal/handlers"
	"seatline/internal/inventory"
	"seatline/internal/lockstore"
	"seatline/internal/logger"
	"seatline/internal/messaging"
	"seatline/internal/metrics"
	"seatline/internal/middleware"
	"seatline/internal/notify"
	"seatline/internal/repository"
	"seatline/internal/seatlock"
	"seatline/internal/telemetry"
)

// Server представляет HTTP сервер API
type Server struct {
	router    *gin.Engine
	config    *config.Config
	logger    *slog.Logger
	db        *database.DB
	redis     *redis.Client
	store     *lockstore.Store
	hub       *fanout.Hub
	trips     *repository.TripRepository
	counter   *inventory.Counter
	sweeper   *seatlock.Sweeper
	relay     *messaging.FanoutRelay
	publisher *notify.Publisher
	handlers  *handlers.Handlers
}

// NewServer создает новый экземпляр сервера и подключается к зависимостям
func NewServer(cfg *config.Config) (*Server, error) {
	// Устанавливаем режим Gin
	gin.SetMode(cfg.GinMode)

	log := logger.WithComponent("api")
	clk := clockwork.NewRealClock()
	s := &Server{config: cfg, logger: log}

	// Подключаемся к базе данных
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db

	// Запускаем миграции
	if err := db.RunMigrations(); err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Подключаемся к Redis: блокировки и счетчики мест
	rdb, err := lockstore.NewRedisClient(cfg.Redis)
	if err != nil {
		s.Cleanup()
		return nil, err
	}
	s.redis = rdb
	s.store = lockstore.New(rdb, cfg.Redis.Prefix)

	// Создаем репозитории
	repos := repository.NewRepositories(db)

	s.hub = fanout.NewHub(fanout.Config{
		InstanceID: cfg.InstanceID,
		QueueSize:  cfg.Fanout.QueueSize,
		Shards:     cfg.Fanout.Shards,
	}, clk, logger.WithComponent("fanout"))

	// Ретрансляция событий между репликами через NATS Streaming
	if cfg.NATS.Enabled {
		natsClient, err := messaging.NewNATSClient(cfg.NATS, logger.WithComponent("messaging"))
		if err != nil {
			s.Cleanup()
			return nil, err
		}
		s.relay = messaging.NewFanoutRelay(natsClient, cfg.NATS.Subject, logger.WithComponent("relay"))
		if err := s.relay.Start(s.hub); err != nil {
			s.Cleanup()
			return nil, err
		}
		s.hub.SetRelay(s.relay)
	}

	counter := inventory.NewCounter(s.store, repos.Trips, clk, logger.WithComponent("inventory"))
	s.trips = repos.Trips
	s.counter = counter
	manager := seatlock.NewManager(s.store, counter, s.hub, clk, seatlock.Config{
		DefaultTTL: cfg.Lock.TTL,
		MaxTTL:     cfg.Lock.MaxTTL,
		SweepBatch: cfg.Lock.SweepBatch,
	}, logger.WithComponent("seatlock"))
	s.sweeper = seatlock.NewSweeper(manager, cfg.Lock.SweepInterval, clk, logger.WithComponent("sweeper"))

	positions := telemetry.NewService(telemetry.NewThrottle(telemetry.Config{
		SpeedThresholdKmh:  cfg.Telemetry.SpeedThresholdKmh,
		MovingInterval:     cfg.Telemetry.MovingInterval,
		StationaryInterval: cfg.Telemetry.StationaryInterval,
	}, clk), s.hub, clk, logger.WithComponent("telemetry"))
	s.hub.SetSnapshotProvider(positions)

	// Уведомления о бронях отправляются в RabbitMQ без ожидания
	var notifier booking.Notifier = notify.Discard{Logger: log}
	if cfg.RabbitMQ.Enabled {
		s.publisher = notify.NewPublisher(cfg.RabbitMQ, logger.WithComponent("notify"))
		notifier = s.publisher
	}

	finalizer := booking.NewFinalizer(booking.Deps{
		Locks:       manager,
		Seats:       s.store,
		Inventory:   counter,
		Trips:       repos.Trips,
		Tickets:     repos.Tickets,
		Payments:    external.NewPaymentClient(cfg.Payment),
		Notifier:    notifier,
		Broadcaster: s.hub,
		Clock:       clk,
		Logger:      logger.WithComponent("booking"),
	})

	s.handlers = handlers.NewHandlers(handlers.Deps{
		Locks:     manager,
		Bookings:  finalizer,
		Inventory: counter,
		Positions: positions,
		Hub:       s.hub,
		Clock:     clk,
	})

	// Создаем роутер
	router := gin.New()

	// Применяем middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics())

	s.router = router
	s.setupRoutes()

	return s, nil
}

// setupRoutes настраивает все API роуты
func (s *Server) setupRoutes() {
	h := s.handlers
	limit := middleware.RateLimit(s.config.RateLimit, s.redis, s.config.Redis.Prefix, nil, s.logger)

	// API routes
	api := s.router.Group("/api")
	// Идентичность приходит от шлюза в заголовках X-User-ID / X-Session-ID
	api.Use(middleware.Identity())
	{
		// Realtime endpoints
		api.GET("/stream", h.Stream)
		api.POST("/channels/join", h.JoinChannel)
		api.POST("/channels/leave", h.LeaveChannel)

		api.GET("/trips/:id/availability", h.GetAvailability)

		// Телеметрия ограничивается собственным адаптивным лимитером
		api.POST("/vehicles/:id/positions", h.SubmitPosition)

		user := api.Group("", middleware.RequireUser(), limit)
		{
			// Locks endpoints
			user.POST("/locks", h.AcquireLock)
			user.POST("/locks/release", h.ReleaseLockByToken)
			user.DELETE("/locks/:id", h.ReleaseLock)
			user.POST("/sessions/release", h.ReleaseSession)

			// Bookings endpoints
			user.POST("/bookings", h.ConfirmBooking)
			user.PATCH("/bookings/:id/cancel", h.CancelBooking)
		}
	}

	// Health check endpoint
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// healthCheck проверяет базу данных и Redis
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	db := s.db.HealthCheck(ctx)
	if db.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}

	redisStatus := "healthy"
	if err := s.store.Ping(ctx); err != nil {
		redisStatus = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":      overall,
		"service":     "seatline-api",
		"instance_id": s.hub.InstanceID(),
		"database":    db,
		"redis":       redisStatus,
		"connections": s.hub.Connections(),
	})
}

// Start прогревает счетчики мест ближайших рейсов и запускает фоновую
// очистку просроченных блокировок
func (s *Server) Start(ctx context.Context) {
	s.warmInventory(ctx)
	s.sweeper.Start(ctx)
}

// warmInventory создает счетчики в Redis заранее; существующие не меняются
func (s *Server) warmInventory(ctx context.Context) {
	trips, err := s.trips.ListUpcoming(ctx, 500)
	if err != nil {
		s.logger.Warn("Failed to list upcoming trips", "error", err)
		return
	}
	for _, trip := range trips {
		if _, err := s.counter.Init(ctx, trip.ID, trip.Capacity, trip.Available); err != nil {
			s.logger.Warn("Failed to warm trip inventory", "trip_id", trip.ID, "error", err)
		}
	}
	s.logger.Info("Trip inventory warmed", "trips", len(trips))
}

// GetRouter возвращает роутер для тестирования
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// Cleanup закрывает соединения
func (s *Server) Cleanup() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			s.logger.Error("Error closing NATS connection", "error", err)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Error closing RabbitMQ publisher", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Error closing Redis connection", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Error closing database connection", "error", err)
		}
	}
}
