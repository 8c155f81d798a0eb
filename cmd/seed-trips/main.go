package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"seatline/internal/config"
	"seatline/internal/database"
	"seatline/internal/inventory"
	"seatline/internal/lockstore"
	"seatline/internal/logger"
	"seatline/internal/models"
	"seatline/internal/repository"
)

var (
	clearExisting = flag.Bool("clear", false, "Delete existing trips before generating new ones")
	tripCount     = flag.Int("trips", 20, "Number of trips to generate")
	routeCount    = flag.Int("routes", 4, "Number of routes the trips are spread over")
	dryRun        = flag.Bool("dry-run", false, "Show what would be generated without making changes")
)

type TripGenerator struct {
	trips   *repository.TripRepository
	counter *inventory.Counter
	rng     *rand.Rand
	now     time.Time
}

func main() {
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Starting trip generator...")

	db, err := database.Connect(cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	rdb, err := lockstore.NewRedisClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := lockstore.New(rdb, cfg.Redis.Prefix)
	repos := repository.NewRepositories(db)
	generator := &TripGenerator{
		trips:   repos.Trips,
		counter: inventory.NewCounter(store, repos.Trips, clockwork.NewRealClock(), logger.WithComponent("inventory")),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now().UTC(),
	}

	if err := generator.Generate(context.Background()); err != nil {
		slog.Error("Failed to generate trips", "error", err)
		os.Exit(1)
	}

	slog.Info("Trip generation completed successfully!")
}

func (g *TripGenerator) Generate(ctx context.Context) error {
	if *clearExisting && !*dryRun {
		n, err := g.trips.DeleteAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear trips: %w", err)
		}
		slog.Info("Cleared existing trips", "count", n)
	}

	for i := 0; i < *tripCount; i++ {
		trip := g.newTrip(i)

		if *dryRun {
			slog.Info("[DRY RUN] Would create trip",
				"trip_id", trip.ID, "route_id", trip.RouteID, "capacity", trip.Capacity, "departs_at", trip.DepartsAt)
			continue
		}

		if err := g.trips.Create(ctx, trip); err != nil {
			slog.Error("Failed to create trip", "trip_id", trip.ID, "error", err)
			continue
		}
		// Счетчик мест в Redis создается сразу, чтобы первый захват не ходил в БД
		if _, err := g.counter.Init(ctx, trip.ID, trip.Capacity, trip.Available); err != nil {
			return fmt.Errorf("failed to initialise inventory for trip %s: %w", trip.ID, err)
		}
		slog.Info("Generated trip", "trip_id", trip.ID, "route_id", trip.RouteID, "capacity", trip.Capacity)
	}

	return nil
}

func (g *TripGenerator) newTrip(i int) *models.Trip {
	routes := *routeCount
	if routes < 1 {
		routes = 1
	}
	capacity := g.rng.Intn(31) + 30
	vehicleID := fmt.Sprintf("V%d", g.rng.Intn(90)+10)

	return &models.Trip{
		ID:         uuid.NewString(),
		RouteID:    fmt.Sprintf("route-%d", i%routes+1),
		VehicleID:  &vehicleID,
		Capacity:   capacity,
		Available:  capacity,
		PriceCents: g.tripPrice(capacity),
		DepartsAt:  g.now.Add(time.Duration(i+1) * 30 * time.Minute).Truncate(time.Minute),
	}
}

// tripPrice: smaller vehicles cost more per seat
func (g *TripGenerator) tripPrice(capacity int) int64 {
	basePrice := int64(1500)

	if capacity <= 35 {
		return basePrice + int64(g.rng.Intn(1500)+1000)
	} else if capacity <= 45 {
		return basePrice + int64(g.rng.Intn(1000)+500)
	}
	return basePrice + int64(g.rng.Intn(500))
}
