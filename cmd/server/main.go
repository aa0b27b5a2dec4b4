// RoadFix - roadside repair fulfillment API
// Connects stranded vehicle owners with nearby repair workshops
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"roadfix/internal/config"
	"roadfix/internal/directory"
	"roadfix/internal/domain"
	"roadfix/internal/domain/events"
	"roadfix/internal/fulfillment"
	"roadfix/internal/logger"
	"roadfix/internal/outbox"
	"roadfix/internal/repository/sqlstore"
	"roadfix/internal/server"
	"roadfix/internal/telemetry"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.Load(envOr("CONFIG_PATH", "config.json"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Debug)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, cfg.Telemetry, zl)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			zl.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	zl.Info("database initialized", zap.String("driver", db.Dialect().String()))

	var dir directory.Directory = directory.NewStoreDirectory(db.Repositories().Workshops)
	if cfg.Redis.Addr != "" {
		cache, err := directory.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, zl)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer cache.Close()
		dir = directory.NewCachedDirectory(dir, cache, cfg.CacheTTL(), zl)
		zl.Info("workshop directory cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	publishers := []events.Publisher{events.NewLogPublisher(zl)}
	if len(cfg.Kafka.Brokers) > 0 {
		publishers = append(publishers, events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		zl.Info("publishing events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	publisher := events.NewCompositePublisher(publishers...)
	defer publisher.Close()

	engine := fulfillment.New(db, dir, zl, fulfillment.Options{
		OperationTimeout: cfg.OperationTimeout(),
		DefaultRadiusKm:  cfg.Fulfillment.DefaultRadiusKm,
		MaxSearchResults: cfg.Fulfillment.MaxSearchResults,
		PublicBaseURL:    cfg.Server.PublicBaseURL,
	})

	if cfg.Debug && cfg.SeedData {
		if err := seedDemoData(ctx, engine, zl); err != nil {
			zl.Warn("could not seed demo data", zap.Error(err))
		}
	}

	relay := outbox.New(db.Repositories().Outbox, publisher, zl, outbox.Config{
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Interval:    cfg.OutboxInterval(),
	})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()

	srv := server.New(cfg, engine, db, zl)
	err = srv.Run(ctx)

	stop()
	<-relayDone
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.DB, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := sqlstore.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil
	default:
		path := cfg.GetDatabasePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err := sqlstore.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return db, nil
	}
}

// seedDemoData registers a few workshops around Bengaluru when the directory
// is empty
func seedDemoData(ctx context.Context, engine *fulfillment.Engine, zl *zap.Logger) error {
	existing, err := engine.SearchWorkshopsNear(ctx, fulfillment.SearchInput{IncludeClosed: true, Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	admin := domain.Actor{ID: "seed-admin", Role: domain.RoleAdmin}
	samples := []struct {
		name   string
		owner  string
		lat    float64
		lon    float64
		rating float64
	}{
		{"Indiranagar Auto Care", "demo-owner-1", 12.9784, 77.6408, 4.6},
		{"Koramangala Motors", "demo-owner-2", 12.9352, 77.6245, 4.1},
		{"Whitefield Tyre & Battery", "demo-owner-3", 12.9698, 77.7500, 3.8},
		{"Jayanagar Service Point", "demo-owner-4", 12.9250, 77.5938, 4.3},
	}
	for _, s := range samples {
		ws, err := engine.RegisterWorkshop(ctx, admin, fulfillment.WorkshopInput{
			Name:     s.name,
			OwnerID:  s.owner,
			Rating:   s.rating,
			Location: domain.Location{Latitude: s.lat, Longitude: s.lon},
		})
		if err != nil {
			return fmt.Errorf("seed workshop %q: %w", s.name, err)
		}
		owner := domain.Actor{ID: s.owner, Role: domain.RoleWorkshopOwner}
		if _, err := engine.RegisterWorker(ctx, owner, ws.ID, fulfillment.WorkerInput{
			UserID: s.owner + "-mechanic",
			Name:   "Duty mechanic",
		}); err != nil {
			return fmt.Errorf("seed worker for %q: %w", s.name, err)
		}
	}

	zl.Info("demo data created", zap.Int("workshops", len(samples)))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
