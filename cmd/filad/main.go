package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"fila-client/config"
	"fila-client/internal/access"
	"fila-client/internal/api"
	"fila-client/internal/db"
	"fila-client/internal/gateway"
	"fila-client/internal/poller"
	"fila-client/internal/queue"
	"fila-client/internal/ratelimit"
	"fila-client/internal/session"
	"fila-client/internal/stats"
	"fila-client/internal/storage"
	"fila-client/internal/store"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "filad ", log.LstdFlags)

	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err == nil {
		logger.Println("loaded environment from .env")
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The persistent tier is only opened when sessions live in storage.
	var persistent store.Store
	if cfg.Session.Backend == "storage" {
		persistent, err = openPersistent(ctx, cfg)
		if err != nil {
			logger.Fatalf("failed to open persistent storage tier: %v", err)
		}
		purgeExpired(ctx, logger, persistent)
	}

	var tier storage.Backend
	if persistent != nil {
		tier = persistent
	}
	backend, err := storage.Select(cfg.Session, tier)
	if err != nil {
		logger.Fatalf("failed to select session storage: %v", err)
	}
	logger.Printf("session storage: %s", cfg.Session.Backend)

	sessions := session.NewStore(backend, cfg.Session.TTL)
	gate := access.NewGate(backend, cfg.Access.Validity)
	limiter := ratelimit.New(ratelimit.RulesFromConfig(cfg.RateLimit), cfg.RateLimit.SweepInterval)

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	if _, err := scheduler.Every(cfg.RateLimit.SweepInterval).Do(func() {
		if n := limiter.Sweep(); n > 0 {
			logger.Printf("rate limiter swept %d lapsed records", n)
		}
	}); err != nil {
		logger.Fatalf("failed to schedule rate limiter sweep: %v", err)
	}
	if persistent != nil {
		if _, err := scheduler.Every(time.Duration(cfg.Database.PurgeIntervalMinutes) * time.Minute).WaitForSchedule().Do(func() {
			purgeExpired(ctx, logger, persistent)
		}); err != nil {
			logger.Fatalf("failed to schedule storage purge: %v", err)
		}
	}
	scheduler.StartAsync()

	gw, err := gateway.New(cfg.API, sessions, limiter)
	if err != nil {
		logger.Fatalf("failed to create queue gateway: %v", err)
	}

	ctrl := poller.New(poller.NewGatewaySource(gw), poller.OptionsFromConfig(cfg))
	svc := queue.NewService(gw, sessions, gate, ctrl, queue.Options{
		CheckAccess: !cfg.Access.Disabled,
		Stats:       stats.ParamsFromConfig(cfg.Stats),
	})

	// Keep the configured shops warm so the first visitor sees a snapshot.
	var subs []*poller.Subscription
	for _, shop := range cfg.Polling.Barbershops {
		subs = append(subs,
			ctrl.Subscribe(poller.QueueKey(shop), cfg.Polling.Interval),
			ctrl.Subscribe(poller.DashboardKey(shop), cfg.Polling.DashboardInterval),
		)
		logger.Printf("polling barbershop %s every %s (dashboard every %s)", shop, cfg.Polling.Interval, cfg.Polling.DashboardInterval)
	}

	router := api.NewRouter(api.NewHandler(svc, gate), limiter, cfg.Server.AllowedOrigins...)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server ListenAndServe: %w", err)
		}
		return nil
	})
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			// Drain updates so the shared loop never waits on this subscriber.
			for st := range sub.Updates() {
				if st.ServerUnavailable {
					logger.Printf("%s: backend unavailable after %d failures", st.Key, st.ConsecutiveFailures)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("Shutdown signal received, stopping services...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		scheduler.Stop()
		for _, sub := range subs {
			sub.Close()
		}
		ctrl.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("server stopped with error: %v", err)
	}
	logger.Println("Server gracefully stopped")
}

// openPersistent opens Redis when it is configured and the SQL database
// otherwise.
func openPersistent(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Redis.URL != "" {
		client, err := db.InitRedis(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(client, cfg.Redis.Prefix), nil
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(gormDB), nil
}

func purgeExpired(ctx context.Context, logger *log.Logger, s store.Store) {
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		logger.Printf("failed to purge expired storage items: %v", err)
		return
	}
	if n > 0 {
		logger.Printf("purged %d expired storage items", n)
	}
}
