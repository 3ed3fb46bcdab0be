package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-sync/internal/api/http"
	"github.com/spec-kit/ticket-sync/internal/api/http/handlers"
	"github.com/spec-kit/ticket-sync/internal/auth"
	"github.com/spec-kit/ticket-sync/internal/config"
	"github.com/spec-kit/ticket-sync/internal/lifecycle"
	"github.com/spec-kit/ticket-sync/internal/observability"
	"github.com/spec-kit/ticket-sync/internal/persistence"
	"github.com/spec-kit/ticket-sync/internal/sheet"
	"github.com/spec-kit/ticket-sync/internal/store"
	"github.com/spec-kit/ticket-sync/internal/tracker"
	"github.com/spec-kit/ticket-sync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	families, err := config.LoadFamilies(cfg.FamiliesPath)
	if err != nil {
		logger.Fatal("failed to load ticket families", zap.Error(err))
	}

	pool := persistence.NewPool(ctx, cfg.Postgres, persistence.PgxDial(cfg.Postgres.DSN), logger)
	defer pool.Close(context.Background())

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pool, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}
	if err := store.VerifySchema(ctx, pool, families); err != nil {
		logger.Fatal("ticket family schema mismatch", zap.Error(err))
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()
	workers := worker.NewPool(cfg.Sync.Workers, cfg.Sync.QueueSize, logger)

	snapshotCache := sheet.NewSnapshotCache(redis.Client, cfg.Sheet.CacheTTL(), logger)
	mirror := sheet.NewMirror(cfg.Sheet.Path, snapshotCache, logger)
	issues := tracker.NewClient(cfg.Tracker, logger)

	userStore := store.NewUserStore(pool)
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authService := auth.NewService(userStore, tokens, cfg.Auth.BcryptCost)
	authMiddleware := auth.NewAuthMiddleware(tokens, userStore, cfg.Auth.Enforce)

	ticketStores := make(map[string]store.TicketStore, len(families))
	ticketHandlers := make(map[string]*handlers.TicketsHandler, len(families))
	for _, family := range families {
		ts := store.NewTicketStore(family, pool, logger)
		svc := lifecycle.NewService(family, ts, mirror, issues, workers, metrics,
			cfg.Sync.JoinTimeout(), logger.With(zap.String("family", family.Name)))
		ticketStores[family.Name] = ts
		ticketHandlers[family.Name] = handlers.NewTicketsHandler(svc, mirror)
	}

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	healthHandler := handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pool, redis, workers, metrics, ticketStores)
	usersHandler := handlers.NewUsersHandler(authService)

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         healthHandler,
		Users:          usersHandler,
		Tickets:        ticketHandlers,
		AuthMiddleware: authMiddleware,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.Shutdown()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := workers.Shutdown(drainCtx); err != nil {
		logger.Warn("background tasks did not drain", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
