package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webAdapter "inventory-core/internal/adapters/web"
	"inventory-core/internal/app"
	"inventory-core/internal/auth"
	"inventory-core/internal/config"
	"inventory-core/internal/core"
	"inventory-core/internal/db"
	"inventory-core/internal/events"
	"inventory-core/internal/logging"
	"inventory-core/internal/memstore"
	"inventory-core/internal/push"
	"inventory-core/internal/telemetry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.Telemetry.LogLevel, cfg.Development())
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	var store core.Store
	if cfg.DB.URL != "" {
		pool, err := db.NewPool(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = db.NewStore(pool, cfg.DB.LockTimeout)
		logger.Info("using postgres store", zap.Int32("max_conns", cfg.DB.MaxConns))
	} else {
		store = memstore.New()
		logger.Warn("DATABASE_URL not set, using in-memory store; state is lost on exit")
	}

	if cfg.Server.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	issuer := auth.NewIssuer(cfg.Server.JWTSecret, 0)

	policy, err := core.PolicyFromConfig(cfg.Inventory)
	if err != nil {
		return err
	}
	bus := events.NewBus(cfg.Bus.QueueSize, logger.Named("bus"))
	defer bus.Close()

	deps := core.Deps{
		Store:  store,
		Bus:    bus,
		Logger: logger,
		Policy: policy,
	}

	stock := core.NewStockService(deps)
	reservations := core.NewReservationService(deps)
	transfers := core.NewTransferService(deps)
	reports := core.NewReportingService(store)
	watcher := core.NewReorderWatcher(deps, cfg.Bus.QueueSize)
	defer watcher.Close()

	svc := app.NewAppService(stock, reservations, transfers, reports, watcher, logger)

	hub := push.NewHub(bus, issuer, cfg.Push, cfg.Server.AllowedOrigins, logger.Named("push"))
	handler := webAdapter.NewHandler(svc, issuer, hub, webAdapter.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         logger.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(watcher.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(reservations.RunSweeper(gctx, cfg.Inventory.ExpirySweepInterval))
	})
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn("push shutdown", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
