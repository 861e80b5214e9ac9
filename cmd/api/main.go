package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	geoadapter "github.com/campus-loop/ride-dispatch-api/internal/adapters/geo"
	memstore "github.com/campus-loop/ride-dispatch-api/internal/adapters/memory/dispatchstore"
	"github.com/campus-loop/ride-dispatch-api/internal/adapters/postgres"
	pgstore "github.com/campus-loop/ride-dispatch-api/internal/adapters/postgres/dispatchstore"
	"github.com/campus-loop/ride-dispatch-api/internal/adapters/wsapi"
	"github.com/campus-loop/ride-dispatch-api/internal/app/rides"
	"github.com/campus-loop/ride-dispatch-api/internal/app/users"
	platformclock "github.com/campus-loop/ride-dispatch-api/internal/platform/clock"
	"github.com/campus-loop/ride-dispatch-api/internal/platform/config"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store   dispatchstore.Store
		cleanup func()
	)
	switch cfg.Storage {
	case config.StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			log.Error("postgres connect", "error", err)
			os.Exit(1)
		}
		cleanup = pool.Close
		if err := postgres.Migrate(ctx, pool); err != nil {
			log.Error("postgres migrate", "error", err)
			os.Exit(1)
		}
		store = pgstore.NewStore(pool)
	default:
		store = memstore.NewStore()
	}
	if cleanup != nil {
		defer cleanup()
	}

	clk := platformclock.NewSystemClock()
	rideSvc := rides.NewService(store, clk)
	userSvc := users.NewService(store, clk)

	registry := wsapi.NewRegistry()
	notifier := wsapi.NewNotifier(log)
	dispatcher := wsapi.NewDispatcher(
		rideSvc,
		userSvc,
		registry,
		notifier,
		geoadapter.HaversineEstimator{},
		geoadapter.StaticPlaces{},
		log,
	)

	timing := wsapi.Timing{
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		PingPeriod: cfg.PingPeriod,
	}
	server := wsapi.NewServer(dispatcher, notifier, registry, cfg.AllowedOrigins, timing, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           wsapi.NewRouter(server),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", cfg.Addr, "storage", string(cfg.Storage))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
