package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vettrack/internal/api"
	"vettrack/internal/auth"
	"vettrack/internal/backend"
	"vettrack/internal/config"
	"vettrack/internal/events"
	"vettrack/internal/poller"
	"vettrack/internal/pubsub"
	"vettrack/internal/push"
	"vettrack/internal/schema"
	"vettrack/internal/tracking"
	"vettrack/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Tracking failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// engineSink lets the push client be built before the engine it feeds
type engineSink struct {
	engine *tracking.Engine
}

func (s *engineSink) Submit(ctx context.Context, ev events.Event) error {
	return s.engine.Submit(ctx, ev)
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger = logger.With(zap.String("emergency_id", cfg.Tracking.EmergencyID))

	userID := cfg.Backend.UserID
	if userID == "" {
		id, err := auth.UserIDFromToken(cfg.Backend.AccessToken)
		if err != nil {
			return fmt.Errorf("derive user id from access token: %w", err)
		}
		userID = id
	}

	schemas := schema.NewCompilerWithCache(64)
	decoder := events.NewDecoder(schemas)
	backendClient := backend.New(cfg.Backend.URL, cfg.Backend.AccessToken, logger, backend.WithSchemas(schemas))

	sink := &engineSink{}
	pushClient, err := push.NewClient(push.Config{
		URL:         cfg.Backend.PushURL,
		Token:       cfg.Backend.AccessToken,
		UserID:      userID,
		EmergencyID: cfg.Tracking.EmergencyID,
	}, decoder, sink, logger)
	if err != nil {
		return fmt.Errorf("create push client: %w", err)
	}

	engine := tracking.NewEngine(tracking.Config{
		EmergencyID:            cfg.Tracking.EmergencyID,
		Policy:                 tracking.Policy{EscalationThreshold: cfg.Tracking.EscalationThreshold},
		CompletionFetchTimeout: cfg.Tracking.CompletionFetchTimeout,
		CommandTimeout:         cfg.Tracking.CommandTimeout,
		SilenceThreshold:       cfg.Tracking.SilenceThreshold,
	}, backendClient, pushClient, logger)
	sink.engine = engine

	var wg sync.WaitGroup
	engineErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		engineErr <- engine.Run(ctx)
	}()

	select {
	case <-engine.Ready():
	case err := <-engineErr:
		wg.Wait()
		return err
	}

	// Redis mirror (optional)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("Redis unavailable, view mirror disabled", zap.Error(err))
			client.Close()
		} else {
			rdb = client
			defer rdb.Close()
		}
	}
	bus := pubsub.New(rdb, logger)

	hub := ws.NewHub(logger)
	if streams := bus.GetStreams(); streams != nil {
		hub.SetStreamsProvider(streams)
	}
	hub.SetCommandHandler(ws.NewCommandHandler(engine, logger))
	bus.SetWSHub(hub)

	wg.Add(3)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		bus.Forward(ctx, cfg.Tracking.EmergencyID, engine)
	}()
	go func() {
		defer wg.Done()
		if err := pushClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Push client stopped", zap.Error(err))
		}
	}()

	poll := poller.New(cfg.Tracking.EmergencyID, cfg.Tracking.PollInterval, backendClient, engine,
		func() bool { return engine.State().Terminal() }, logger)
	poll.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount("/v1", api.Routes(api.Dependencies{
		Engine:       engine,
		EmergencyID:  cfg.Tracking.EmergencyID,
		Hub:          hub,
		Log:          logger,
		JWTSecret:    cfg.Server.JWTSecret,
		AwaitTimeout: cfg.Tracking.CommandTimeout + 5*time.Second,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if engine.View().Connectivity != tracking.ConnectivityOK || !pushClient.Connected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("DEGRADED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("Starting server", zap.String("addr", cfg.Server.Addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	poll.Wait()
	wg.Wait()
	if err := <-engineErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Stopped", zap.String("status", string(engine.State().Request.Status)))
	return nil
}
