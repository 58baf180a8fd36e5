package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/brokerlink/relay/internal/broker"
	"github.com/brokerlink/relay/internal/infrastructure/config"
	"github.com/brokerlink/relay/internal/infrastructure/ratelimit"
	"github.com/brokerlink/relay/internal/messaging"
	"github.com/brokerlink/relay/internal/reconciler"
	"github.com/brokerlink/relay/internal/relay"
	"github.com/brokerlink/relay/internal/resilience"
	"github.com/brokerlink/relay/internal/server"
	"github.com/brokerlink/relay/internal/storage"
	"github.com/brokerlink/relay/internal/tracing"
	"github.com/brokerlink/relay/internal/ws"
	"github.com/brokerlink/relay/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional, env-only when empty)")
	flag.Parse()

	// Missing .env is fine; env vars may come from the environment proper.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("init trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("trace provider shutdown failed", zap.Error(err))
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := cache.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable, continuing without order cache", zap.Error(err))
			cache = nil
		}
		cancel()
	}

	store, err := storage.New(db, cache, log)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	limiter := ratelimit.NewLimiter(log, registry)
	defer limiter.Close()
	executor := resilience.NewExecutor(limiter, log, registry)
	defer executor.Close()
	traces := tracing.NewRegistry(store, log, cfg.Trace.MaxAge)
	defer traces.Close()

	hub := ws.NewHub(log, registry)
	gateway := ws.NewGateway(hub, ws.JWTAuthenticator([]byte(cfg.Auth.JWTSecret)), log)

	var publisher reconciler.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer kp.Close()
		publisher = kp
	}

	recon := reconciler.NewService(store, hub, publisher, log)

	brokers := broker.NewRegistry()
	for _, bc := range cfg.Brokers {
		brokers.Register(broker.NewRESTAdapter(broker.RESTConfig{
			Name:    bc.Name,
			BaseURL: bc.BaseURL,
			APIKey:  bc.APIKey,
			Timeout: bc.Timeout,
		}, log))
	}
	log.Info("brokers configured", zap.Strings("brokers", brokers.Names()))

	svc := relay.NewService(store, brokers, executor, recon, traces, limiter, relay.Config{
		RateLimit:       cfg.RateLimit.Limit,
		RateLimitWindow: cfg.RateLimit.Window,
		Retry: resilience.Policy{
			MaxRetries:        cfg.Retry.MaxRetries,
			BaseDelay:         cfg.Retry.BaseDelay,
			MaxDelay:          cfg.Retry.MaxDelay,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
		Reconcile: reconciler.Options{
			BroadcastOnChange:     true,
			SkipIfUnchanged:       true,
			MaxBroadcastRetries:   cfg.Broadcast.MaxRetries,
			BroadcastRetryDelay:   cfg.Broadcast.RetryDelay,
			RequireAcknowledgment: cfg.Broadcast.RequireAck,
		},
	}, log)

	srv := server.New(svc, gateway, []byte(cfg.Auth.JWTSecret), registry, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
