package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nielsarts/ai-authz-engine/internal/authz"
	"github.com/nielsarts/ai-authz-engine/internal/cache"
	"github.com/nielsarts/ai-authz-engine/internal/config"
	"github.com/nielsarts/ai-authz-engine/internal/handler"
	"github.com/nielsarts/ai-authz-engine/internal/provider"
	"github.com/nielsarts/ai-authz-engine/internal/provider/sqlstore"
	"github.com/nielsarts/ai-authz-engine/internal/rabbitmq"
	"github.com/nielsarts/ai-authz-engine/internal/telemetry"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting authorization engine",
		zap.String("config", *configPath),
		zap.String("provider", cfg.Provider.Kind),
		zap.String("cache", cfg.Cache.Kind),
	)

	if cfg.Telemetry.Enabled {
		telemetry.Init()
	}

	// -----------------------------------------------------------------------------
	// Decision data
	// -----------------------------------------------------------------------------
	source, closeSource, err := newProvider(cfg.Provider, logger)
	if err != nil {
		logger.Fatal("failed to initialize provider", zap.Error(err))
	}
	defer closeSource.Close()

	decisionCache, err := newCache(cfg.Cache)
	if err != nil {
		logger.Fatal("failed to initialize cache", zap.Error(err))
	}
	if c, ok := decisionCache.(io.Closer); ok {
		defer c.Close()
	}

	cached := provider.NewCachedProvider(source, decisionCache, cfg.Cache.TTL, logger)
	engine := authz.NewEngine(cached, logger)

	// -----------------------------------------------------------------------------
	// HTTP API
	// -----------------------------------------------------------------------------
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	authzHandler := authz.NewHTTPHandler(engine, cached, logger)
	authzHandler.RegisterRoutes(e.Group("/authz/v1"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -----------------------------------------------------------------------------
	// RabbitMQ request/reply
	// -----------------------------------------------------------------------------
	if cfg.RabbitMQ.Enabled {
		consumer, err := rabbitmq.NewConsumer(
			cfg.RabbitMQ.URL(),
			cfg.RabbitMQ.Queue,
			cfg.RabbitMQ.PrefetchCount,
			logger,
		)
		if err != nil {
			logger.Fatal("failed to create RabbitMQ consumer", zap.Error(err))
		}
		defer consumer.Close()

		msgs, err := consumer.Consume(ctx)
		if err != nil {
			logger.Fatal("failed to start consuming messages", zap.Error(err))
		}

		reqHandler := handler.NewHandler(engine, consumer, logger)
		go reqHandler.Serve(ctx, msgs)

		go func() {
			if amqpErr, ok := <-consumer.NotifyClose(); ok {
				logger.Error("RabbitMQ connection closed", zap.Error(amqpErr))
				stop()
			}
		}()
	}

	// Start HTTP server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Info("starting HTTP server", zap.String("address", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutting down authorization engine...")

	// Gracefully shutdown HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server gracefully", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newProvider opens the configured data provider. The SQLite store is seeded
// from the fixtures file when one is configured and present.
func newProvider(cfg config.ProviderConfig, logger *zap.Logger) (provider.DataProvider, io.Closer, error) {
	fixtures, err := provider.LoadFixtures(cfg.FixturesPath)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Kind {
	case config.ProviderSQLite:
		store, err := sqlstore.New(
			sqlstore.WithDatabaseFile(cfg.DatabaseFile),
			sqlstore.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		if err := store.ImportFixtures(context.Background(), fixtures); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store, nil
	default:
		logger.Info("serving static fixtures",
			zap.String("path", cfg.FixturesPath),
			zap.Int("applications", len(fixtures.Applications)),
		)
		return provider.NewStaticProvider(fixtures), closerFunc(func() error { return nil }), nil
	}
}

// newCache creates the configured provider cache.
func newCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Kind {
	case config.CacheRedis:
		r, err := cache.NewRedis(cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.CacheMemory:
		return cache.NewMemory(), nil
	default:
		return cache.Noop{}, nil
	}
}

// initLogger creates a configured zap logger
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	// Parse log level
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Format,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{cfg.Output},
		ErrorOutputPaths: []string{"stderr"},
	}

	if cfg.Format == "console" {
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	return logger
}
