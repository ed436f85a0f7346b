// Package main provides a standalone entry point for the authorization
// engine. It serves decisions over HTTP from a YAML fixtures file with an
// in-memory cache, which is convenient for local development and demos.
// The full service lives in cmd/authz-engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/nielsarts/ai-authz-engine/internal/authz"
	"github.com/nielsarts/ai-authz-engine/internal/cache"
	"github.com/nielsarts/ai-authz-engine/internal/provider"
)

func main() {
	// Parse command line flags
	fixturesPath := flag.String("fixtures", "./configs/fixtures.yaml", "Path to YAML fixtures file")
	httpPort := flag.Int("port", 8080, "HTTP server port")
	cacheTTL := flag.Duration("cache-ttl", provider.DefaultCacheTTL, "Lifetime of cached lookups")
	flag.Parse()

	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fixtures, err := provider.LoadFixtures(*fixturesPath)
	if err != nil {
		logger.Fatal("failed to load fixtures", zap.String("path", *fixturesPath), zap.Error(err))
	}
	logger.Info("loaded fixtures",
		zap.String("path", *fixturesPath),
		zap.Int("applications", len(fixtures.Applications)),
		zap.Int("trait_policies", len(fixtures.TraitPolicies)),
		zap.Int("vector_dbs", len(fixtures.VectorDBs)),
	)

	cached := provider.NewCachedProvider(provider.NewStaticProvider(fixtures), cache.NewMemory(), *cacheTTL, logger)
	engine := authz.NewEngine(cached, logger)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Health check endpoint
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	authzHandler := authz.NewHTTPHandler(engine, cached, logger)
	authzHandler.RegisterRoutes(e.Group("/authz/v1"))

	// -----------------------------------------------------------------------------
	// Start HTTP Server
	// -----------------------------------------------------------------------------
	go func() {
		addr := fmt.Sprintf(":%d", *httpPort)
		logger.Info("starting HTTP server",
			zap.String("address", addr),
		)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// -----------------------------------------------------------------------------
	// Graceful Shutdown
	// -----------------------------------------------------------------------------
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// initLogger initializes the zap logger.
func initLogger() (*zap.Logger, error) {
	if os.Getenv("AUTHZ_LOGGING_DEVELOPMENT") == "true" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
