package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/estatehub/portal/cmd/api/container"
	"github.com/estatehub/portal/cmd/api/handlers"
	apimw "github.com/estatehub/portal/cmd/api/middleware"
	"github.com/estatehub/portal/cmd/api/routes"
	"github.com/estatehub/portal/common/bootstrap"
	commonmw "github.com/estatehub/portal/common/middleware"
	"github.com/estatehub/portal/common/server"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	// Bootstrap common components (DB, redis, logger, queue, cache, telemetry)
	components, err := bootstrap.Setup(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("failed to bootstrap %s: %w", serviceName, err)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		return fmt.Errorf("failed to initialize service container: %w", err)
	}

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go serviceContainer.Stream.Run(relayCtx)
	if feed := serviceContainer.StreamFeed; feed != nil {
		if err := feed.Start(relayCtx); err != nil {
			return err
		}
	}
	if serviceContainer.EventRelay != nil {
		if err := serviceContainer.EventRelay.Start(relayCtx); err != nil {
			return err
		}
	}

	e := setupEcho(components)
	setupMiddleware(e, components)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	srv := server.New(serviceName, components.Config.Service.Port, e, components.Logger)
	srv.OnShutdown(func(context.Context) error {
		// hijacked stream connections are not closed by http.Server
		stopRelay()
		return nil
	})
	return srv.Start(ctx)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho(components *bootstrap.Components) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewRequestValidator()
	e.HTTPErrorHandler = handlers.ErrorHandler(components.Logger)
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, components *bootstrap.Components) {
	log := components.Logger

	e.Use(middleware.RequestID())
	e.Use(apimw.PropagateRequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			l := log.WithContext(c.Request().Context())
			if v.Error != nil {
				l.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			l.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: components.Config.Service.CORSOrigins,
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			apimw.UserIDHeader,
			apimw.UserRoleHeader,
			handlers.IdempotencyKeyHeader,
		},
	}))
	e.Use(commonmw.RequestMetrics())

	if rl := components.RateLimiter; rl != nil {
		e.Use(commonmw.GlobalRateLimitMiddleware(rl, components.Config.RateLimit.GlobalLimit))
	}
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": serviceName,
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterChangeRoutes(e, serviceContainer)
	routes.RegisterResourceRoutes(e, serviceContainer)
	routes.RegisterEmployeeRoutes(e, serviceContainer)
}
