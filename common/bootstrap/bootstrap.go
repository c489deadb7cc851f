package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/estatehub/portal/common/cache"
	"github.com/estatehub/portal/common/config"
	"github.com/estatehub/portal/common/db"
	"github.com/estatehub/portal/common/logger"
	"github.com/estatehub/portal/common/queue"
	"github.com/estatehub/portal/common/ratelimit"
	"github.com/estatehub/portal/common/redis"
	"github.com/estatehub/portal/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	start := time.Now()

	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
		"storage", cfg.Storage.Backend,
	)

	// 3. Initialize database (postgres storage only)
	if !options.skipDB && cfg.Storage.Backend == "postgres" {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		if cfg.Database.AutoMigrate {
			if err := components.DB.Migrate(ctx); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("auto migration failed: %w", err)
			}
		}

		// Run DB init hook if provided
		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx) // Cleanup what we've initialized
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 4. Initialize redis (if enabled)
	if !options.skipRedis && cfg.Redis.Enabled {
		components.Logger.Info("connecting to redis", "addr", cfg.RedisAddr())
		components.Redis, err = redis.Dial(ctx, cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 5. Initialize queue (if not skipped)
	if !options.skipQueue {
		components.Logger.Info("initializing queue", "type", "memory")
		components.Queue = queue.NewMemoryQueue(components.Logger)

		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 6. Initialize cache (if not skipped)
	if !options.skipCache && cfg.Cache.Enabled {
		components.Logger.Info("initializing cache", "backend", cfg.Cache.Backend)

		switch {
		case cfg.Cache.Backend == "redis" && components.Redis != nil:
			components.Cache = cache.NewRedisCache(components.Redis, serviceName+":cache:")
		default:
			components.Cache = cache.NewMemoryCache(components.Logger)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing cache")
			return components.Cache.Close()
		})
	}

	// 7. Initialize rate limiter (requires redis)
	if cfg.RateLimit.Enabled && components.Redis != nil {
		components.RateLimiter = ratelimit.NewRateLimiter(
			components.Redis.GetUnderlying(),
			ratelimit.TiersFromConfig(cfg.RateLimit),
			components.Logger,
		)
	}

	// 8. Initialize telemetry (if not skipped)
	if !options.skipTelemetry && (cfg.Telemetry.EnablePprof || cfg.Telemetry.EnableMetrics) {
		components.Logger.Info("initializing telemetry")
		pprofPort, metricsPort := 0, 0
		if cfg.Telemetry.EnablePprof {
			pprofPort = cfg.Telemetry.PprofPort
		}
		if cfg.Telemetry.EnableMetrics {
			metricsPort = cfg.Telemetry.MetricsPort
		}
		components.Telemetry = telemetry.New(pprofPort, metricsPort, components.Logger)

		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		}

		components.addCleanup(func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return components.Telemetry.Stop(stopCtx)
		})
		components.Telemetry.RecordDuration("bootstrap", start)
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"cache", components.Cache != nil,
		"rate_limit", components.RateLimiter != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
