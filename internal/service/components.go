// File: internal/service/components.go
package service

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
	"github.com/xkilldash9x/scalpel-resolver/internal/resolver"
	"github.com/xkilldash9x/scalpel-resolver/internal/selectors"
	"github.com/xkilldash9x/scalpel-resolver/internal/session"
)

const shutdownTimeout = 30 * time.Second

// Driver is a browser driver that owns a process which must be shut down.
type Driver interface {
	schemas.BrowserDriver
	Close() error
}

// Components holds every initialized service of a resolver process and
// centralizes their lifecycle.
type Components struct {
	Orchestrator *resolver.Orchestrator
	Targets      *resolver.Targets
	Selectors    *selectors.Store
	Pool         *session.Pool
	Driver       Driver
	Credentials  schemas.CredentialStore

	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	DBPool *pgxpool.Pool
	Redis  redis.UniversalClient
}

// Shutdown releases resources in dependency order: sessions first, then the
// browser process, then the backends the sessions and selectors wrote to.
func (c *Components) Shutdown() error {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// Shutdown must complete even when the application context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if c.Pool != nil {
		if err := c.Pool.Close(ctx); err != nil {
			logger.Warn("Error closing session pool.", zap.Error(err))
			errs = append(errs, err)
		} else {
			logger.Debug("Session pool closed.")
		}
	}

	if c.Driver != nil {
		if err := c.Driver.Close(); err != nil {
			logger.Warn("Error closing browser driver.", zap.Error(err))
			errs = append(errs, err)
		} else {
			logger.Debug("Browser driver closed.")
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logger.Warn("Error closing redis client.", zap.Error(err))
			errs = append(errs, err)
		} else {
			logger.Debug("Redis client closed.")
		}
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All resolver components shut down.")
	return errors.Join(errs...)
}
