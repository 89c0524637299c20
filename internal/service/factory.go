// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/browser"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/discovery"
	"github.com/xkilldash9x/scalpel-resolver/internal/fallback"
	"github.com/xkilldash9x/scalpel-resolver/internal/resolver"
	"github.com/xkilldash9x/scalpel-resolver/internal/selectors"
	"github.com/xkilldash9x/scalpel-resolver/internal/session"
	"github.com/xkilldash9x/scalpel-resolver/internal/stream"
)

// ComponentFactory builds the resolver's component graph. The abstraction
// keeps the commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// FactoryOption customises the production factory.
type FactoryOption func(*concreteFactory)

// WithDriver replaces the chromedp driver, e.g. with a scripted one in tests.
func WithDriver(newDriver func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) Driver) FactoryOption {
	return func(f *concreteFactory) { f.newDriver = newDriver }
}

// WithDiscoverer replaces the heuristic discoverer.
func WithDiscoverer(d schemas.Discoverer) FactoryOption {
	return func(f *concreteFactory) { f.discoverer = d }
}

// WithSolver sets the CAPTCHA solver. Without one, challenges fail the resolution.
func WithSolver(s schemas.CaptchaSolver) FactoryOption {
	return func(f *concreteFactory) { f.solver = s }
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	newDriver  func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) Driver
	discoverer schemas.Discoverer
	solver     schemas.CaptchaSolver
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{
		newDriver: func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) Driver {
			return browser.NewDriver(ctx, cfg, logger)
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create handles the full dependency injection and initialization of the resolver.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (_ *Components, err error) {
	components := &Components{}
	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			_ = components.Shutdown()
		}
	}()

	// 1. Metrics
	if cfg.Metrics().Enabled {
		components.Metrics, components.Registry, err = InitializeMetrics()
		if err != nil {
			return nil, err
		}
	}

	// 2. Targets
	targets, err := resolver.NewTargets(cfg.Targets())
	if err != nil {
		return nil, fmt.Errorf("failed to register targets: %w", err)
	}
	components.Targets = targets

	// 3. Fallback chains
	chains, err := fallback.NewChains(cfg.Fallback())
	if err != nil {
		return nil, fmt.Errorf("failed to build fallback chains: %w", err)
	}

	// 4. Persistence
	backend, err := InitializeBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	components.DBPool = backend.DBPool
	components.Redis = backend.Redis
	components.Credentials = backend.Credentials
	logger.Debug("Selector backend initialized.", zap.String("backend", cfg.Selectors().Backend))

	// 5. Selector store
	opts := selectors.OptionsFromConfig(cfg.Selectors(), cfg.Detector())
	opts.RequiredRoles = targets.RequiredRoles
	components.Selectors = selectors.NewStore(opts, backend.Selectors, logger, components.Metrics)

	// 6. Browser and session pool
	components.Driver = f.newDriver(ctx, cfg.Browser(), logger)
	components.Pool = session.NewPool(components.Driver, cfg.Pool(), logger,
		session.WithCredentials(backend.Credentials),
		session.WithMetrics(components.Metrics),
	)
	logger.Debug("Session pool initialized.", zap.Int("max_sessions_per_target", cfg.Pool().MaxSessionsPerTarget))

	// 7. Orchestrator
	discoverer := f.discoverer
	if discoverer == nil {
		discoverer = discovery.NewHeuristic(targets.Get, logger)
	}
	orch, err := resolver.New(resolver.Dependencies{
		Targets:        targets,
		Selectors:      components.Selectors,
		Pool:           components.Pool,
		Detector:       stream.NewDetector(cfg.Detector(), logger, components.Metrics),
		Assembler:      stream.NewAssembler(cfg.Assembler(), logger),
		Chains:         chains,
		Discoverer:     discoverer,
		Solver:         f.solver,
		Credentials:    backend.Credentials,
		Metrics:        components.Metrics,
		DiscoveryRate:  cfg.Selectors().DiscoveryRate,
		DiscoveryBurst: cfg.Selectors().DiscoveryBurst,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	components.Orchestrator = orch

	logger.Info("All resolver components initialized.", zap.Strings("targets", targets.IDs()))
	return components, nil
}
