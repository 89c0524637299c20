package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/mocks"
	"github.com/xkilldash9x/scalpel-resolver/internal/store"
)

func TestCreate_MemoryBackend(t *testing.T) {
	driver := &fakeDriver{}
	factory := NewComponentFactory(withFakeDriver(driver))

	components, err := factory.Create(context.Background(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, components.Orchestrator)
	assert.Nil(t, components.DBPool)
	assert.Nil(t, components.Redis)
	assert.Nil(t, components.Metrics, "metrics are off by default")
	assert.IsType(t, &store.MemoryCredentials{}, components.Credentials)

	p, ok := components.Targets.Get("chat")
	require.True(t, ok)
	assert.Equal(t, []string{schemas.RoleInput, schemas.RoleSubmit}, p.RequiredRoles)

	require.NoError(t, components.Shutdown())
	assert.EqualValues(t, 1, driver.closes.Load())
	assert.Zero(t, driver.opens.Load(), "nothing is opened before the first resolution")
}

func TestCreate_ResolutionReachesDriver(t *testing.T) {
	driver := &fakeDriver{}
	cfg := testConfig()
	// Only the pool's create path is exercised; keep recovery short.
	cfg.FallbackCfg.Chains = map[string][]config.StepConfig{
		"network": {{ID: "network-retry", Action: "retry", Budget: 1}},
	}
	components, err := NewComponentFactory(withFakeDriver(driver)).Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer components.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := components.Orchestrator.Resolve(ctx, "chat", schemas.Intent{Payload: "hi"})
	require.NoError(t, err)
	_, err = s.Collect(ctx)
	assert.Error(t, err)
	assert.EqualValues(t, 2, driver.opens.Load(), "first attempt plus one retry")
}

func TestCreate_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.SetSelectorsBackend(config.BackendRedis)
	cfg.RedisCfg.Addr = mr.Addr()
	cfg.MetricsCfg.Enabled = true

	components, err := NewComponentFactory(withFakeDriver(&fakeDriver{})).Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, components.Redis)
	assert.IsType(t, &store.RedisCredentials{}, components.Credentials)
	require.NotNil(t, components.Metrics)
	require.NotNil(t, components.Registry)

	families, err := components.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	require.NoError(t, components.Shutdown())
}

func TestCreate_Errors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("InvalidChain", func(t *testing.T) {
		driver := &fakeDriver{}
		cfg := testConfig()
		cfg.FallbackCfg.Chains = map[string][]config.StepConfig{"network": {{ID: "x", Action: "pray", Budget: 1}}}

		_, err := NewComponentFactory(withFakeDriver(driver)).Create(context.Background(), cfg, logger)
		assert.ErrorContains(t, err, "fallback chains")
		assert.Zero(t, driver.closes.Load(), "no driver was created yet")
	})

	t.Run("TargetWithoutURL", func(t *testing.T) {
		cfg := testConfig()
		cfg.TargetsCfg["broken"] = schemas.TargetProfile{}
		_, err := NewComponentFactory(withFakeDriver(&fakeDriver{})).Create(context.Background(), cfg, logger)
		assert.ErrorContains(t, err, "targets")
	})

	t.Run("UnreachableRedis", func(t *testing.T) {
		cfg := testConfig()
		cfg.SetSelectorsBackend(config.BackendRedis)
		cfg.RedisCfg.Addr = "127.0.0.1:1"
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := NewComponentFactory(withFakeDriver(&fakeDriver{})).Create(ctx, cfg, logger)
		assert.ErrorContains(t, err, "ping redis")
	})
}

func TestInitializeBackend(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("Memory", func(t *testing.T) {
		cfg := new(mocks.MockConfig)
		cfg.On("Selectors").Return(config.SelectorsConfig{Backend: config.BackendMemory})
		b, err := InitializeBackend(ctx, cfg, logger)
		require.NoError(t, err)
		assert.Nil(t, b.Selectors)
		assert.NotNil(t, b.Credentials)
		cfg.AssertExpectations(t)
	})

	t.Run("PostgresWithoutURL", func(t *testing.T) {
		cfg := new(mocks.MockConfig)
		cfg.On("Selectors").Return(config.SelectorsConfig{Backend: config.BackendPostgres})
		cfg.On("Database").Return(config.DatabaseConfig{})
		_, err := InitializeBackend(ctx, cfg, logger)
		assert.ErrorContains(t, err, "database URL is not configured")
	})

	t.Run("PostgresBadURL", func(t *testing.T) {
		cfg := new(mocks.MockConfig)
		cfg.On("Selectors").Return(config.SelectorsConfig{Backend: config.BackendPostgres})
		cfg.On("Database").Return(config.DatabaseConfig{URL: "postgres://%zz"})
		_, err := InitializeBackend(ctx, cfg, logger)
		assert.ErrorContains(t, err, "parse PGX pool config")
	})

	t.Run("Unsupported", func(t *testing.T) {
		cfg := new(mocks.MockConfig)
		cfg.On("Selectors").Return(config.SelectorsConfig{Backend: "etcd"})
		_, err := InitializeBackend(ctx, cfg, logger)
		assert.ErrorContains(t, err, "unsupported selector backend")
	})
}
