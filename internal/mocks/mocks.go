// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Redis() config.RedisConfig {
	args := m.Called()
	return args.Get(0).(config.RedisConfig)
}

func (m *MockConfig) Selectors() config.SelectorsConfig {
	args := m.Called()
	return args.Get(0).(config.SelectorsConfig)
}

func (m *MockConfig) Pool() config.PoolConfig {
	args := m.Called()
	return args.Get(0).(config.PoolConfig)
}

func (m *MockConfig) Detector() config.DetectorConfig {
	args := m.Called()
	return args.Get(0).(config.DetectorConfig)
}

func (m *MockConfig) Assembler() config.AssemblerConfig {
	args := m.Called()
	return args.Get(0).(config.AssemblerConfig)
}

func (m *MockConfig) Fallback() config.FallbackConfig {
	args := m.Called()
	return args.Get(0).(config.FallbackConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

func (m *MockConfig) Targets() map[string]schemas.TargetProfile {
	args := m.Called()
	return args.Get(0).(map[string]schemas.TargetProfile)
}

func (m *MockConfig) Target(id string) (schemas.TargetProfile, bool) {
	args := m.Called(id)
	return args.Get(0).(schemas.TargetProfile), args.Bool(1)
}

// --- Setters ---

func (m *MockConfig) SetSelectorsBackend(b string) {
	m.Called(b)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetPoolMaxSessionsPerTarget(n int) {
	m.Called(n)
}

// -- Collaborator Mocks --

// MockDiscoverer mocks schemas.Discoverer.
type MockDiscoverer struct {
	mock.Mock
}

func (m *MockDiscoverer) Discover(ctx context.Context, targetID, role string) (schemas.Locator, error) {
	args := m.Called(ctx, targetID, role)
	return args.Get(0).(schemas.Locator), args.Error(1)
}

// MockCaptchaSolver mocks schemas.CaptchaSolver.
type MockCaptchaSolver struct {
	mock.Mock
}

func (m *MockCaptchaSolver) Solve(ctx context.Context, challenge schemas.Challenge) (string, error) {
	args := m.Called(ctx, challenge)
	return args.String(0), args.Error(1)
}

// MockCredentialStore mocks schemas.CredentialStore.
type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) Load(ctx context.Context, targetID string) ([]schemas.Cookie, error) {
	args := m.Called(ctx, targetID)
	if c := args.Get(0); c != nil {
		return c.([]schemas.Cookie), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCredentialStore) Save(ctx context.Context, targetID string, cookies []schemas.Cookie) error {
	return m.Called(ctx, targetID, cookies).Error(0)
}

func (m *MockCredentialStore) Forget(ctx context.Context, targetID string) error {
	return m.Called(ctx, targetID).Error(0)
}

// -- Browser Mocks --

// MockBrowserDriver mocks schemas.BrowserDriver.
type MockBrowserDriver struct {
	mock.Mock
}

func (m *MockBrowserDriver) Open(ctx context.Context, profile schemas.TargetProfile) (schemas.BrowserConn, error) {
	args := m.Called(ctx, profile)
	if c := args.Get(0); c != nil {
		return c.(schemas.BrowserConn), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockBrowserConn mocks schemas.BrowserConn.
type MockBrowserConn struct {
	mock.Mock
}

func (m *MockBrowserConn) Probe(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowserConn) ApplyCookies(ctx context.Context, cookies []schemas.Cookie) error {
	return m.Called(ctx, cookies).Error(0)
}

func (m *MockBrowserConn) ExportCookies(ctx context.Context) ([]schemas.Cookie, error) {
	args := m.Called(ctx)
	if c := args.Get(0); c != nil {
		return c.([]schemas.Cookie), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrowserConn) Inspect(ctx context.Context, profile schemas.TargetProfile) (schemas.PageCondition, error) {
	args := m.Called(ctx, profile)
	return args.Get(0).(schemas.PageCondition), args.Error(1)
}

func (m *MockBrowserConn) Locate(ctx context.Context, expr schemas.Expression) error {
	return m.Called(ctx, expr).Error(0)
}

func (m *MockBrowserConn) Fill(ctx context.Context, expr schemas.Expression, text string) error {
	return m.Called(ctx, expr, text).Error(0)
}

func (m *MockBrowserConn) Click(ctx context.Context, expr schemas.Expression) error {
	return m.Called(ctx, expr).Error(0)
}

func (m *MockBrowserConn) SubmitCaptchaToken(ctx context.Context, profile schemas.TargetProfile, token string) error {
	return m.Called(ctx, profile, token).Error(0)
}

func (m *MockBrowserConn) Tap(ctx context.Context, profile schemas.TargetProfile) (schemas.EventTap, error) {
	args := m.Called(ctx, profile)
	if t := args.Get(0); t != nil {
		return t.(schemas.EventTap), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrowserConn) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockEventTap mocks schemas.EventTap.
type MockEventTap struct {
	mock.Mock
}

func (m *MockEventTap) Events() <-chan schemas.RawEvent {
	args := m.Called()
	return args.Get(0).(<-chan schemas.RawEvent)
}

func (m *MockEventTap) Stop() {
	m.Called()
}
