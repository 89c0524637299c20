// File: cmd/cmd_test.go
package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/resolver"
	"github.com/xkilldash9x/scalpel-resolver/internal/service"
	"github.com/xkilldash9x/scalpel-resolver/internal/store"
)

// -- Helpers --

const chatConfig = `
logger:
  level: error
targets:
  chat:
    url: https://chat.example
`

// isolate runs the test in an empty working directory with an empty $HOME
// so no real config file is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	t.Chdir(t.TempDir())
	return home
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// executeCommand runs a fresh root command and returns what it wrote to stdout.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// -- Echo browser --

type echoTap struct {
	ch   chan schemas.RawEvent
	once sync.Once
}

func (t *echoTap) Events() <-chan schemas.RawEvent { return t.ch }
func (t *echoTap) Stop()                           { t.once.Do(func() { close(t.ch) }) }

// echoConn answers every submission with an event stream that repeats the payload.
type echoConn struct {
	mu      sync.Mutex
	payload string
	tap     *echoTap
}

func (c *echoConn) Probe(context.Context) error                             { return nil }
func (c *echoConn) ApplyCookies(context.Context, []schemas.Cookie) error    { return nil }
func (c *echoConn) ExportCookies(context.Context) ([]schemas.Cookie, error) { return nil, nil }
func (c *echoConn) Locate(context.Context, schemas.Expression) error        { return nil }
func (c *echoConn) Close(context.Context) error                             { return nil }

func (c *echoConn) SubmitCaptchaToken(context.Context, schemas.TargetProfile, string) error {
	return nil
}

func (c *echoConn) Inspect(context.Context, schemas.TargetProfile) (schemas.PageCondition, error) {
	return schemas.PageCondition{}, nil
}

func (c *echoConn) Fill(_ context.Context, _ schemas.Expression, text string) error {
	c.mu.Lock()
	c.payload = text
	c.mu.Unlock()
	return nil
}

func (c *echoConn) Click(context.Context, schemas.Expression) error {
	c.mu.Lock()
	payload, tap := c.payload, c.tap
	c.mu.Unlock()
	now := time.Now()
	tap.ch <- schemas.RawEvent{Kind: schemas.EventResponseStarted, URL: "https://chat.example/api", ContentType: "text/event-stream", At: now}
	tap.ch <- schemas.RawEvent{Kind: schemas.EventSSEMessage, Data: "echo: ", At: now}
	tap.ch <- schemas.RawEvent{Kind: schemas.EventSSEMessage, Data: payload, At: now}
	tap.ch <- schemas.RawEvent{Kind: schemas.EventSSEMessage, Data: "[DONE]", At: now}
	return nil
}

func (c *echoConn) Tap(context.Context, schemas.TargetProfile) (schemas.EventTap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tap = &echoTap{ch: make(chan schemas.RawEvent, 16)}
	return c.tap, nil
}

type echoDriver struct {
	opens  atomic.Int32
	closed atomic.Bool
}

func (d *echoDriver) Open(context.Context, schemas.TargetProfile) (schemas.BrowserConn, error) {
	d.opens.Add(1)
	return &echoConn{}, nil
}

func (d *echoDriver) Close() error {
	d.closed.Store(true)
	return nil
}

// useDriver makes the commands build their components around d.
func useDriver(t *testing.T, d service.Driver) {
	t.Helper()
	original := newFactory
	newFactory = func(opts ...service.FactoryOption) service.ComponentFactory {
		opts = append(opts, service.WithDriver(func(context.Context, config.BrowserConfig, *zap.Logger) service.Driver { return d }))
		return original(opts...)
	}
	t.Cleanup(func() { newFactory = original })
}

// -- Root --

func TestRootCommand_Version(t *testing.T) {
	isolate(t)
	out, err := executeCommand(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	root := NewRootCommand()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"resolve", "selectors", "targets"})
}

func TestInitializeConfig(t *testing.T) {
	t.Run("DefaultsWithoutFile", func(t *testing.T) {
		isolate(t)
		v := viper.New()
		require.NoError(t, initializeConfig(v, ""))
		assert.Empty(t, v.ConfigFileUsed())
		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, config.BackendMemory, cfg.Selectors().Backend)
	})

	t.Run("WorkingDirectoryFile", func(t *testing.T) {
		isolate(t)
		require.NoError(t, os.WriteFile("config.yaml", []byte("pool:\n  max_sessions_per_target: 4\n"), 0o600))
		v := viper.New()
		require.NoError(t, initializeConfig(v, ""))
		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Pool().MaxSessionsPerTarget)
	})

	t.Run("HomeDirectoryFile", func(t *testing.T) {
		home := isolate(t)
		dir := filepath.Join(home, configDirName)
		require.NoError(t, os.MkdirAll(dir, 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("pool:\n  max_sessions_per_target: 6\n"), 0o600))
		v := viper.New()
		require.NoError(t, initializeConfig(v, ""))
		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 6, cfg.Pool().MaxSessionsPerTarget)
	})

	t.Run("EnvironmentOverridesFile", func(t *testing.T) {
		isolate(t)
		path := writeConfig(t, "pool:\n  max_sessions_per_target: 4\n")
		t.Setenv("SCALPEL_POOL_MAX_SESSIONS_PER_TARGET", "9")
		v := viper.New()
		require.NoError(t, initializeConfig(v, path))
		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Pool().MaxSessionsPerTarget)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		err := initializeConfig(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "selectors:\n  backend: etcd\n")
	_, err := executeCommand(t, "", "--config", path, "targets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selectors.backend")
}

func TestRootCommand_FlagOverridesBackend(t *testing.T) {
	isolate(t)
	path := writeConfig(t, chatConfig)
	_, err := executeCommand(t, "", "--config", path, "--backend", "cassandra", "targets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"cassandra"`)
}

// -- Targets --

func TestTargetsCommand(t *testing.T) {
	isolate(t)
	path := writeConfig(t, chatConfig+`
  Search:
    url: https://search.example
    required_roles: [input]
`)
	out, err := executeCommand(t, "", "--config", path, "targets")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "REQUIRED ROLES")
	assert.Contains(t, lines[1], "chat")
	assert.Contains(t, lines[1], "input,submit")
	assert.Contains(t, lines[2], "search")
	assert.Contains(t, lines[2], "https://search.example")
}

func TestTargetsCommand_Empty(t *testing.T) {
	isolate(t)
	out, err := executeCommand(t, "", "targets")
	require.NoError(t, err)
	assert.Equal(t, "No targets configured.\n", out)
}

// -- Resolve --

func TestResolveCommand(t *testing.T) {
	t.Run("PayloadArgument", func(t *testing.T) {
		isolate(t)
		driver := &echoDriver{}
		useDriver(t, driver)
		path := writeConfig(t, chatConfig)

		out, err := executeCommand(t, "", "--config", path, "resolve", "--target", "chat", "Hi there")
		require.NoError(t, err)
		assert.Equal(t, "echo: Hi there\n", out)
		assert.Equal(t, int32(1), driver.opens.Load())
		assert.True(t, driver.closed.Load(), "components must be shut down")
	})

	t.Run("PayloadFromStdin", func(t *testing.T) {
		isolate(t)
		useDriver(t, &echoDriver{})
		path := writeConfig(t, chatConfig)

		out, err := executeCommand(t, "piped prompt\n", "--config", path, "resolve", "-t", "chat")
		require.NoError(t, err)
		assert.Equal(t, "echo: piped prompt\n", out)
	})

	t.Run("JSONLines", func(t *testing.T) {
		isolate(t)
		useDriver(t, &echoDriver{})
		path := writeConfig(t, chatConfig)

		out, err := executeCommand(t, "", "--config", path, "resolve", "--target", "chat", "--json", "ping")
		require.NoError(t, err)

		var deltas []schemas.TextDelta
		sc := bufio.NewScanner(strings.NewReader(out))
		for sc.Scan() {
			var d schemas.TextDelta
			require.NoError(t, jsoniter.Unmarshal(sc.Bytes(), &d))
			deltas = append(deltas, d)
		}
		require.NotEmpty(t, deltas)
		last := deltas[len(deltas)-1]
		assert.True(t, last.Done)
		var text strings.Builder
		for i, d := range deltas {
			assert.Equal(t, i, d.Seq)
			text.WriteString(d.Text)
		}
		assert.Equal(t, "echo: ping", text.String())
		assert.Equal(t, schemas.MethodServerSentEvents, deltas[0].Method)
	})

	t.Run("UnknownTarget", func(t *testing.T) {
		isolate(t)
		useDriver(t, &echoDriver{})
		path := writeConfig(t, chatConfig)

		_, err := executeCommand(t, "", "--config", path, "resolve", "--target", "nowhere", "hello")
		assert.ErrorIs(t, err, resolver.ErrUnknownTarget)
	})

	t.Run("TargetRequired", func(t *testing.T) {
		isolate(t)
		_, err := executeCommand(t, "", "resolve", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "target")
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		isolate(t)
		path := writeConfig(t, chatConfig)
		_, err := executeCommand(t, "\n", "--config", path, "resolve", "--target", "chat")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "payload is empty")
	})
}

func TestReadPayload(t *testing.T) {
	p, err := readPayload(strings.NewReader("ignored"), []string{"arg"}, false)
	require.NoError(t, err)
	assert.Equal(t, "arg", p)

	p, err = readPayload(strings.NewReader("line one\nline two\r\n"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", p)

	_, err = readPayload(strings.NewReader("from stdin"), nil, true)
	assert.Error(t, err, "interactive prompts need stdin for tokens")

	_, err = readPayload(nil, []string{"   "}, false)
	assert.Error(t, err)
}

func TestPrintDeltas(t *testing.T) {
	feed := func(ds ...schemas.TextDelta) <-chan schemas.TextDelta {
		ch := make(chan schemas.TextDelta, len(ds))
		for _, d := range ds {
			ch <- d
		}
		close(ch)
		return ch
	}

	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		err := printDeltas(context.Background(), &buf, feed(
			schemas.TextDelta{Seq: 0, Text: "Hel"},
			schemas.TextDelta{Seq: 1, Text: "lo"},
			schemas.TextDelta{Seq: 2, Done: true},
		), func() error { return nil }, false)
		require.NoError(t, err)
		assert.Equal(t, "Hello\n", buf.String())
	})

	t.Run("ReturnsResolutionError", func(t *testing.T) {
		var buf bytes.Buffer
		boom := fmt.Errorf("stream miss")
		err := printDeltas(context.Background(), &buf, feed(schemas.TextDelta{Text: "partial"}),
			func() error { return boom }, false)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "partial", buf.String())
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := printDeltas(ctx, io.Discard, make(chan schemas.TextDelta), func() error { return nil }, false)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// -- Selectors --

func seedSelectors(t *testing.T, mr *miniredis.Miniredis, target string, at time.Time, roles ...string) {
	t.Helper()
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rs, err := store.NewRedis(ctx, client, "scalpel:selectors:", zap.NewNop())
	require.NoError(t, err)

	set := &schemas.SelectorSet{
		TargetID:        target,
		Locators:        map[string]schemas.Locator{},
		Method:          schemas.MethodServerSentEvents,
		DiscoveredAt:    at,
		LastValidatedAt: at,
	}
	for _, role := range roles {
		set.Locators[role] = schemas.Locator{
			Role:            role,
			Primary:         schemas.Expression{Kind: schemas.ExprID, Value: role + "-box"},
			Stability:       0.9,
			DiscoveredAt:    at,
			LastValidatedAt: at,
		}
	}
	require.NoError(t, rs.Save(ctx, set))
}

func redisConfig(t *testing.T, mr *miniredis.Miniredis) string {
	t.Helper()
	return writeConfig(t, chatConfig+fmt.Sprintf(`
selectors:
  backend: redis
redis:
  addr: %s
`, mr.Addr()))
}

func TestSelectorsCommands(t *testing.T) {
	t.Run("Show", func(t *testing.T) {
		isolate(t)
		mr := miniredis.RunT(t)
		seedSelectors(t, mr, "chat", time.Now().UTC(), schemas.RoleInput, schemas.RoleSubmit)

		out, err := executeCommand(t, "", "--config", redisConfig(t, mr), "selectors", "show", "chat")
		require.NoError(t, err)

		var view selectorsView
		require.NoError(t, jsoniter.Unmarshal([]byte(out), &view))
		assert.Equal(t, "chat", view.Target)
		assert.InDelta(t, 0.9, view.Health, 1e-9)
		require.NotNil(t, view.Set)
		assert.Equal(t, "input-box", view.Set.Locators[schemas.RoleInput].Primary.Value)
		assert.Equal(t, schemas.MethodServerSentEvents, view.Set.Method)
	})

	t.Run("ShowUnknown", func(t *testing.T) {
		isolate(t)
		out, err := executeCommand(t, "", "selectors", "show", "chat")
		require.NoError(t, err)
		assert.Equal(t, "No selectors stored for chat.\n", out)
	})

	t.Run("ForgetRole", func(t *testing.T) {
		isolate(t)
		mr := miniredis.RunT(t)
		seedSelectors(t, mr, "chat", time.Now().UTC(), schemas.RoleInput, schemas.RoleSubmit)

		out, err := executeCommand(t, "", "--config", redisConfig(t, mr), "selectors", "forget", "chat", "--role", schemas.RoleInput)
		require.NoError(t, err)
		assert.Contains(t, out, "Forgot the input selector for chat.")

		fields, err := mr.HKeys("scalpel:selectors:set:chat")
		require.NoError(t, err)
		assert.NotContains(t, fields, "loc:input")
		assert.Contains(t, fields, "loc:submit")
	})

	t.Run("ForgetTarget", func(t *testing.T) {
		isolate(t)
		mr := miniredis.RunT(t)
		seedSelectors(t, mr, "chat", time.Now().UTC(), schemas.RoleInput)

		_, err := executeCommand(t, "", "--config", redisConfig(t, mr), "selectors", "forget", "chat")
		require.NoError(t, err)
		assert.False(t, mr.Exists("scalpel:selectors:set:chat"))
	})

	t.Run("Prune", func(t *testing.T) {
		isolate(t)
		mr := miniredis.RunT(t)
		seedSelectors(t, mr, "chat", time.Now().UTC(), schemas.RoleInput)
		seedSelectors(t, mr, "stale", time.Now().Add(-30*24*time.Hour).UTC(), schemas.RoleInput)

		out, err := executeCommand(t, "", "--config", redisConfig(t, mr), "selectors", "prune")
		require.NoError(t, err)
		assert.Equal(t, "Pruned 1 expired selector sets.\n", out)
		assert.True(t, mr.Exists("scalpel:selectors:set:chat"))
		assert.False(t, mr.Exists("scalpel:selectors:set:stale"))
	})

	t.Run("PruneMemory", func(t *testing.T) {
		isolate(t)
		out, err := executeCommand(t, "", "selectors", "prune")
		require.NoError(t, err)
		assert.Equal(t, "Pruned 0 expired selector sets.\n", out)
	})

	t.Run("UnreachableBackend", func(t *testing.T) {
		isolate(t)
		path := writeConfig(t, "selectors:\n  backend: redis\nredis:\n  addr: 127.0.0.1:1\n")
		_, err := executeCommand(t, "", "--config", path, "selectors", "prune")
		require.Error(t, err)
	})
}

// -- Solver --

func TestPromptSolver(t *testing.T) {
	challenge := schemas.Challenge{TargetID: "chat", PageURL: "https://chat.example", SiteKey: "6Lc-key", Kind: "recaptcha"}

	t.Run("ReadsToken", func(t *testing.T) {
		var prompt bytes.Buffer
		s := newPromptSolver(strings.NewReader("  tok-123 \nnext\n"), &prompt)
		token, err := s.Solve(context.Background(), challenge)
		require.NoError(t, err)
		assert.Equal(t, "tok-123", token)
		assert.Contains(t, prompt.String(), "CAPTCHA on chat (recaptcha)")
		assert.Contains(t, prompt.String(), "site key: 6Lc-key")

		token, err = s.Solve(context.Background(), challenge)
		require.NoError(t, err)
		assert.Equal(t, "next", token)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		s := newPromptSolver(strings.NewReader(""), io.Discard)
		_, err := s.Solve(context.Background(), challenge)
		assert.EqualError(t, err, "no token entered")
	})

	t.Run("CancelledKeepsPendingRead", func(t *testing.T) {
		pr, pw := io.Pipe()
		t.Cleanup(func() { _ = pw.Close() })
		s := newPromptSolver(pr, io.Discard)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := s.Solve(ctx, challenge)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		go func() { _, _ = pw.Write([]byte("late-token\n")) }()
		token, err := s.Solve(context.Background(), challenge)
		require.NoError(t, err)
		assert.Equal(t, "late-token", token)
	})
}
