// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
)

const defaultNavigationTimeout = 60 * time.Second

// Driver launches one Chromium process on first use and opens every session
// as a tab in its own browser context, so cookies never leak between sessions.
type Driver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	parent context.Context

	initOnce      sync.Once
	initErr       error
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ schemas.BrowserDriver = (*Driver)(nil)

// NewDriver creates a Driver. The browser process is tied to ctx and is not
// started until the first Open.
func NewDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:    cfg,
		logger: logger.Named("browser"),
		parent: ctx,
	}
}

func (d *Driver) initialize() error {
	d.initOnce.Do(func() {
		d.logger.Info("Launching browser.", zap.Bool("headless", d.cfg.Headless))
		allocCtx, allocCancel := chromedp.NewExecAllocator(d.parent, ExecOptions(d.cfg)...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx,
			chromedp.WithLogf(d.logger.Sugar().Debugf),
			chromedp.WithErrorf(d.logger.Sugar().Errorf),
		)
		// The first Run starts the process.
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			d.initErr = fmt.Errorf("failed to launch browser: %w", err)
			return
		}
		d.allocCancel = allocCancel
		d.browserCtx = browserCtx
		d.browserCancel = browserCancel
	})
	return d.initErr
}

// Open creates a tab for the target, starts the CDP domains the tap relies
// on and navigates to the target URL.
func (d *Driver) Open(ctx context.Context, profile schemas.TargetProfile) (schemas.BrowserConn, error) {
	if err := d.initialize(); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(d.browserCtx, chromedp.WithNewBrowserContext())
	p := newPage(uuid.NewString(), tabCtx, tabCancel, d.cfg, d.logger)
	chromedp.ListenTarget(tabCtx, p.dispatch)

	timeout := d.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.run(navCtx,
		network.Enable(),
		chromedp.ActionFunc(p.installBinding),
		chromedp.Navigate(profile.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		tabCancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to open %s: %w", profile.URL, err)
	}

	d.logger.Debug("Opened tab.",
		zap.String("page_id", p.id),
		zap.String("target", profile.ID),
		zap.String("url", profile.URL))
	return p, nil
}

// Close shuts the browser down. Open tabs are closed with it.
func (d *Driver) Close() error {
	// Waits for an in-flight launch and marks later ones as never started.
	d.initOnce.Do(func() { d.initErr = errors.New("browser driver closed") })
	if d.browserCancel == nil {
		return nil
	}
	d.browserCancel()
	d.allocCancel()
	d.logger.Info("Browser closed.")
	return nil
}
