// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
)

const (
	defaultActionTimeout = 10 * time.Second
	locatePollInterval   = 100 * time.Millisecond
	locateWait           = 2 * time.Second
)

// Page is one tab. It implements schemas.BrowserConn.
type Page struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger

	// tap is the active capture, if any. CDP events arrive on chromedp's
	// listener goroutine and are routed to it.
	tap atomic.Pointer[tap]

	closeOnce sync.Once
}

var _ schemas.BrowserConn = (*Page)(nil)

func newPage(id string, ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *Page {
	return &Page{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		logger: logger.With(zap.String("page_id", id)),
	}
}

// run executes actions on the tab, bounded by both the tab lifetime and ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// eval runs a script under the action timeout.
func (p *Page) eval(ctx context.Context, script string, res interface{}) error {
	timeout := p.cfg.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.run(ctx, chromedp.Evaluate(script, res))
}

func (p *Page) installBinding(ctx context.Context) error {
	return runtime.AddBinding(bindingName).Do(ctx)
}

// Probe checks that the tab still answers.
func (p *Page) Probe(ctx context.Context) error {
	var state string
	if err := p.eval(ctx, `document.readyState`, &state); err != nil {
		return fmt.Errorf("page %s unresponsive: %w", p.id, err)
	}
	return nil
}

// -- Cookies --

func (p *Page) ApplyCookies(ctx context.Context, cookies []schemas.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := toCookieParams(cookies)
	return p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		return network.SetCookies(params).Do(c)
	}), chromedp.Reload())
}

func (p *Page) ExportCookies(ctx context.Context) ([]schemas.Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to export cookies: %w", err)
	}
	return fromCDPCookies(cookies), nil
}

func toCookieParams(cookies []schemas.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			param.Expires = &exp
		}
		params = append(params, param)
	}
	return params
}

func fromCDPCookies(cookies []*network.Cookie) []schemas.Cookie {
	out := make([]schemas.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		cookie := schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		// Session cookies report -1.
		if c.Expires > 0 {
			sec := int64(c.Expires)
			nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
			cookie.Expires = time.Unix(sec, nsec).UTC()
		}
		out = append(out, cookie)
	}
	return out
}

// -- Page inspection and interaction --

type inspection struct {
	Captcha bool   `json:"captcha"`
	SiteKey string `json:"siteKey"`
	Kind    string `json:"kind"`
	Login   bool   `json:"login"`
	URL     string `json:"url"`
}

// Inspect looks for the CAPTCHA and login markers the profile declares.
func (p *Page) Inspect(ctx context.Context, profile schemas.TargetProfile) (schemas.PageCondition, error) {
	if profile.CaptchaMarker == "" && profile.LoginMarker == "" {
		return schemas.PageCondition{}, nil
	}
	var res inspection
	if err := p.eval(ctx, fmt.Sprintf(inspectJS, jsArgs(profile.CaptchaMarker, profile.LoginMarker)), &res); err != nil {
		return schemas.PageCondition{}, fmt.Errorf("failed to inspect page: %w", err)
	}
	return res.condition(profile.ID), nil
}

func (r inspection) condition(targetID string) schemas.PageCondition {
	cond := schemas.PageCondition{AuthRequired: r.Login}
	if r.Captcha {
		cond.Captcha = &schemas.Challenge{
			TargetID: targetID,
			PageURL:  r.URL,
			SiteKey:  r.SiteKey,
			Kind:     r.Kind,
		}
	}
	return cond
}

// Locate polls briefly for the expression to match a connected element.
func (p *Page) Locate(ctx context.Context, expr schemas.Expression) error {
	ctx, cancel := context.WithTimeout(ctx, locateWait)
	defer cancel()

	script := exprScript(locateJS, expr)
	ticker := time.NewTicker(locatePollInterval)
	defer ticker.Stop()
	for {
		var found bool
		err := p.eval(ctx, script, &found)
		if err == nil && found {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%s: %w", expr, schemas.ErrElementNotFound)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Page) Fill(ctx context.Context, expr schemas.Expression, text string) error {
	return p.act(ctx, fillJS, expr, text)
}

func (p *Page) Click(ctx context.Context, expr schemas.Expression) error {
	return p.act(ctx, clickJS, expr)
}

func (p *Page) act(ctx context.Context, tmpl string, expr schemas.Expression, extra ...interface{}) error {
	var ok bool
	if err := p.eval(ctx, exprScript(tmpl, expr, extra...), &ok); err != nil {
		return fmt.Errorf("interaction with %s failed: %w", expr, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", expr, schemas.ErrElementNotFound)
	}
	return nil
}

// SubmitCaptchaToken writes the token into the challenge response fields and
// submits their form.
func (p *Page) SubmitCaptchaToken(ctx context.Context, profile schemas.TargetProfile, token string) error {
	fields := profile.CaptchaTokenField
	if fields == "" {
		fields = defaultTokenFields
	}
	var ok bool
	if err := p.eval(ctx, fmt.Sprintf(submitTokenJS, jsArgs(fields, token)), &ok); err != nil {
		return fmt.Errorf("failed to submit captcha token: %w", err)
	}
	if !ok {
		return fmt.Errorf("captcha token field %q: %w", fields, schemas.ErrElementNotFound)
	}
	return nil
}

// -- Capture --

// Tap installs the DOM observer and routes network events to a new tap.
// Only one tap is active per page; starting one stops the previous.
func (p *Page) Tap(ctx context.Context, profile schemas.TargetProfile) (schemas.EventTap, error) {
	t := newTap(p.logger, p.fetchBody, p.disconnectObserver)
	if prev := p.tap.Swap(t); prev != nil {
		prev.Stop()
	}
	var ok bool
	if err := p.eval(ctx, fmt.Sprintf(observerJS, jsArgs(bindingName, profile.ResponseRoot, profile.BusyIndicator)), &ok); err != nil {
		p.tap.CompareAndSwap(t, nil)
		t.Stop()
		return nil, fmt.Errorf("failed to install response observer: %w", err)
	}
	return t, nil
}

// dispatch is the tab's CDP event listener.
func (p *Page) dispatch(ev interface{}) {
	if t := p.tap.Load(); t != nil {
		t.handle(ev)
	}
}

func (p *Page) fetchBody(id network.RequestID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultActionTimeout)
	defer cancel()
	var body []byte
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(c)
		return err
	}))
	return body, err
}

func (p *Page) disconnectObserver() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.run(ctx, chromedp.Evaluate(disconnectJS, nil)); err != nil && p.ctx.Err() == nil {
		p.logger.Debug("Failed to disconnect response observer.", zap.Error(err))
	}
}

// Close stops any capture and closes the tab.
func (p *Page) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if t := p.tap.Swap(nil); t != nil {
			t.Stop()
		}
		// Cancelling a chromedp tab context closes the target.
		p.cancel()
	})
	return nil
}
