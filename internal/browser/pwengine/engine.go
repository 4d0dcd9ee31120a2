// Package pwengine implements browser.Page on top of playwright-go. It is the
// default engine.
package pwengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/andreasjansson/plwr/internal/browser"
)

// defaultOpTimeout applies when the caller's context has no deadline.
const defaultOpTimeout = 30 * time.Second

// Engine owns one playwright driver, one chromium browser and the browser context
// the session currently lives in.
type Engine struct {
	logger  *zap.Logger
	opts    browser.LaunchOptions
	pw      *playwright.Playwright
	browser playwright.Browser

	mu        sync.Mutex
	bctx      playwright.BrowserContext
	page      playwright.Page
	headers   map[string]string
	viewport  *playwright.Size
	console   func(browser.ConsoleEntry)
	recording bool
}

var _ browser.Page = (*Engine)(nil)

// Launch starts the driver and the browser and opens the first tab.
func Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Page, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger.Named("playwright"), opts: opts, headers: map[string]string{}}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		e.viewport = &playwright.Size{Width: opts.ViewportWidth, Height: opts.ViewportHeight}
	}

	pw, err := playwright.Run(&playwright.RunOptions{SkipInstallBrowsers: true, Browsers: []string{"chromium"}})
	if err != nil {
		return nil, fmt.Errorf("could not start playwright driver (try 'plwr install'): %w", err)
	}
	e.pw = pw

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(!opts.Headed),
		Args:     opts.Args,
	}
	if opts.ExecutablePath != "" {
		launch.ExecutablePath = playwright.String(opts.ExecutablePath)
	}
	b, err := pw.Chromium.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("could not launch chromium: %w", err)
	}
	e.browser = b

	bctx, page, err := e.newContext(opts.VideoDir, "")
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, err
	}
	e.bctx, e.page = bctx, page
	e.recording = opts.VideoDir != ""

	e.logger.Info("Browser launched", zap.Bool("headed", opts.Headed), zap.Bool("recording", e.recording))
	return e, nil
}

// Install downloads the playwright driver and chromium.
func Install() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

// newContext creates a browser context with the session's headers, viewport and
// console sink applied, optionally recording video and seeded with storage state.
func (e *Engine) newContext(videoDir, storageState string) (playwright.BrowserContext, playwright.Page, error) {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(e.opts.IgnoreTLSErrors),
	}
	if e.viewport != nil {
		opts.Viewport = e.viewport
	}
	if videoDir != "" {
		opts.RecordVideo = &playwright.RecordVideo{Dir: videoDir}
		if e.viewport != nil {
			opts.RecordVideo.Size = e.viewport
		}
	}
	if storageState != "" {
		opts.StorageStatePath = playwright.String(storageState)
	}

	bctx, err := e.browser.NewContext(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create browser context: %w", err)
	}
	if len(e.headers) > 0 {
		if err := bctx.SetExtraHTTPHeaders(maps.Clone(e.headers)); err != nil {
			_ = bctx.Close()
			return nil, nil, err
		}
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, nil, fmt.Errorf("could not open page: %w", err)
	}
	page.OnConsole(e.forwardConsole)
	return bctx, page, nil
}

func (e *Engine) forwardConsole(msg playwright.ConsoleMessage) {
	e.mu.Lock()
	sink := e.console
	e.mu.Unlock()
	if sink == nil {
		return
	}
	sink(browser.ConsoleEntry{
		Level:     msg.Type(),
		Timestamp: time.Now().UnixMilli(),
		Args:      []string{msg.Text()},
	})
}

func (e *Engine) current() playwright.Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page
}

func (e *Engine) browserContext() playwright.BrowserContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bctx
}

// remaining converts the context deadline into a playwright timeout in ms.
func remaining(ctx context.Context) *float64 {
	d := defaultOpTimeout
	if deadline, ok := ctx.Deadline(); ok {
		d = max(time.Until(deadline), time.Millisecond)
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func ms(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

func (e *Engine) Navigate(ctx context.Context, url string) error {
	_, err := e.current().Goto(url, playwright.PageGotoOptions{Timeout: remaining(ctx)})
	return err
}

func (e *Engine) Reload(ctx context.Context) error {
	_, err := e.current().Reload(playwright.PageReloadOptions{Timeout: remaining(ctx)})
	return err
}

func (e *Engine) URL(context.Context) (string, error) {
	return e.current().URL(), nil
}

func (e *Engine) Count(_ context.Context, selector string) (int, error) {
	return e.current().Locator(selector).Count()
}

func (e *Engine) Visible(_ context.Context, selector string) (bool, error) {
	return e.current().Locator(selector).First().IsVisible()
}

// Actionable runs a trial click, which performs every actionability check of a
// real click without dispatching it.
func (e *Engine) Actionable(_ context.Context, selector string, budget time.Duration) (bool, error) {
	err := e.current().Locator(selector).First().Click(playwright.LocatorClickOptions{
		Trial:   playwright.Bool(true),
		Timeout: ms(budget),
	})
	if errors.Is(err, playwright.ErrTimeout) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) Evaluate(_ context.Context, expression string) (json.RawMessage, error) {
	v, err := e.current().Evaluate(expression)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (e *Engine) EvaluateOn(_ context.Context, selector, fn string, arg any) (json.RawMessage, error) {
	v, err := e.current().Locator(selector).First().Evaluate(fn, arg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (e *Engine) Perform(ctx context.Context, a browser.Action) error {
	loc := e.current().Locator(a.Selector)
	timeout := ms(a.Timeout)
	if a.Timeout <= 0 {
		timeout = remaining(ctx)
	}

	switch a.Kind {
	case browser.ActionClick:
		return loc.Click(playwright.LocatorClickOptions{Timeout: timeout})
	case browser.ActionDblclick:
		return loc.Dblclick(playwright.LocatorDblclickOptions{Timeout: timeout})
	case browser.ActionFill:
		return loc.Fill(a.Text, playwright.LocatorFillOptions{Timeout: timeout})
	case browser.ActionHover:
		return loc.Hover(playwright.LocatorHoverOptions{Timeout: timeout})
	case browser.ActionCheck:
		return loc.Check(playwright.LocatorCheckOptions{Timeout: timeout})
	case browser.ActionUncheck:
		return loc.Uncheck(playwright.LocatorUncheckOptions{Timeout: timeout})
	case browser.ActionFocus:
		return loc.Focus(playwright.LocatorFocusOptions{Timeout: timeout})
	case browser.ActionBlur:
		return loc.Blur(playwright.LocatorBlurOptions{Timeout: timeout})
	case browser.ActionScrollIntoView:
		return loc.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{Timeout: timeout})
	case browser.ActionSelect:
		values := a.Values
		opt := playwright.SelectOptionValues{Values: &values}
		if a.ByLabel {
			opt = playwright.SelectOptionValues{Labels: &values}
		}
		_, err := loc.SelectOption(opt, playwright.LocatorSelectOptionOptions{Timeout: timeout})
		return err
	case browser.ActionInputFiles:
		paths := a.Paths
		if paths == nil {
			paths = []string{}
		}
		return loc.SetInputFiles(paths, playwright.LocatorSetInputFilesOptions{Timeout: timeout})
	}
	return fmt.Errorf("unsupported action %q", a.Kind)
}

func (e *Engine) Press(_ context.Context, key string) error {
	return e.current().Keyboard().Press(key)
}

func (e *Engine) BoundingBox(ctx context.Context, selector string) (browser.Box, error) {
	r, err := e.current().Locator(selector).First().BoundingBox(playwright.LocatorBoundingBoxOptions{Timeout: remaining(ctx)})
	if err != nil {
		return browser.Box{}, err
	}
	if r == nil {
		return browser.Box{}, fmt.Errorf("element is not rendered [selector: %s]", selector)
	}
	return browser.Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, nil
}

func (e *Engine) MovePointer(_ context.Context, x, y float64) error {
	return e.current().Mouse().Move(x, y)
}

func (e *Engine) Screenshot(ctx context.Context, shot browser.Shot) ([]byte, error) {
	if shot.Selector != "" {
		return e.current().Locator(shot.Selector).Screenshot(playwright.LocatorScreenshotOptions{Timeout: remaining(ctx)})
	}
	return e.current().Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(shot.FullPage),
		Timeout:  remaining(ctx),
	})
}

func (e *Engine) SetHeaders(_ context.Context, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	e.mu.Lock()
	bctx := e.bctx
	e.mu.Unlock()
	if err := bctx.SetExtraHTTPHeaders(headers); err != nil {
		return err
	}
	// Kept for carrying over into a recording context.
	e.mu.Lock()
	e.headers = maps.Clone(headers)
	e.mu.Unlock()
	return nil
}

func (e *Engine) AddCookie(_ context.Context, c browser.Cookie) error {
	cookie := playwright.OptionalCookie{Name: c.Name, Value: c.Value}
	if c.URL != "" {
		cookie.URL = playwright.String(c.URL)
	} else {
		cookie.Domain = playwright.String(c.Domain)
		cookie.Path = playwright.String(c.Path)
	}
	if c.HTTPOnly {
		cookie.HttpOnly = playwright.Bool(true)
	}
	if c.Secure {
		cookie.Secure = playwright.Bool(true)
	}
	return e.browserContext().AddCookies([]playwright.OptionalCookie{cookie})
}

func (e *Engine) Cookies(context.Context) ([]browser.Cookie, error) {
	cookies, err := e.browserContext().Cookies()
	if err != nil {
		return nil, err
	}
	out := make([]browser.Cookie, 0, len(cookies))
	for _, c := range cookies {
		bc := browser.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			bc.SameSite = string(*c.SameSite)
		}
		out = append(out, bc)
	}
	return out, nil
}

func (e *Engine) ClearCookies(context.Context) error {
	return e.browserContext().ClearCookies()
}

func (e *Engine) SetViewport(_ context.Context, width, height int) error {
	e.mu.Lock()
	e.viewport = &playwright.Size{Width: width, Height: height}
	page := e.page
	e.mu.Unlock()
	return page.SetViewportSize(width, height)
}

func (e *Engine) OnConsole(sink func(browser.ConsoleEntry)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.console = sink
}

// swap moves the session into a fresh browser context and returns the old
// context and page for the caller to finalize.
func (e *Engine) swap(videoDir string) (playwright.BrowserContext, playwright.Page, error) {
	oldCtx, oldPage := e.browserContext(), e.current()
	url := oldPage.URL()

	state, err := os.CreateTemp("", "plwr-state-*.json")
	if err != nil {
		return nil, nil, fmt.Errorf("could not create storage state file: %w", err)
	}
	state.Close()
	defer os.Remove(state.Name())

	if _, err := oldCtx.StorageState(state.Name()); err != nil {
		return nil, nil, fmt.Errorf("could not save storage state: %w", err)
	}

	newCtx, newPage, err := e.newContext(videoDir, state.Name())
	if err != nil {
		return nil, nil, err
	}
	if url != "" && url != "about:blank" {
		if _, err := newPage.Goto(url); err != nil {
			e.logger.Warn("Could not restore URL in new context", zap.String("url", url), zap.Error(err))
		}
	}

	e.mu.Lock()
	e.bctx, e.page = newCtx, newPage
	e.recording = videoDir != ""
	e.mu.Unlock()
	return oldCtx, oldPage, nil
}

func (e *Engine) StartVideo(_ context.Context, dir string) error {
	e.mu.Lock()
	recording := e.recording
	e.mu.Unlock()
	if recording {
		return errors.New("video recording already in progress")
	}
	oldCtx, _, err := e.swap(dir)
	if err != nil {
		return err
	}
	if err := oldCtx.Close(); err != nil {
		e.logger.Warn("Could not close previous browser context", zap.Error(err))
	}
	return nil
}

// StopVideo closes the recording context, which is what makes playwright flush
// the video file, and continues in a non-recording one.
func (e *Engine) StopVideo(context.Context) (string, error) {
	e.mu.Lock()
	recording := e.recording
	e.mu.Unlock()
	if !recording {
		return "", errors.New("no video recording in progress")
	}

	oldCtx, oldPage, err := e.swap("")
	if err != nil {
		return "", err
	}
	video := oldPage.Video()
	if err := oldCtx.Close(); err != nil {
		return "", fmt.Errorf("could not finalize recording: %w", err)
	}
	if video == nil {
		return "", errors.New("recording context produced no video")
	}
	return video.Path()
}

func (e *Engine) Close(context.Context) error {
	var errs []error
	if bctx := e.browserContext(); bctx != nil {
		errs = append(errs, bctx.Close())
	}
	if e.browser != nil {
		errs = append(errs, e.browser.Close())
	}
	if e.pw != nil {
		errs = append(errs, e.pw.Stop())
	}
	return errors.Join(errs...)
}
