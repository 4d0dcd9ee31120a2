// Package cdpengine implements browser.Page directly over the Chrome DevTools
// Protocol with chromedp. Selectors are CSS selectors. Video recording is not
// available on this engine.
package cdpengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/andreasjansson/plwr/internal/browser"
	"github.com/andreasjansson/plwr/internal/protocol"
)

// ErrVideoUnsupported is returned by the video methods.
var ErrVideoUnsupported = protocol.Errorf(protocol.KindConfiguration,
	"video recording requires the playwright engine (browser.engine: playwright)")

// Engine drives one chromium tab through chromedp.
type Engine struct {
	logger *zap.Logger

	// ChromeDP allocator context manages the underlying browser executable.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	// tabCtx carries the chromedp target every action runs against.
	tabCtx    context.Context
	tabCancel context.CancelFunc

	mu      sync.Mutex
	console func(browser.ConsoleEntry)
}

var _ browser.Page = (*Engine)(nil)

// Launch starts chromium and attaches to its first tab.
func Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Page, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.VideoDir != "" {
		return nil, ErrVideoUnsupported
	}

	e := &Engine{logger: logger.Named("chromedp")}

	// The browser outlives the launch request, so it hangs off a background context.
	e.allocatorCtx, e.allocatorCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	e.tabCtx, e.tabCancel = chromedp.NewContext(e.allocatorCtx,
		chromedp.WithLogf(e.logger.Sugar().Debugf),
		chromedp.WithErrorf(e.logger.Sugar().Errorf),
	)

	chromedp.ListenTarget(e.tabCtx, e.onEvent)

	tasks := chromedp.Tasks{network.Enable(), chromedp.Navigate("about:blank")}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		tasks = append(tasks, chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)))
	}
	if err := e.run(ctx, tasks); err != nil {
		e.tabCancel()
		e.allocatorCancel()
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}

	e.logger.Info("Browser launched", zap.Bool("headed", opts.Headed))
	return e, nil
}

// allocatorOptions configures the flags for the browser executable.
func allocatorOptions(opts browser.LaunchOptions) []chromedp.ExecAllocatorOption {
	// Start with default options provided by ChromeDP.
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("headless", !opts.Headed),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-extensions", true),
		// GPU often causes issues in headless/containerized environments.
		chromedp.Flag("disable-gpu", !opts.Headed),
		chromedp.Flag("ignore-certificate-errors", opts.IgnoreTLSErrors),
	)
	if opts.ExecutablePath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecutablePath))
	}
	for _, arg := range opts.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			out = append(out, chromedp.Flag(name, value))
		} else {
			out = append(out, chromedp.Flag(name, true))
		}
	}
	return out
}

func (e *Engine) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		e.mu.Lock()
		sink := e.console
		e.mu.Unlock()
		if sink == nil {
			return
		}
		args := make([]string, 0, len(ev.Args))
		for _, arg := range ev.Args {
			args = append(args, formatRemoteObject(arg))
		}
		sink(browser.ConsoleEntry{Level: string(ev.Type), Timestamp: time.Now().UnixMilli(), Args: args})
	}
}

// formatRemoteObject renders a console argument the way console.log shows it:
// strings bare, other JSON values as JSON, everything else by description.
func formatRemoteObject(o *runtime.RemoteObject) string {
	if raw := []byte(o.Value); len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	if o.UnserializableValue != "" {
		return string(o.UnserializableValue)
	}
	if o.Description != "" {
		return o.Description
	}
	return string(o.Type)
}

// run executes actions against the tab, bounded by the caller's context.
func (e *Engine) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(e.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// evaluate runs an expression and returns its value JSON-encoded in the page,
// which sidesteps chromedp's handling of undefined and null results.
func (e *Engine) evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	wrapped := "(async () => { const __v = await (" + expression + "\n); return __v === undefined ? 'null' : JSON.stringify(__v); })()"
	var out string
	err := e.run(ctx, chromedp.Evaluate(wrapped, &out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// onElement builds an expression that applies fn to the first match of selector.
func onElement(selector, fn string, arg any) (string, error) {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("encode script argument: %w", err)
	}
	sel := jsString(selector)
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) throw new Error('no element matches selector ' + %s);
	return (%s)(el, %s);
})()`, sel, sel, fn, argJSON), nil
}

func (e *Engine) Navigate(ctx context.Context, url string) error {
	return e.run(ctx, chromedp.Navigate(url))
}

func (e *Engine) Reload(ctx context.Context) error {
	return e.run(ctx, chromedp.Reload())
}

func (e *Engine) URL(ctx context.Context) (string, error) {
	var loc string
	err := e.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (e *Engine) Count(ctx context.Context, selector string) (int, error) {
	raw, err := e.evaluate(ctx, "document.querySelectorAll("+jsString(selector)+").length")
	if err != nil {
		return 0, err
	}
	var n int
	err = json.Unmarshal(raw, &n)
	return n, err
}

const visibleJS = `el => {
	if (el.checkVisibility) return el.checkVisibility({ visibilityProperty: true });
	const style = getComputedStyle(el);
	return style.visibility !== 'hidden' && !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
}`

// actionableJS approximates a trial click. The element must also be the one a
// pointer event at its centre would hit.
const actionableJS = `el => {
	const visible = el.checkVisibility ? el.checkVisibility({ visibilityProperty: true }) : !!el.getClientRects().length;
	if (!visible) return false;
	if (el.disabled || el.closest('fieldset[disabled]')) return false;
	el.scrollIntoView({ block: 'center', inline: 'center', behavior: 'instant' });
	const r = el.getBoundingClientRect();
	if (r.width === 0 || r.height === 0) return false;
	const hit = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
	return !!hit && (hit === el || el.contains(hit));
}`

func (e *Engine) check(ctx context.Context, selector, fn string) (bool, error) {
	raw, err := e.EvaluateOn(ctx, selector, fn, nil)
	if err != nil {
		return false, err
	}
	var ok bool
	err = json.Unmarshal(raw, &ok)
	return ok, err
}

func (e *Engine) Visible(ctx context.Context, selector string) (bool, error) {
	return e.check(ctx, selector, visibleJS)
}

func (e *Engine) Actionable(ctx context.Context, selector string, budget time.Duration) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, max(budget, 10*time.Millisecond))
	defer cancel()
	ok, err := e.check(checkCtx, selector, actionableJS)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return ok, err
}

func (e *Engine) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	return e.evaluate(ctx, expression)
}

func (e *Engine) EvaluateOn(ctx context.Context, selector, fn string, arg any) (json.RawMessage, error) {
	expr, err := onElement(selector, fn, arg)
	if err != nil {
		return nil, err
	}
	return e.evaluate(ctx, expr)
}

// center scrolls the element into view and returns its centre point.
func (e *Engine) center(ctx context.Context, selector string) (float64, float64, error) {
	raw, err := e.EvaluateOn(ctx, selector, `el => {
	el.scrollIntoView({ block: 'center', inline: 'center', behavior: 'instant' });
	const r = el.getBoundingClientRect();
	return [r.left + r.width / 2, r.top + r.height / 2];
}`, nil)
	if err != nil {
		return 0, 0, err
	}
	var xy [2]float64
	if err := json.Unmarshal(raw, &xy); err != nil {
		return 0, 0, err
	}
	return xy[0], xy[1], nil
}

func (e *Engine) click(ctx context.Context, selector string, count int) error {
	x, y, err := e.center(ctx, selector)
	if err != nil {
		return err
	}
	return e.run(ctx, chromedp.MouseClickXY(x, y, chromedp.ClickCount(count)))
}

func (e *Engine) script(ctx context.Context, selector, fn string, arg any) error {
	_, err := e.EvaluateOn(ctx, selector, fn, arg)
	return err
}

func (e *Engine) Perform(ctx context.Context, a browser.Action) error {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	switch a.Kind {
	case browser.ActionClick:
		return e.click(ctx, a.Selector, 1)
	case browser.ActionDblclick:
		return e.click(ctx, a.Selector, 2)
	case browser.ActionHover:
		x, y, err := e.center(ctx, a.Selector)
		if err != nil {
			return err
		}
		return e.MovePointer(ctx, x, y)
	case browser.ActionFill:
		err := e.script(ctx, a.Selector, `el => {
	el.focus();
	if ('value' in el) { el.value = ''; } else if (el.isContentEditable) { el.textContent = ''; }
	else throw new Error('Element is not an <input>, <textarea>, <select> or [contenteditable]');
	el.dispatchEvent(new Event('input', { bubbles: true }));
}`, nil)
		if err != nil || a.Text == "" {
			return err
		}
		return e.run(ctx, chromedp.SendKeys(a.Selector, a.Text, chromedp.ByQuery))
	case browser.ActionCheck, browser.ActionUncheck:
		want := a.Kind == browser.ActionCheck
		raw, err := e.EvaluateOn(ctx, a.Selector, `el => {
	if (!('checked' in el)) throw new Error('Not a checkbox or radio button');
	return el.checked;
}`, nil)
		if err != nil {
			return err
		}
		var checked bool
		if err := json.Unmarshal(raw, &checked); err != nil {
			return err
		}
		if checked == want {
			return nil
		}
		if err := e.click(ctx, a.Selector, 1); err != nil {
			return err
		}
		return e.script(ctx, a.Selector, `(el, want) => {
	if (el.checked !== want) throw new Error('Clicking the checkbox did not change its state');
}`, want)
	case browser.ActionFocus:
		return e.script(ctx, a.Selector, `el => el.focus()`, nil)
	case browser.ActionBlur:
		return e.script(ctx, a.Selector, `el => el.blur()`, nil)
	case browser.ActionScrollIntoView:
		return e.script(ctx, a.Selector, `el => el.scrollIntoView({ block: 'center', inline: 'center', behavior: 'instant' })`, nil)
	case browser.ActionSelect:
		return e.script(ctx, a.Selector, `(el, arg) => {
	if (el.tagName !== 'SELECT') throw new Error('Element is not a <select> element');
	const wanted = new Set(arg.values);
	let matched = 0;
	for (const opt of el.options) {
		const hit = wanted.has(arg.byLabel ? opt.label : opt.value);
		opt.selected = hit && (el.multiple || matched === 0);
		if (hit) matched++;
	}
	if (matched === 0) throw new Error('no option matches ' + arg.values.join(', '));
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
}`, map[string]any{"values": a.Values, "byLabel": a.ByLabel})
	case browser.ActionInputFiles:
		return e.run(ctx, chromedp.SetUploadFiles(a.Selector, a.Paths, chromedp.ByQuery))
	}
	return fmt.Errorf("unsupported action %q", a.Kind)
}

func (e *Engine) Press(ctx context.Context, key string) error {
	action, err := keyAction(key)
	if err != nil {
		return err
	}
	return e.run(ctx, action)
}

func (e *Engine) BoundingBox(ctx context.Context, selector string) (browser.Box, error) {
	raw, err := e.EvaluateOn(ctx, selector, `el => {
	const r = el.getBoundingClientRect();
	return { x: r.left, y: r.top, width: r.width, height: r.height };
}`, nil)
	if err != nil {
		return browser.Box{}, err
	}
	var b struct{ X, Y, Width, Height float64 }
	if err := json.Unmarshal(raw, &b); err != nil {
		return browser.Box{}, err
	}
	return browser.Box{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height}, nil
}

func (e *Engine) MovePointer(ctx context.Context, x, y float64) error {
	return e.run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y))
}

func (e *Engine) Screenshot(ctx context.Context, shot browser.Shot) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	switch {
	case shot.Selector != "":
		action = chromedp.Screenshot(shot.Selector, &buf, chromedp.ByQuery)
	case shot.FullPage:
		action = chromedp.FullScreenshot(&buf, 100)
	default:
		action = chromedp.CaptureScreenshot(&buf)
	}
	if err := e.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *Engine) SetHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return e.run(ctx, network.SetExtraHTTPHeaders(h))
}

func (e *Engine) AddCookie(ctx context.Context, c browser.Cookie) error {
	return e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		set := network.SetCookie(c.Name, c.Value).WithHTTPOnly(c.HTTPOnly).WithSecure(c.Secure)
		if c.URL != "" {
			set = set.WithURL(c.URL)
		} else {
			set = set.WithDomain(c.Domain).WithPath(c.Path)
		}
		return set.Do(ctx)
	}))
}

func (e *Engine) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	var cookies []*network.Cookie
	err := e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]browser.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, browser.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (e *Engine) ClearCookies(ctx context.Context) error {
	return e.run(ctx, network.ClearBrowserCookies())
}

func (e *Engine) SetViewport(ctx context.Context, width, height int) error {
	return e.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (e *Engine) OnConsole(sink func(browser.ConsoleEntry)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.console = sink
}

func (e *Engine) StartVideo(context.Context, string) error {
	return ErrVideoUnsupported
}

func (e *Engine) StopVideo(context.Context) (string, error) {
	return "", ErrVideoUnsupported
}

// Close shuts the browser down, gracefully if ctx allows.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(e.tabCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.tabCancel()
	e.allocatorCancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
