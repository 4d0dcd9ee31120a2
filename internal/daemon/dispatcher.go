package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/andreasjansson/plwr/internal/browser"
	"github.com/andreasjansson/plwr/internal/humanoid"
	"github.com/andreasjansson/plwr/internal/protocol"
	"github.com/andreasjansson/plwr/internal/results"
	"github.com/andreasjansson/plwr/internal/store"
	"github.com/andreasjansson/plwr/internal/transcode"
)

// keyHint is appended to unknown key errors from press.
const keyHint = "Valid keys: a-z A-Z 0-9, " +
	"Backspace Tab Enter Escape Space Delete Insert, " +
	"ArrowUp ArrowDown ArrowLeft ArrowRight Home End PageUp PageDown, " +
	"F1-F12, Control Shift Alt Meta, " +
	"any US keyboard character: !@#$%^&*()_+-=[]{}\\|;':\",./<>?`~\n" +
	"Chords: Control+c, Shift+Enter, Alt+Tab, Meta+a"

// commandSlack is how long engine calls may run past the command timeout before
// the command context gives up on them.
const commandSlack = 10 * time.Second

// journalTimeout bounds one journal write so a slow database never holds up the
// next command.
const journalTimeout = 2 * time.Second

// Options configure a Dispatcher.
type Options struct {
	Session        string
	Engine         string
	DefaultTimeout time.Duration
	PollInterval   time.Duration
	VideoDir       string
	Clock          clock.Clock
	Logger         *zap.Logger
	// Humanoid, when set, moves the pointer before pointer interactions.
	Humanoid   *humanoid.Humanoid
	Transcoder *transcode.Transcoder
	// Journal, when set, receives one entry per processed command.
	Journal store.Journal
	// Lifecycle reports the daemon state for the status verb.
	Lifecycle func() Lifecycle
}

// Dispatcher executes commands against one session. It is driven by a single
// goroutine, so commands never overlap.
type Dispatcher struct {
	opts   Options
	page   browser.Page
	state  *browser.State
	waiter *browser.Waiter
	clock  clock.Clock
	logger *zap.Logger

	startedAt time.Time
	processed int64
}

// NewDispatcher wires a dispatcher to page and state and subscribes the console
// buffer to the page's console.
func NewDispatcher(page browser.Page, state *browser.State, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transcoder == nil {
		opts.Transcoder = transcode.New("", opts.Logger)
	}
	if opts.Lifecycle == nil {
		opts.Lifecycle = func() Lifecycle { return StateReady }
	}
	page.OnConsole(state.Console.Append)

	return &Dispatcher{
		opts:      opts,
		page:      page,
		state:     state,
		waiter:    browser.NewWaiter(page, opts.Clock, opts.PollInterval),
		clock:     opts.Clock,
		logger:    opts.Logger.Named("dispatcher"),
		startedAt: opts.Clock.Now(),
	}
}

// Handle runs one request to completion and always produces a response.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	start := d.clock.Now()
	payload, err := d.dispatch(ctx, req)
	elapsed := d.clock.Since(start)
	d.processed++

	var resp protocol.Response
	if err != nil {
		resp = protocol.Fail(req.ID, err)
		d.logger.Info("Command failed",
			zap.String("verb", string(req.Verb)),
			zap.String("id", req.ID),
			zap.String("kind", string(resp.Error.Kind)),
			zap.String("error", resp.Error.Message),
			zap.Duration("elapsed", elapsed))
	} else {
		resp = protocol.OK(req.ID, payload)
		d.logger.Debug("Command processed",
			zap.String("verb", string(req.Verb)),
			zap.String("id", req.ID),
			zap.Duration("elapsed", elapsed))
	}
	d.record(req, resp, elapsed)
	return resp
}

func (d *Dispatcher) record(req protocol.Request, resp protocol.Response, elapsed time.Duration) {
	if d.opts.Journal == nil {
		return
	}
	entry := store.Entry{
		RequestID:  req.ID,
		Session:    d.opts.Session,
		Verb:       string(req.Verb),
		Status:     string(resp.Status),
		DurationMS: elapsed.Milliseconds(),
		ObservedAt: d.clock.Now(),
	}
	if resp.Error != nil {
		entry.ErrorKind = string(resp.Error.Kind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := d.opts.Journal.Record(ctx, entry); err != nil {
		d.logger.Warn("Failed to journal command", zap.String("id", req.ID), zap.Error(err))
	}
}

func (d *Dispatcher) timeout(req protocol.Request) time.Duration {
	if t := req.Timeout(); t > 0 {
		return t
	}
	return d.opts.DefaultTimeout
}

func (d *Dispatcher) dispatch(ctx context.Context, req protocol.Request) (protocol.Payload, error) {
	if err := req.Validate(); err != nil {
		return protocol.Payload{}, err
	}
	if req.Verb.RequiresPage() && !d.state.PageOpened() {
		return protocol.Payload{}, protocol.Wrap(protocol.KindEngine, browser.ErrNoPage)
	}

	timeout := d.timeout(req)
	a := req.Args

	// Transcoding a long recording is not bounded by the command timeout.
	if req.Verb != protocol.VerbVideoStop && req.Verb != protocol.VerbStop {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+commandSlack)
		defer cancel()
	}

	switch req.Verb {
	case protocol.VerbOpen:
		return d.open(ctx, a.URL, timeout)
	case protocol.VerbReload:
		return d.reload(ctx, timeout)
	case protocol.VerbURL:
		url, err := d.page.URL(ctx)
		if err != nil {
			return protocol.Payload{}, browser.ClassifyEngineError(err, "")
		}
		return results.Text(url), nil

	case protocol.VerbWait:
		return d.empty(d.waiter.Wait(ctx, a.Selector, browser.Exists, timeout))
	case protocol.VerbWaitNot:
		return d.empty(d.waiter.Wait(ctx, a.Selector, browser.Gone, timeout))
	case protocol.VerbWaitAny:
		sel, err := d.waiter.Any(ctx, a.Selectors, timeout)
		if err != nil {
			return protocol.Payload{}, err
		}
		return results.Text(sel), nil
	case protocol.VerbWaitAll:
		return d.empty(d.waiter.All(ctx, a.Selectors, timeout))

	case protocol.VerbClick:
		return d.pointer(ctx, browser.ActionClick, a.Selector, timeout)
	case protocol.VerbDblclick:
		return d.pointer(ctx, browser.ActionDblclick, a.Selector, timeout)
	case protocol.VerbHover:
		return d.pointer(ctx, browser.ActionHover, a.Selector, timeout)
	case protocol.VerbFill:
		return d.act(ctx, browser.Actionable, browser.Action{Kind: browser.ActionFill, Selector: a.Selector, Text: a.Text}, timeout)
	case protocol.VerbCheck:
		return d.act(ctx, browser.Actionable, browser.Action{Kind: browser.ActionCheck, Selector: a.Selector}, timeout)
	case protocol.VerbUncheck:
		return d.act(ctx, browser.Actionable, browser.Action{Kind: browser.ActionUncheck, Selector: a.Selector}, timeout)
	case protocol.VerbFocus:
		return d.act(ctx, browser.Exists, browser.Action{Kind: browser.ActionFocus, Selector: a.Selector}, timeout)
	case protocol.VerbBlur:
		return d.act(ctx, browser.Exists, browser.Action{Kind: browser.ActionBlur, Selector: a.Selector}, timeout)
	case protocol.VerbScrollIntoView:
		return d.act(ctx, browser.Exists, browser.Action{Kind: browser.ActionScrollIntoView, Selector: a.Selector}, timeout)
	case protocol.VerbSelect:
		return d.act(ctx, browser.Exists, browser.Action{Kind: browser.ActionSelect, Selector: a.Selector, Values: a.Values, ByLabel: a.ByLabel}, timeout)
	case protocol.VerbInputFiles:
		paths, err := absolutePaths(a.Paths)
		if err != nil {
			return protocol.Payload{}, err
		}
		// File inputs are commonly hidden behind a styled label.
		return d.act(ctx, browser.Attached, browser.Action{Kind: browser.ActionInputFiles, Selector: a.Selector, Paths: paths}, timeout)
	case protocol.VerbPress:
		return d.press(ctx, a.Key, timeout)

	case protocol.VerbExists:
		n, err := d.page.Count(ctx, a.Selector)
		if err != nil {
			return protocol.Payload{}, browser.ClassifyEngineError(err, a.Selector)
		}
		return results.Presence(n > 0), nil
	case protocol.VerbCount:
		n, err := d.page.Count(ctx, a.Selector)
		if err != nil {
			return protocol.Payload{}, browser.ClassifyEngineError(err, a.Selector)
		}
		return results.Count(n), nil
	case protocol.VerbText:
		return d.queryText(ctx, a.Selector, browser.TextContentJS, nil, timeout)
	case protocol.VerbInnerHTML:
		return d.queryText(ctx, a.Selector, browser.InnerHTMLJS, nil, timeout)
	case protocol.VerbInputValue:
		return d.queryText(ctx, a.Selector, browser.InputValueJS, nil, timeout)
	case protocol.VerbAttr:
		return d.queryText(ctx, a.Selector, browser.AttributeJS, a.Name, timeout)
	case protocol.VerbComputedStyle:
		return d.computedStyle(ctx, a.Selector, a.Properties, timeout)
	case protocol.VerbEval:
		return d.eval(ctx, a.Text, timeout)
	case protocol.VerbScreenshot:
		return d.screenshot(ctx, a.Selector, a.Path, a.FullPage, timeout)
	case protocol.VerbTree:
		return d.tree(ctx, a.Selector, timeout)

	case protocol.VerbHeader:
		return d.header(ctx, a)
	case protocol.VerbCookie:
		return d.cookie(ctx, a)
	case protocol.VerbViewport:
		return d.empty(d.page.SetViewport(ctx, a.Width, a.Height))
	case protocol.VerbConsole:
		if a.Clear {
			d.state.Console.Clear()
			return results.Empty(), nil
		}
		return results.Value(d.state.Console.Entries())

	case protocol.VerbVideoStart:
		return d.videoStart(ctx, a.Dir)
	case protocol.VerbVideoStop:
		return d.videoStop(ctx, a.Output)

	case protocol.VerbStatus:
		return d.status(ctx)
	case protocol.VerbStop:
		return d.empty(d.Shutdown(ctx))
	}
	return protocol.Payload{}, protocol.Errorf(protocol.KindBadRequest, "unknown verb %q", req.Verb)
}

func (d *Dispatcher) empty(err error) (protocol.Payload, error) {
	if err != nil {
		return protocol.Payload{}, browser.ClassifyEngineError(err, "")
	}
	return results.Empty(), nil
}

func (d *Dispatcher) open(ctx context.Context, url string, timeout time.Duration) (protocol.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.page.Navigate(ctx, url); err != nil {
		return protocol.Payload{}, browser.ClassifyEngineError(err, "")
	}
	d.state.MarkOpened()
	return results.Empty(), nil
}

func (d *Dispatcher) reload(ctx context.Context, timeout time.Duration) (protocol.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.empty(d.page.Reload(ctx))
}

// act waits for a single target in cond and performs the action with whatever
// time is left.
func (d *Dispatcher) act(ctx context.Context, cond browser.Condition, action browser.Action, timeout time.Duration) (protocol.Payload, error) {
	start := d.clock.Now()
	if err := d.waiter.Resolve(ctx, action.Selector, cond, timeout); err != nil {
		return protocol.Payload{}, err
	}
	action.Timeout = max(timeout-d.clock.Since(start), 0)
	if err := d.page.Perform(ctx, action); err != nil {
		return protocol.Payload{}, browser.ClassifyEngineError(err, action.Selector)
	}
	return results.Empty(), nil
}

// pointer is act for pointer interactions, which first trace a humanoid path to
// the element when enabled.
func (d *Dispatcher) pointer(ctx context.Context, kind browser.ActionKind, selector string, timeout time.Duration) (protocol.Payload, error) {
	start := d.clock.Now()
	if err := d.waiter.Resolve(ctx, selector, browser.Actionable, timeout); err != nil {
		return protocol.Payload{}, err
	}
	if d.opts.Humanoid != nil {
		box, err := d.page.BoundingBox(ctx, selector)
		if err != nil {
			return protocol.Payload{}, browser.ClassifyEngineError(err, selector)
		}
		x, y := box.Center()
		if err := d.opts.Humanoid.MoveTo(ctx, d.page, humanoid.Vector2D{X: x, Y: y}); err != nil {
			return protocol.Payload{}, browser.ClassifyEngineError(err, selector)
		}
	}
	action := browser.Action{Kind: kind, Selector: selector, Timeout: max(timeout-d.clock.Since(start), 0)}
	if err := d.page.Perform(ctx, action); err != nil {
		return protocol.Payload{}, browser.ClassifyEngineError(err, selector)
	}
	return results.Empty(), nil
}

func (d *Dispatcher) press(ctx context.Context, key string, timeout time.Duration) (protocol.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := d.page.Press(ctx, key)
	if err == nil {
		return results.Empty(), nil
	}
	classified := protocol.AsError(browser.ClassifyEngineError(err, ""))
	if strings.Contains(classified.Message, "Unknown key") {
		return protocol.Payload{}, &protocol.Error{
			Kind:    classified.Kind,
			Message: classified.Message + "\n\n" + keyHint,
			Err:     err,
		}
	}
	return protocol.Payload{}, classified
}

// evaluateOn resolves selector in cond and applies fn to its element.
func (d *Dispatcher) evaluateOn(ctx context.Context, selector string, cond browser.Condition, fn string, arg any, timeout time.Duration) (json.RawMessage, error) {
	if err := d.waiter.Resolve(ctx, selector, cond, timeout); err != nil {
		return nil, err
	}
	raw, err := d.page.EvaluateOn(ctx, selector, fn, arg)
	if err != nil {
		return nil, browser.ClassifyEngineError(err, selector)
	}
	return raw, nil
}

// queryText reads a string-valued property of a visible element. A null result,
// such as a missing attribute, yields an empty payload.
func (d *Dispatcher) queryText(ctx context.Context, selector, fn string, arg any, timeout time.Duration) (protocol.Payload, error) {
	raw, err := d.evaluateOn(ctx, selector, browser.Exists, fn, arg, timeout)
	if err != nil {
		return protocol.Payload{}, err
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return protocol.Payload{}, protocol.Errorf(protocol.KindEngine, "unexpected query result %s [selector: %s]", raw, selector)
	}
	if s == nil {
		return results.Empty(), nil
	}
	return results.Text(*s), nil
}

func (d *Dispatcher) computedStyle(ctx context.Context, selector string, properties []string, timeout time.Duration) (protocol.Payload, error) {
	if properties == nil {
		properties = []string{}
	}
	raw, err := d.evaluateOn(ctx, selector, browser.Attached, browser.ComputedStyleJS, properties, timeout)
	if err != nil {
		return protocol.Payload{}, err
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return protocol.Payload{}, protocol.Errorf(protocol.KindEngine, "unexpected computed style result [selector: %s]", selector)
	}
	return results.JSON([]byte(encoded))
}

func (d *Dispatcher) eval(ctx context.Context, src string, timeout time.Duration) (protocol.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := d.page.Evaluate(ctx, browser.WrapEval(src))
	if err != nil {
		return protocol.Payload{}, browser.ClassifyEngineError(err, "")
	}
	var v results.EvalValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return protocol.Payload{}, protocol.Errorf(protocol.KindEngine, "unexpected evaluation result: %v", err)
	}
	return results.FromEval(v)
}

func (d *Dispatcher) screenshot(ctx context.Context, selector, path string, fullPage bool, timeout time.Duration) (protocol.Payload, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return protocol.Payload{}, protocol.Errorf(protocol.KindBadRequest, "screenshot: invalid path %q: %v", path, err)
	}
	if selector != "" {
		if err := d.waiter.Resolve(ctx, selector, browser.Exists, timeout); err != nil {
			return protocol.Payload{}, err
		}
	}
	img, err := d.page.Screenshot(ctx, browser.Shot{Selector: selector, FullPage: fullPage})
	if err != nil {
		return protocol.Payload{}, browser.ClassifyEngineError(err, selector)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return protocol.Payload{}, protocol.Wrap(protocol.KindEngine, fmt.Errorf("create screenshot directory: %w", err))
	}
	if err := os.WriteFile(abs, img, 0o644); err != nil {
		return protocol.Payload{}, protocol.Wrap(protocol.KindEngine, fmt.Errorf("write screenshot: %w", err))
	}
	return results.Artifact(abs), nil
}

func (d *Dispatcher) tree(ctx context.Context, selector string, timeout time.Duration) (protocol.Payload, error) {
	var (
		raw json.RawMessage
		err error
	)
	if selector == "" {
		raw, err = d.page.EvaluateOn(ctx, "html", browser.TreeSourceJS, nil)
		err = browser.ClassifyEngineError(err, "html")
	} else {
		raw, err = d.evaluateOn(ctx, selector, browser.Attached, browser.TreeSourceJS, nil, timeout)
	}
	if err != nil {
		return protocol.Payload{}, err
	}

	var src browser.TreeSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return protocol.Payload{}, protocol.Errorf(protocol.KindEngine, "unexpected tree source: %v", err)
	}
	node, err := browser.BuildTree(src)
	if err != nil {
		return protocol.Payload{}, protocol.Wrap(protocol.KindEngine, err)
	}
	return results.Value(node)
}

func (d *Dispatcher) header(ctx context.Context, a protocol.Args) (protocol.Payload, error) {
	headers := map[string]string{}
	if !a.Clear {
		headers = d.state.Headers()
		headers[a.Name] = a.Value
	}
	if err := d.page.SetHeaders(ctx, headers); err != nil {
		return protocol.Payload{}, browser.ClassifyEngineError(err, "")
	}
	d.state.ReplaceHeaders(headers)
	return results.Empty(), nil
}

func (d *Dispatcher) cookie(ctx context.Context, a protocol.Args) (protocol.Payload, error) {
	switch {
	case a.List:
		cookies, err := d.page.Cookies(ctx)
		if err != nil {
			return protocol.Payload{}, browser.ClassifyEngineError(err, "")
		}
		if cookies == nil {
			cookies = []browser.Cookie{}
		}
		return results.Value(cookies)
	case a.Clear:
		return d.empty(d.page.ClearCookies(ctx))
	}

	url := a.URL
	if url == "" {
		if !d.state.PageOpened() {
			return protocol.Payload{}, protocol.Errorf(protocol.KindBadRequest,
				"cookie: --url is required before the first 'plwr open'")
		}
		current, err := d.page.URL(ctx)
		if err != nil {
			return protocol.Payload{}, browser.ClassifyEngineError(err, "")
		}
		url = current
	}
	return d.empty(d.page.AddCookie(ctx, browser.Cookie{Name: a.Name, Value: a.Value, URL: url}))
}

func (d *Dispatcher) videoStart(ctx context.Context, dir string) (protocol.Payload, error) {
	rec := browser.Recording{Dir: dir, StartedAt: d.clock.Now()}
	if dir == "" {
		if err := os.MkdirAll(d.opts.VideoDir, 0o755); err != nil {
			return protocol.Payload{}, protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("create video dir: %w", err))
		}
		tmp, err := os.MkdirTemp(d.opts.VideoDir, "rec-*")
		if err != nil {
			return protocol.Payload{}, protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("create recording dir: %w", err))
		}
		rec.Dir, rec.TempDir = tmp, true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return protocol.Payload{}, protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("create recording dir: %w", err))
	}

	if err := d.state.BeginRecording(rec); err != nil {
		d.discardRecording(rec)
		return protocol.Payload{}, protocol.Wrap(protocol.KindBadRequest, err)
	}
	if err := d.page.StartVideo(ctx, rec.Dir); err != nil {
		_, _ = d.state.EndRecording()
		d.discardRecording(rec)
		return protocol.Payload{}, browser.ClassifyEngineError(err, "")
	}
	d.logger.Info("Video recording started", zap.String("dir", rec.Dir))
	return results.Empty(), nil
}

func (d *Dispatcher) videoStop(ctx context.Context, output string) (protocol.Payload, error) {
	abs, err := filepath.Abs(output)
	if err != nil {
		return protocol.Payload{}, protocol.Errorf(protocol.KindBadRequest, "video-stop: invalid output %q: %v", output, err)
	}
	rec, ok := d.state.CurrentRecording()
	if !ok {
		return protocol.Payload{}, protocol.Wrap(protocol.KindBadRequest, browser.ErrNoRecording)
	}
	rec.Output = abs
	if err := d.finishRecording(ctx, rec); err != nil {
		return protocol.Payload{}, err
	}
	return results.Artifact(abs), nil
}

// finishRecording flushes the engine's video and writes it to rec.Output. The
// recording stays registered until the engine has actually stopped it.
func (d *Dispatcher) finishRecording(ctx context.Context, rec browser.Recording) error {
	raw, err := d.page.StopVideo(ctx)
	if err != nil {
		return browser.ClassifyEngineError(err, "")
	}
	_, _ = d.state.EndRecording()
	defer d.discardRecording(rec)

	if err := d.opts.Transcoder.Finalize(ctx, raw, rec.Output); err != nil {
		return err
	}
	d.logger.Info("Video recording saved", zap.String("output", rec.Output),
		zap.Duration("length", d.clock.Since(rec.StartedAt)))
	return nil
}

func (d *Dispatcher) discardRecording(rec browser.Recording) {
	if rec.TempDir {
		if err := os.RemoveAll(rec.Dir); err != nil {
			d.logger.Warn("Failed to remove recording dir", zap.String("dir", rec.Dir), zap.Error(err))
		}
	}
}

// Shutdown finalizes a recording that was started with an output up front. A
// recording without an output is discarded.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	rec, ok := d.state.CurrentRecording()
	if !ok {
		return nil
	}
	if rec.Output == "" {
		d.logger.Warn("Discarding unfinished video recording", zap.String("dir", rec.Dir))
		if _, err := d.page.StopVideo(ctx); err != nil {
			d.logger.Warn("Failed to stop recording", zap.Error(err))
		}
		_, _ = d.state.EndRecording()
		d.discardRecording(rec)
		return nil
	}
	if err := d.finishRecording(ctx, rec); err != nil {
		// The session is going away, so nothing will retry it.
		if _, ok := d.state.CurrentRecording(); ok {
			_, _ = d.state.EndRecording()
			d.discardRecording(rec)
		}
		return err
	}
	return nil
}

// StatusReport is the payload of the status verb.
type StatusReport struct {
	Session    string    `json:"session"`
	State      Lifecycle `json:"state"`
	PID        int       `json:"pid"`
	Engine     string    `json:"engine"`
	PageOpened bool      `json:"page_opened"`
	URL        string    `json:"url,omitempty"`
	Recording  bool      `json:"recording"`
	Headers    int       `json:"headers"`
	Console    int       `json:"console_entries"`
	Dropped    int       `json:"console_dropped,omitempty"`
	Processed  int64     `json:"commands_processed"`
	Uptime     string    `json:"uptime"`
}

func (d *Dispatcher) status(ctx context.Context) (protocol.Payload, error) {
	_, recording := d.state.CurrentRecording()
	report := StatusReport{
		Session:    d.opts.Session,
		State:      d.opts.Lifecycle(),
		PID:        os.Getpid(),
		Engine:     d.opts.Engine,
		PageOpened: d.state.PageOpened(),
		Recording:  recording,
		Headers:    len(d.state.Headers()),
		Console:    d.state.Console.Len(),
		Dropped:    d.state.Console.Dropped(),
		Processed:  d.processed,
		Uptime:     d.clock.Since(d.startedAt).Round(time.Second).String(),
	}
	if report.PageOpened {
		if url, err := d.page.URL(ctx); err == nil {
			report.URL = url
		}
	}
	return results.Value(report)
}

func absolutePaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, protocol.Errorf(protocol.KindBadRequest, "input-files: invalid path %q: %v", p, err)
		}
		if _, err := os.Stat(abs); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, protocol.Errorf(protocol.KindBadRequest, "input-files: no such file %s", abs)
			}
			return nil, protocol.Wrap(protocol.KindBadRequest, err)
		}
		out = append(out, abs)
	}
	return out, nil
}
