// Package browser holds the engine-neutral side of a session: the Page boundary
// that engine adapters implement, the selector wait engine, the per-session state
// and the helpers that turn page content into results.
package browser

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// ActionKind names an interaction performed on the element a selector resolves to.
type ActionKind string

const (
	ActionClick          ActionKind = "click"
	ActionDblclick       ActionKind = "dblclick"
	ActionFill           ActionKind = "fill"
	ActionHover          ActionKind = "hover"
	ActionCheck          ActionKind = "check"
	ActionUncheck        ActionKind = "uncheck"
	ActionFocus          ActionKind = "focus"
	ActionBlur           ActionKind = "blur"
	ActionScrollIntoView ActionKind = "scroll-into-view"
	ActionSelect         ActionKind = "select"
	ActionInputFiles     ActionKind = "input-files"
)

// Action is one interaction. Only the fields relevant to Kind are read.
type Action struct {
	Kind     ActionKind
	Selector string
	Text     string
	Values   []string
	ByLabel  bool
	Paths    []string
	// Timeout bounds the engine's own actionability checks for the action.
	Timeout time.Duration
}

// Shot describes a screenshot. An empty Selector captures the page.
type Shot struct {
	Selector string
	FullPage bool
}

// Box is an element's bounding box in CSS pixels.
type Box struct {
	X, Y, Width, Height float64
}

// Center returns the middle of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Cookie is the cookie shape shared by all engines. Field order is the order the
// cookie list is printed in.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
	// URL scopes a cookie being set. It is never reported back.
	URL string `json:"-"`
}

// ConsoleEntry is one captured console call.
type ConsoleEntry struct {
	Level     string   `json:"level"`
	Timestamp int64    `json:"ts"`
	Args      []string `json:"args"`
}

// Page is the automation engine boundary. One Page is one live browser context
// with a single tab. Implementations need not be safe for concurrent use except
// for the read-only checks (Count, Visible, Actionable, Evaluate, EvaluateOn),
// which the wait engine may call from several goroutines.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	URL(ctx context.Context) (string, error)

	// Count returns the number of elements the selector currently matches.
	Count(ctx context.Context, selector string) (int, error)
	// Visible reports whether the first match is rendered and visible.
	Visible(ctx context.Context, selector string) (bool, error)
	// Actionable runs the engine's readiness check against the first match,
	// spending at most budget on it.
	Actionable(ctx context.Context, selector string, budget time.Duration) (bool, error)

	// Evaluate runs a JS expression in the page, awaiting a returned promise, and
	// returns the JSON encoding of its value.
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)
	// EvaluateOn calls fn, a JS function of (element, arg), with the first match.
	EvaluateOn(ctx context.Context, selector, fn string, arg any) (json.RawMessage, error)

	Perform(ctx context.Context, action Action) error
	Press(ctx context.Context, key string) error
	BoundingBox(ctx context.Context, selector string) (Box, error)
	MovePointer(ctx context.Context, x, y float64) error
	Screenshot(ctx context.Context, shot Shot) ([]byte, error)

	SetHeaders(ctx context.Context, headers map[string]string) error
	AddCookie(ctx context.Context, cookie Cookie) error
	Cookies(ctx context.Context) ([]Cookie, error)
	ClearCookies(ctx context.Context) error
	SetViewport(ctx context.Context, width, height int) error

	// OnConsole registers the single console sink. It survives navigations and
	// context swaps.
	OnConsole(sink func(ConsoleEntry))

	// StartVideo moves the session into a recording context that writes raw
	// video into dir, carrying over cookies, storage, headers, viewport and URL.
	StartVideo(ctx context.Context, dir string) error
	// StopVideo finalizes the recording, returns the raw video file and moves
	// the session back into a non-recording context.
	StopVideo(ctx context.Context) (string, error)

	Close(ctx context.Context) error
}

// LaunchOptions configures a new engine instance.
type LaunchOptions struct {
	Headed          bool
	IgnoreTLSErrors bool
	Args            []string
	ExecutablePath  string
	ViewportWidth   int
	ViewportHeight  int
	// VideoDir, when set, records from the very first page.
	VideoDir string
	Logger   *zap.Logger
}

// Launcher starts an engine. Each adapter package exposes one.
type Launcher func(ctx context.Context, opts LaunchOptions) (Page, error)
