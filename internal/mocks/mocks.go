// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/andreasjansson/plwr/internal/browser"
	"github.com/andreasjansson/plwr/internal/store"
)

// -- Page Mock --

// MockPage mocks the browser.Page interface.
type MockPage struct {
	mock.Mock

	mu      sync.Mutex
	console func(browser.ConsoleEntry)
}

var _ browser.Page = (*MockPage)(nil)

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockPage) Reload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Count(ctx context.Context, selector string) (int, error) {
	args := m.Called(ctx, selector)
	return args.Int(0), args.Error(1)
}

func (m *MockPage) Visible(ctx context.Context, selector string) (bool, error) {
	args := m.Called(ctx, selector)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) Actionable(ctx context.Context, selector string, budget time.Duration) (bool, error) {
	args := m.Called(ctx, selector, budget)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	args := m.Called(ctx, expression)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return rawArg(args.Get(0)), args.Error(1)
}

func (m *MockPage) EvaluateOn(ctx context.Context, selector, fn string, arg any) (json.RawMessage, error) {
	args := m.Called(ctx, selector, fn, arg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return rawArg(args.Get(0)), args.Error(1)
}

// rawArg accepts either raw JSON or a string literal holding it.
func rawArg(v any) json.RawMessage {
	switch t := v.(type) {
	case json.RawMessage:
		return t
	case string:
		return json.RawMessage(t)
	case []byte:
		return t
	}
	raw, _ := json.Marshal(v)
	return raw
}

func (m *MockPage) Perform(ctx context.Context, action browser.Action) error {
	return m.Called(ctx, action).Error(0)
}

func (m *MockPage) Press(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockPage) BoundingBox(ctx context.Context, selector string) (browser.Box, error) {
	args := m.Called(ctx, selector)
	return args.Get(0).(browser.Box), args.Error(1)
}

func (m *MockPage) MovePointer(ctx context.Context, x, y float64) error {
	return m.Called(ctx, x, y).Error(0)
}

func (m *MockPage) Screenshot(ctx context.Context, shot browser.Shot) ([]byte, error) {
	args := m.Called(ctx, shot)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockPage) SetHeaders(ctx context.Context, headers map[string]string) error {
	return m.Called(ctx, headers).Error(0)
}

func (m *MockPage) AddCookie(ctx context.Context, cookie browser.Cookie) error {
	return m.Called(ctx, cookie).Error(0)
}

func (m *MockPage) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]browser.Cookie), args.Error(1)
}

func (m *MockPage) ClearCookies(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) SetViewport(ctx context.Context, width, height int) error {
	return m.Called(ctx, width, height).Error(0)
}

// OnConsole stores the sink without recording a call; tests feed it with Emit.
func (m *MockPage) OnConsole(sink func(browser.ConsoleEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.console = sink
}

// Emit delivers a console entry as the engine would.
func (m *MockPage) Emit(e browser.ConsoleEntry) {
	m.mu.Lock()
	sink := m.console
	m.mu.Unlock()
	if sink != nil {
		sink(e)
	}
}

func (m *MockPage) StartVideo(ctx context.Context, dir string) error {
	return m.Called(ctx, dir).Error(0)
}

func (m *MockPage) StopVideo(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Journal Mock --

// MockJournal mocks the command journal.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Record(ctx context.Context, entry store.Entry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockJournal) Recent(ctx context.Context, session string, limit int) ([]store.Entry, error) {
	args := m.Called(ctx, session, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Entry), args.Error(1)
}

func (m *MockJournal) Close() {
	m.Called()
}
