package pwengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andreasjansson/plwr/internal/browser"
)

const fixtureHTML = `<!doctype html>
<html><body>
  <h1 id="title">Hello</h1>
  <input id="name">
  <ul><li>a</li><li>b</li></ul>
  <button id="go" onclick="console.log('clicked', 42)">Go</button>
</body></html>`

// launchForTest starts a real browser. These tests need chromium installed
// through 'plwr install' and only run when PLWR_E2E is set.
func launchForTest(t *testing.T) (browser.Page, string) {
	t.Helper()
	if os.Getenv("PLWR_E2E") == "" {
		t.Skip("set PLWR_E2E=1 to run browser tests")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(fixtureHTML))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	page, err := Launch(ctx, browser.LaunchOptions{Logger: zaptest.NewLogger(t), ViewportWidth: 800, ViewportHeight: 600})
	require.NoError(t, err)
	t.Cleanup(func() { _ = page.Close(context.Background()) })
	return page, srv.URL
}

func TestEngineRoundTrip(t *testing.T) {
	page, url := launchForTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	buf := browser.NewConsoleBuffer(0)
	page.OnConsole(buf.Append)

	require.NoError(t, page.Navigate(ctx, url))

	n, err := page.Count(ctx, "li")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	visible, err := page.Visible(ctx, "#title")
	require.NoError(t, err)
	assert.True(t, visible)

	require.NoError(t, page.Perform(ctx, browser.Action{Kind: browser.ActionFill, Selector: "#name", Text: "Alice"}))
	raw, err := page.EvaluateOn(ctx, "#name", browser.InputValueJS, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"Alice"`, string(raw))

	raw, err = page.Evaluate(ctx, browser.WrapEval("({b: 1, a: [2]})"))
	require.NoError(t, err)
	var v struct{ Type, JSON string }
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.Equal(t, "structured", v.Type)
	assert.Equal(t, `{"b":1,"a":[2]}`, v.JSON)

	require.NoError(t, page.Perform(ctx, browser.Action{Kind: browser.ActionClick, Selector: "#go"}))
	assert.Eventually(t, func() bool { return buf.Len() > 0 }, 5*time.Second, 50*time.Millisecond)

	shot, err := page.Screenshot(ctx, browser.Shot{FullPage: true})
	require.NoError(t, err)
	assert.NotEmpty(t, shot)
}

func TestEngineCookiesBeforeNavigation(t *testing.T) {
	page, url := launchForTest(t)
	ctx := context.Background()

	require.NoError(t, page.AddCookie(ctx, browser.Cookie{Name: "sid", Value: "abc", URL: url}))
	cookies, err := page.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)

	require.NoError(t, page.ClearCookies(ctx))
	cookies, err = page.Cookies(ctx)
	require.NoError(t, err)
	assert.Empty(t, cookies)
}
