package cdpengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andreasjansson/plwr/internal/browser"
	"github.com/andreasjansson/plwr/internal/protocol"
)

func TestKeyAction(t *testing.T) {
	testCases := []struct {
		spec    string
		wantErr bool
	}{
		{spec: "Enter"},
		{spec: "a"},
		{spec: "Control+a"},
		{spec: "Shift+Alt+ArrowLeft"},
		{spec: "+"},
		{spec: "Shift++"},
		{spec: "F12"},
		{spec: "Enterr", wantErr: true},
		{spec: "Hyper+a", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.spec, func(t *testing.T) {
			action, err := keyAction(tc.spec)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "Unknown key")
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, action)
		})
	}
}

func TestFormatRemoteObject(t *testing.T) {
	assert.Equal(t, "hello", formatRemoteObject(&runtime.RemoteObject{Type: "string", Value: []byte(`"hello"`)}))
	assert.Equal(t, "42", formatRemoteObject(&runtime.RemoteObject{Type: "number", Value: []byte(`42`)}))
	assert.Equal(t, "NaN", formatRemoteObject(&runtime.RemoteObject{Type: "number", UnserializableValue: "NaN"}))
	assert.Equal(t, "HTMLDivElement", formatRemoteObject(&runtime.RemoteObject{Type: "object", Description: "HTMLDivElement"}))
	assert.Equal(t, "undefined", formatRemoteObject(&runtime.RemoteObject{Type: "undefined"}))
}

func TestOnElementQuotesSelector(t *testing.T) {
	expr, err := onElement(`a[title="x'y"]`, "el => el.id", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Contains(t, expr, `document.querySelector("a[title=\"x'y\"]")`)
	assert.Contains(t, expr, `(el => el.id)(el, {"n":1})`)
}

func TestLaunchRejectsVideo(t *testing.T) {
	_, err := Launch(context.Background(), browser.LaunchOptions{VideoDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrConfiguration))
}

func TestEngineAgainstChromium(t *testing.T) {
	if os.Getenv("PLWR_E2E") == "" {
		t.Skip("set PLWR_E2E=1 to run browser tests")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
			<p class="x">one</p><p class="x">two</p>
			<input id="q"><input type="checkbox" id="c">
			<select id="s"><option value="1">One</option><option value="2">Two</option></select>
			<span id="h">` + r.Header.Get("X-Plwr") + `</span>
		</body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	page, err := Launch(ctx, browser.LaunchOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer page.Close(context.Background())

	require.NoError(t, page.SetHeaders(ctx, map[string]string{"X-Plwr": "hi"}))
	require.NoError(t, page.Navigate(ctx, srv.URL))

	n, err := page.Count(ctx, "p.x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	raw, err := page.EvaluateOn(ctx, "#h", browser.TextContentJS, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(raw))

	require.NoError(t, page.Perform(ctx, browser.Action{Kind: browser.ActionFill, Selector: "#q", Text: "typed"}))
	raw, err = page.EvaluateOn(ctx, "#q", browser.InputValueJS, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"typed"`, string(raw))

	require.NoError(t, page.Perform(ctx, browser.Action{Kind: browser.ActionCheck, Selector: "#c"}))
	require.NoError(t, page.Perform(ctx, browser.Action{Kind: browser.ActionSelect, Selector: "#s", Values: []string{"Two"}, ByLabel: true}))
	raw, err = page.EvaluateOn(ctx, "#s", browser.InputValueJS, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"2"`, string(raw))

	raw, err = page.Evaluate(ctx, browser.WrapEval("undefined"))
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.Equal(t, "undefined", v["type"])
}
