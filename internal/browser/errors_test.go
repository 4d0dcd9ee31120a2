package browser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreasjansson/plwr/internal/protocol"
)

func TestCleanError(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strips stack trace after the marker",
			in:   "Error: Element is not attached to the DOM \n     at foo (bar.js:1:1)",
			want: "Element is not attached to the DOM",
		},
		{
			name: "strips js frames",
			in:   "TypeError: x is undefined\n    at eval (eval at evaluate)\n    at more",
			want: "TypeError: x is undefined",
		},
		{
			name: "strips layered protocol prefixes",
			in:   "Protocol error (Page.navigate): Cannot navigate to invalid URL",
			want: "Cannot navigate to invalid URL",
		},
		{
			name: "keeps the selector suffix from the tail",
			in:   "Error: locator.fill: Element is not an <input>\nCall log:\n  - waiting for locator [selector: #name]",
			want: "locator.fill: Element is not an <input> [selector: #name]",
		},
		{
			name: "does not duplicate a selector suffix",
			in:   "Timeout 100ms exceeded. [selector: #x]",
			want: "Timeout 100ms exceeded. [selector: #x]",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanError(tc.in))
		})
	}
}

func TestCleanErrorStrictModeHint(t *testing.T) {
	got := CleanError("Error: strict mode violation: locator('li') resolved to 4 elements:\n  1) <li>a</li> [selector: li]")
	assert.Contains(t, got, "locator('li') resolved to 4 elements: [selector: li]")
	assert.Contains(t, got, `plwr <command> "li >> nth=0"`)
}

func TestClassifyEngineError(t *testing.T) {
	t.Run("typed errors pass through", func(t *testing.T) {
		in := protocol.Timeout("#a", 0)
		assert.Same(t, in, ClassifyEngineError(in, "#a"))
	})

	t.Run("strict mode becomes an ambiguous match", func(t *testing.T) {
		err := ClassifyEngineError(errors.New("strict mode violation: locator('p') resolved to 2 elements"), "p")
		require.True(t, errors.Is(err, protocol.ErrAmbiguousMatch))
		assert.Contains(t, err.Error(), "[selector: p]")
	})

	t.Run("engine timeouts keep their kind", func(t *testing.T) {
		err := ClassifyEngineError(errors.New("Timeout 5000ms exceeded."), "#slow")
		assert.True(t, errors.Is(err, protocol.ErrTimeout))
	})

	t.Run("anything else is an engine error that unwraps", func(t *testing.T) {
		cause := errors.New("Target page, context or browser has been closed")
		err := ClassifyEngineError(cause, "")
		assert.Equal(t, protocol.KindEngine, protocol.KindOf(err))
		assert.ErrorIs(t, err, cause)
	})

	assert.NoError(t, ClassifyEngineError(nil, "x"))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("Execution context was destroyed, most likely because of a navigation")))
	assert.False(t, IsTransient(errors.New("net::ERR_CONNECTION_REFUSED")))
	assert.False(t, IsTransient(nil))
}
