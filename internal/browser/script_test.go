package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyEval(t *testing.T) {
	testCases := []struct {
		src  string
		form EvalForm
		code string
	}{
		{src: "document.title", form: EvalExpression, code: "document.title"},
		{src: "  1 + 1;  ", form: EvalExpression, code: "1 + 1"},
		{src: "{a: 1, b: [2, 3]}", form: EvalExpression, code: "{a: 1, b: [2, 3]}"},
		{src: "await fetch('/x').then(r => r.status)", form: EvalExpression, code: "await fetch('/x').then(r => r.status)"},
		{src: "const n = 2; return n * 21", form: EvalBody, code: "const n = 2; return n * 21"},
		{src: "for (const x of [1]) {}", form: EvalBody, code: "for (const x of [1]) {}"},
		{src: "this is not js", form: EvalExpression, code: "this is not js"},
	}

	for _, tc := range testCases {
		t.Run(tc.src, func(t *testing.T) {
			form, code := ClassifyEval(tc.src)
			assert.Equal(t, tc.form, form)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestWrapEval(t *testing.T) {
	expr := WrapEval("document.title")
	assert.Contains(t, expr, "await (async () => (document.title\n))()")
	assert.Contains(t, expr, "type: 'structured'")
	assert.True(t, parses(expr), "the wrapper itself must be valid JS")

	body := WrapEval("const a = 1;\nreturn a")
	assert.Contains(t, body, "await (async () => {\nconst a = 1;\nreturn a\n})()")
	assert.True(t, parses(body))
}
