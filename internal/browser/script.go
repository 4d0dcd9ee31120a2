package browser

import (
	"strings"

	"github.com/dop251/goja/parser"
)

// Element scripts shared by every engine. Each is a function of (element, arg).
const (
	TextContentJS = `el => el.textContent ?? ''`
	InnerHTMLJS   = `el => el.innerHTML`
	InputValueJS  = `el => {
	if (!('value' in el)) throw new Error('Node is not an <input>, <textarea> or <select> element');
	return el.value;
}`
	AttributeJS = `(el, name) => el.getAttribute(name)`
	// ComputedStyleJS serializes in the page so that property order survives.
	ComputedStyleJS = `(el, props) => {
	const cs = getComputedStyle(el);
	const names = props && props.length ? props : Array.from(cs);
	const out = {};
	for (const p of names) out[p] = cs.getPropertyValue(p);
	return JSON.stringify(out);
}`
)

// evalResultJS classifies the awaited value __r into the shape the result codec
// expects: undefined, a primitive rendered with String(), or a JSON serialization.
const evalResultJS = `
	if (__r === undefined) return { type: 'undefined' };
	if (__r === null || (typeof __r !== 'object' && typeof __r !== 'function')) {
		return { type: 'primitive', text: String(__r) };
	}
	if (typeof __r === 'function') return { type: 'primitive', text: String(__r) };
	let __j;
	try { __j = JSON.stringify(__r); } catch (e) { return { type: 'primitive', text: String(__r) }; }
	if (__j === undefined) return { type: 'undefined' };
	return { type: 'structured', json: __j };`

// EvalForm tells how user code was embedded.
type EvalForm int

const (
	// EvalExpression is code that parses as a single expression.
	EvalExpression EvalForm = iota
	// EvalBody is a statement list; its value comes from an explicit return.
	EvalBody
)

// ClassifyEval decides whether src is an expression or a function body and returns
// the code to embed. A lone expression may end in a semicolon. Code that neither
// form accepts is treated as an expression so the page reports the error.
func ClassifyEval(src string) (EvalForm, string) {
	src = strings.TrimSpace(src)
	if expr := strings.TrimSpace(strings.TrimSuffix(src, ";")); parses("(async () => (" + expr + "\n))") {
		return EvalExpression, expr
	}
	if parses("(async () => {" + src + "\n})") {
		return EvalBody, src
	}
	return EvalExpression, src
}

func parses(program string) bool {
	_, err := parser.ParseFile(nil, "eval.js", program, 0)
	return err == nil
}

// WrapEval embeds user code in an async wrapper whose promise resolves to the
// classified result object.
func WrapEval(src string) string {
	form, src := ClassifyEval(src)
	var b strings.Builder
	b.WriteString("(async () => {\n\tconst __r = await (async () => ")
	if form == EvalBody {
		b.WriteString("{\n" + src + "\n}")
	} else {
		b.WriteString("(" + src + "\n)")
	}
	b.WriteString(")();")
	b.WriteString(evalResultJS)
	b.WriteString("\n})()")
	return b.String()
}
