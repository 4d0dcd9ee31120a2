package browser

import (
	"errors"
	"regexp"
	"strings"

	"github.com/andreasjansson/plwr/internal/protocol"
)

var (
	selectorSuffix = regexp.MustCompile(`\[selector: [^\]]*\]`)
	resolvedTo     = regexp.MustCompile(`resolved to (\d+) elements`)
)

// transientMarkers identify engine failures caused by a navigation racing a check.
// Waits treat them as "not yet" instead of failing.
var transientMarkers = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"frame was detached",
	"Frame was detached",
	"Inspected target navigated or closed",
}

// IsTransient reports whether err is a check failure that the next tick may not see.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// CleanError reduces an engine error message to its first meaningful line. Stack
// traces and layered protocol prefixes are dropped, the selector suffix is kept,
// and strict mode violations get a hint on how to pick one match.
func CleanError(msg string) string {
	suffix := ""
	if locs := selectorSuffix.FindAllStringIndex(msg, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		suffix = msg[last[0]:last[1]]
	}

	if i := strings.Index(msg, " \n "); i >= 0 {
		msg = msg[:i]
	}
	lines := strings.Split(msg, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(l, "    at ") {
			break
		}
		kept = append(kept, l)
	}
	msg = strings.Join(kept, "\n")

	msg = strings.TrimPrefix(msg, "Protocol error: ")
	msg = strings.TrimPrefix(msg, "Protocol error ")
	if strings.HasPrefix(msg, "(") {
		if i := strings.Index(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
	}
	msg = strings.TrimPrefix(msg, "Error: ")
	msg = strings.TrimPrefix(msg, "strict mode violation: ")

	first := strings.TrimRight(strings.SplitN(msg, "\n", 2)[0], " \t\r")
	cleaned := first
	if suffix != "" && !strings.HasSuffix(first, "]") {
		cleaned = first + " " + suffix
	}

	if strings.Contains(cleaned, "resolved to") && strings.Contains(cleaned, "elements") {
		sel := "SELECTOR"
		if suffix != "" {
			sel = strings.TrimSuffix(strings.TrimPrefix(suffix, "[selector: "), "]")
		}
		cleaned += "\n\nHint: use '>> nth=0' to select the first match, e.g.:\n  plwr <command> \"" + sel + " >> nth=0\""
	}
	return cleaned
}

// ClassifyEngineError turns a raw engine error into a typed one. Typed errors pass
// through untouched.
func ClassifyEngineError(err error, selector string) error {
	if err == nil {
		return nil
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}

	raw := err.Error()
	if selector != "" && !strings.Contains(raw, "[selector: ") {
		raw += " [selector: " + selector + "]"
	}
	msg := CleanError(raw)

	kind := protocol.KindEngine
	switch {
	case resolvedTo.MatchString(msg) && strings.Contains(raw, "strict mode violation"):
		kind = protocol.KindAmbiguousMatch
	case strings.HasPrefix(msg, "Timeout ") && strings.Contains(msg, "exceeded"):
		kind = protocol.KindTimeout
	}
	return &protocol.Error{Kind: kind, Message: msg, Selector: selector, Err: err}
}
