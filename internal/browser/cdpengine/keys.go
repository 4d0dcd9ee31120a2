package cdpengine

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"Insert":     kb.Insert,
	"Space":      " ",
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"F1":         kb.F1,
	"F2":         kb.F2,
	"F3":         kb.F3,
	"F4":         kb.F4,
	"F5":         kb.F5,
	"F6":         kb.F6,
	"F7":         kb.F7,
	"F8":         kb.F8,
	"F9":         kb.F9,
	"F10":        kb.F10,
	"F11":        kb.F11,
	"F12":        kb.F12,
}

var modifierKeys = map[string]input.Modifier{
	"Control": input.ModifierCtrl,
	"Shift":   input.ModifierShift,
	"Alt":     input.ModifierAlt,
	"Meta":    input.ModifierMeta,
}

// keyAction translates a key description such as "Enter", "a" or "Control+a"
// into a chromedp key event. Unknown names produce the same error text the
// playwright engine uses, so the dispatcher can attach the same hint.
func keyAction(spec string) (chromedp.Action, error) {
	var parts []string
	if strings.HasSuffix(spec, "+") {
		// A trailing "+" is the plus key itself, as in "+" or "Shift++".
		if head := strings.TrimSuffix(strings.TrimSuffix(spec, "+"), "+"); head != "" {
			parts = strings.Split(head, "+")
		}
		parts = append(parts, "+")
	} else {
		parts = strings.Split(spec, "+")
	}

	key := parts[len(parts)-1]
	var mods []input.Modifier
	for _, m := range parts[:len(parts)-1] {
		mod, ok := modifierKeys[m]
		if !ok {
			return nil, fmt.Errorf("Unknown key: %q", m)
		}
		mods = append(mods, mod)
	}

	if named, ok := namedKeys[key]; ok {
		key = named
	} else if utf8.RuneCountInString(key) != 1 {
		return nil, fmt.Errorf("Unknown key: %q", key)
	}

	if len(mods) == 0 {
		return chromedp.KeyEvent(key), nil
	}
	return chromedp.KeyEvent(key, chromedp.KeyModifiers(mods...)), nil
}
