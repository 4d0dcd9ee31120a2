// Package protocol defines the request and response shapes exchanged between the
// plwr client and a session daemon, the closed set of verbs, and the typed error
// kinds that both sides agree on.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Verb names one command. The set is closed; the dispatcher switches over it.
type Verb string

const (
	VerbOpen           Verb = "open"
	VerbReload         Verb = "reload"
	VerbURL            Verb = "url"
	VerbWait           Verb = "wait"
	VerbWaitNot        Verb = "wait-not"
	VerbWaitAny        Verb = "wait-any"
	VerbWaitAll        Verb = "wait-all"
	VerbClick          Verb = "click"
	VerbDblclick       Verb = "dblclick"
	VerbFill           Verb = "fill"
	VerbPress          Verb = "press"
	VerbHover          Verb = "hover"
	VerbCheck          Verb = "check"
	VerbUncheck        Verb = "uncheck"
	VerbFocus          Verb = "focus"
	VerbBlur           Verb = "blur"
	VerbScrollIntoView Verb = "scroll-into-view"
	VerbSelect         Verb = "select"
	VerbInputFiles     Verb = "input-files"
	VerbExists         Verb = "exists"
	VerbCount          Verb = "count"
	VerbText           Verb = "text"
	VerbInnerHTML      Verb = "inner-html"
	VerbInputValue     Verb = "input-value"
	VerbAttr           Verb = "attr"
	VerbComputedStyle  Verb = "computed-style"
	VerbEval           Verb = "eval"
	VerbScreenshot     Verb = "screenshot"
	VerbTree           Verb = "tree"
	VerbHeader         Verb = "header"
	VerbCookie         Verb = "cookie"
	VerbViewport       Verb = "viewport"
	VerbConsole        Verb = "console"
	VerbVideoStart     Verb = "video-start"
	VerbVideoStop      Verb = "video-stop"
	VerbStatus         Verb = "status"
	VerbStop           Verb = "stop"
)

// Verbs lists every verb in a stable order.
var Verbs = []Verb{
	VerbOpen, VerbReload, VerbURL,
	VerbWait, VerbWaitNot, VerbWaitAny, VerbWaitAll,
	VerbClick, VerbDblclick, VerbFill, VerbPress, VerbHover, VerbCheck, VerbUncheck,
	VerbFocus, VerbBlur, VerbScrollIntoView, VerbSelect, VerbInputFiles,
	VerbExists, VerbCount, VerbText, VerbInnerHTML, VerbInputValue, VerbAttr, VerbComputedStyle,
	VerbEval, VerbScreenshot, VerbTree,
	VerbHeader, VerbCookie, VerbViewport, VerbConsole,
	VerbVideoStart, VerbVideoStop,
	VerbStatus, VerbStop,
}

// pageless verbs may run before the first navigation.
var pageless = map[Verb]bool{
	VerbOpen:       true,
	VerbStop:       true,
	VerbStatus:     true,
	VerbHeader:     true,
	VerbViewport:   true,
	VerbCookie:     true,
	VerbConsole:    true,
	VerbVideoStart: true,
	VerbVideoStop:  true,
}

// Known reports whether v belongs to the verb set.
func (v Verb) Known() bool {
	return lo.Contains(Verbs, v)
}

// RequiresPage reports whether the verb needs a page that has been opened.
func (v Verb) RequiresPage() bool {
	return !pageless[v]
}

// Args carries the named and positional arguments of every verb. Each verb reads
// only the fields it needs; Validate enforces the required ones.
type Args struct {
	URL        string   `json:"url,omitempty"`
	Selector   string   `json:"selector,omitempty"`
	Selectors  []string `json:"selectors,omitempty"`
	Text       string   `json:"text,omitempty"`
	Key        string   `json:"key,omitempty"`
	Name       string   `json:"name,omitempty"`
	Value      string   `json:"value,omitempty"`
	Values     []string `json:"values,omitempty"`
	ByLabel    bool     `json:"by_label,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	Properties []string `json:"properties,omitempty"`
	Path       string   `json:"path,omitempty"`
	Dir        string   `json:"dir,omitempty"`
	Output     string   `json:"output,omitempty"`
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	FullPage   bool     `json:"full_page,omitempty"`
	List       bool     `json:"list,omitempty"`
	Clear      bool     `json:"clear,omitempty"`
}

// Request is one command addressed to one session.
type Request struct {
	ID        string `json:"id"`
	Session   string `json:"session"`
	Verb      Verb   `json:"verb"`
	Args      Args   `json:"args"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// Timeout returns the effective command timeout.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

func requireField(verb Verb, name, value string) error {
	if value == "" {
		return Errorf(KindBadRequest, "%s: missing %s", verb, name)
	}
	return nil
}

// Validate checks that the verb is known and that its required arguments are set.
func (r Request) Validate() error {
	if !r.Verb.Known() {
		return Errorf(KindBadRequest, "unknown verb %q", r.Verb)
	}
	if r.TimeoutMS < 0 {
		return Errorf(KindBadRequest, "%s: negative timeout", r.Verb)
	}
	a := r.Args
	switch r.Verb {
	case VerbOpen:
		return requireField(r.Verb, "url", a.URL)
	case VerbWait, VerbWaitNot, VerbClick, VerbDblclick, VerbHover, VerbCheck, VerbUncheck,
		VerbFocus, VerbBlur, VerbScrollIntoView, VerbExists, VerbCount, VerbText,
		VerbInnerHTML, VerbInputValue, VerbComputedStyle:
		return requireField(r.Verb, "selector", a.Selector)
	case VerbWaitAny, VerbWaitAll:
		if len(a.Selectors) == 0 {
			return Errorf(KindBadRequest, "%s: at least one selector is required", r.Verb)
		}
	case VerbFill:
		return requireField(r.Verb, "selector", a.Selector)
	case VerbPress:
		return requireField(r.Verb, "key", a.Key)
	case VerbSelect:
		if err := requireField(r.Verb, "selector", a.Selector); err != nil {
			return err
		}
		if len(a.Values) == 0 {
			return Errorf(KindBadRequest, "%s: at least one value is required", r.Verb)
		}
	case VerbInputFiles:
		return requireField(r.Verb, "selector", a.Selector)
	case VerbAttr:
		if err := requireField(r.Verb, "selector", a.Selector); err != nil {
			return err
		}
		return requireField(r.Verb, "name", a.Name)
	case VerbEval:
		return requireField(r.Verb, "expression", a.Text)
	case VerbScreenshot:
		return requireField(r.Verb, "path", a.Path)
	case VerbHeader:
		if a.Clear {
			return nil
		}
		return requireField(r.Verb, "name", a.Name)
	case VerbCookie:
		if a.List || a.Clear {
			return nil
		}
		return requireField(r.Verb, "name", a.Name)
	case VerbViewport:
		if a.Width <= 0 || a.Height <= 0 {
			return Errorf(KindBadRequest, "%s: width and height must be positive", r.Verb)
		}
	case VerbVideoStop:
		return requireField(r.Verb, "output", a.Output)
	}
	return nil
}

// Status is the outcome marker of a response.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// PayloadKind tells the result codec how to render a successful value.
type PayloadKind string

const (
	PayloadEmpty    PayloadKind = "empty"
	PayloadText     PayloadKind = "text"
	PayloadJSON     PayloadKind = "json"
	PayloadArtifact PayloadKind = "artifact"
	PayloadPresence PayloadKind = "presence"
	PayloadCount    PayloadKind = "count"
)

// Payload is the success value. Value is kept as raw JSON so that structured values
// keep the key order they were produced with.
type Payload struct {
	Kind  PayloadKind     `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID      string   `json:"id"`
	Status  Status   `json:"status"`
	Payload *Payload `json:"payload,omitempty"`
	Error   *Error   `json:"error,omitempty"`
}

// OK builds a success response.
func OK(id string, p Payload) Response {
	return Response{ID: id, Status: StatusOK, Payload: &p}
}

// Fail builds an error response from any error.
func Fail(id string, err error) Response {
	return Response{ID: id, Status: StatusError, Error: AsError(err)}
}

// Err returns the typed error of a failed response, or nil.
func (r Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Error == nil {
		return Errorf(KindTransport, "malformed response: status %q without error", r.Status)
	}
	if !r.Error.Kind.Valid() {
		return &Error{Kind: KindEngine, Message: r.Error.Message}
	}
	return r.Error
}

// String renders a request for logs.
func (r Request) String() string {
	return fmt.Sprintf("%s[%s] session=%s timeout=%dms", r.Verb, r.ID, r.Session, r.TimeoutMS)
}
