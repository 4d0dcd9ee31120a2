package browser

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/andreasjansson/plwr/internal/protocol"
)

// DefaultPollInterval is the fixed cadence of every selector wait.
const DefaultPollInterval = 50 * time.Millisecond

// Condition is what a wait is waiting for.
type Condition int

const (
	// Exists holds when the selector matches and its first match is visible.
	Exists Condition = iota
	// Attached holds when the selector matches at all, visible or not.
	Attached
	// Gone holds when the selector matches nothing.
	Gone
	// Actionable holds when the engine's readiness check passes for the first match.
	Actionable
)

func (c Condition) String() string {
	switch c {
	case Exists:
		return "exists"
	case Attached:
		return "attached"
	case Gone:
		return "exists-not"
	case Actionable:
		return "actionable"
	}
	return "unknown"
}

const documentIndexJS = `el => Array.prototype.indexOf.call(document.getElementsByTagName('*'), el)`

// Waiter polls a page until a selector condition holds or the deadline passes.
// Time comes from an injectable clock so waits are deterministic under test.
type Waiter struct {
	page     Page
	clock    clock.Clock
	interval time.Duration
}

// NewWaiter creates a waiter. A nil clock means wall time and a non-positive
// interval means DefaultPollInterval.
func NewWaiter(page Page, clk clock.Clock, interval time.Duration) *Waiter {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Waiter{page: page, clock: clk, interval: interval}
}

// Wait blocks until cond holds for selector.
func (w *Waiter) Wait(ctx context.Context, selector string, cond Condition, timeout time.Duration) error {
	return w.poll(ctx, selector, cond, false, w.clock.Now().Add(timeout), timeout)
}

// Resolve waits like Wait but also insists that the selector names a single
// element, which is what every single-target command needs. A second match fails
// the wait at once, whether or not the first one satisfies cond yet.
func (w *Waiter) Resolve(ctx context.Context, selector string, cond Condition, timeout time.Duration) error {
	return w.poll(ctx, selector, cond, true, w.clock.Now().Add(timeout), timeout)
}

func (w *Waiter) poll(ctx context.Context, selector string, cond Condition, single bool, deadline time.Time, timeout time.Duration) error {
	for {
		ok, n, err := w.check(ctx, selector, cond)
		if err != nil {
			return err
		}
		if single && n > 1 {
			return protocol.AmbiguousMatch(selector, n)
		}
		if ok {
			return nil
		}
		if err := w.sleep(ctx, deadline); err != nil {
			if errors.Is(err, errDeadline) {
				return protocol.Timeout(selector, timeout)
			}
			return err
		}
	}
}

var errDeadline = errors.New("deadline reached")

// sleep waits one interval, clipped to the deadline so that the last check
// happens exactly at the deadline. It returns errDeadline once that last check
// has already run.
func (w *Waiter) sleep(ctx context.Context, deadline time.Time) error {
	remaining := deadline.Sub(w.clock.Now())
	if remaining <= 0 {
		return errDeadline
	}
	select {
	case <-ctx.Done():
		return contextError(ctx)
	case <-w.clock.After(min(w.interval, remaining)):
		return nil
	}
}

// check evaluates cond once.
func (w *Waiter) check(ctx context.Context, selector string, cond Condition) (bool, int, error) {
	n, err := w.page.Count(ctx, selector)
	if err != nil {
		if IsTransient(err) {
			return false, 0, nil
		}
		return false, 0, ClassifyEngineError(err, selector)
	}

	switch cond {
	case Gone:
		return n == 0, n, nil
	case Attached:
		return n > 0, n, nil
	case Exists, Actionable:
		if n == 0 {
			return false, n, nil
		}
	}

	var ok bool
	if cond == Actionable {
		ok, err = w.page.Actionable(ctx, selector, w.interval)
	} else {
		ok, err = w.page.Visible(ctx, selector)
	}
	if err != nil {
		if IsTransient(err) {
			return false, n, nil
		}
		return false, n, ClassifyEngineError(err, selector)
	}
	return ok, n, nil
}

// Any waits until at least one selector exists and returns it. When several match
// on the same tick, the one whose element comes first in document order wins.
func (w *Waiter) Any(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	deadline := w.clock.Now().Add(timeout)
	for {
		var matched []string
		for _, sel := range selectors {
			ok, _, err := w.check(ctx, sel, Exists)
			if err != nil {
				return "", err
			}
			if ok {
				matched = append(matched, sel)
			}
		}

		switch len(matched) {
		case 0:
		case 1:
			return matched[0], nil
		default:
			return w.earliest(ctx, matched)
		}

		if err := w.sleep(ctx, deadline); err != nil {
			if errors.Is(err, errDeadline) {
				return "", protocol.TimeoutMissing("None matched", selectors, timeout)
			}
			return "", err
		}
	}
}

// earliest picks the selector whose first match precedes the others in the
// document. Ties keep the order the selectors were given in.
func (w *Waiter) earliest(ctx context.Context, selectors []string) (string, error) {
	best, bestIndex := selectors[0], -1
	for _, sel := range selectors {
		raw, err := w.page.EvaluateOn(ctx, sel, documentIndexJS, nil)
		if err != nil {
			if IsTransient(err) {
				continue
			}
			return "", ClassifyEngineError(err, sel)
		}
		var idx int
		if err := json.Unmarshal(raw, &idx); err != nil || idx < 0 {
			continue
		}
		if bestIndex < 0 || idx < bestIndex {
			best, bestIndex = sel, idx
		}
	}
	return best, nil
}

// All waits until every selector has existed at least once. Each selector gets its
// own polling loop; the loops run concurrently and share the deadline.
func (w *Waiter) All(ctx context.Context, selectors []string, timeout time.Duration) error {
	deadline := w.clock.Now().Add(timeout)

	var mu sync.Mutex
	seen := make(map[string]bool, len(selectors))

	g, gctx := errgroup.WithContext(ctx)
	for _, sel := range lo.Uniq(selectors) {
		sel := sel
		g.Go(func() error {
			err := w.poll(gctx, sel, Exists, false, deadline, timeout)
			if errors.Is(err, protocol.ErrTimeout) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			seen[sel] = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	missing := lo.Filter(selectors, func(sel string, _ int) bool { return !seen[sel] })
	if len(missing) > 0 {
		return protocol.TimeoutMissing("Still missing", missing, timeout)
	}
	return nil
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.Errorf(protocol.KindTimeout, "command deadline exceeded")
	}
	return protocol.Wrap(protocol.KindEngine, ctx.Err())
}
