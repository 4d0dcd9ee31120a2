package cdpengine

import "context"

// CombineContext creates a new context derived from sessionCtx (inheriting its values,
// including the chromedp context) but ensures it is cancelled if opCtx is cancelled.
// Callers keep control of timeouts through opCtx while chromedp still finds its
// target through sessionCtx.
func CombineContext(sessionCtx context.Context, opCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(sessionCtx)

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
