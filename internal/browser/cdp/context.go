// internal/browser/cdp/context.go
package cdp

import (
	"context"
)

// combine derives a context from primary, which carries the chromedp tab, that
// also ends when the operational context op ends. The operational deadline is
// copied so that callers see context.DeadlineExceeded on timeouts.
func combine(primary, op context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	if deadline, ok := op.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, deadline)
		cancelParent := cancel
		cancel = func() {
			cancelDeadline()
			cancelParent()
		}
	}
	stop := context.AfterFunc(op, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// detach keeps the chromedp values of ctx but drops its cancellation, for
// teardown work that has to run after the caller gave up.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// opErr prefers the operational context error over whatever chromedp
// reported once op has ended.
func opErr(op context.Context, err error) error {
	if err == nil {
		return nil
	}
	if opE := op.Err(); opE != nil {
		return opE
	}
	return err
}
