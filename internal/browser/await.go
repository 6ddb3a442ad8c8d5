// File: internal/browser/await.go
package browser

import (
	"context"
	"fmt"
	"time"
)

// Await polls a predicate until it holds, bounded by timeout. It is the
// generic "wait until a condition holds on the page" primitive the fill
// routines build on. Predicate errors abort the wait immediately.
func Await(ctx context.Context, timeout, interval time.Duration, predicate func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := predicate(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %s", timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
