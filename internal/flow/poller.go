// File: internal/flow/poller.go
package flow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/bus"
)

// startPoller begins the fixed-interval completion watch after the final
// fill stage. External verification is human-speed and unbounded, so this
// runs independently of the bounded detection loop, tied to the page load
// it was started on.
func (e *Executor) startPoller(page Page, generation int64) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	if e.pollCancel != nil {
		e.pollCancel()
	}
	base := e.runCtx
	if base == nil {
		base = context.Background()
	}
	pctx, cancel := context.WithCancel(base)
	e.pollCancel = cancel

	e.pollers.Add(1)
	go e.pollCompletion(pctx, page, generation)
}

// stopPoller cancels the active completion poller, if any. A fresh page
// load makes the previous page's poller meaningless.
func (e *Executor) stopPoller() {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if e.pollCancel != nil {
		e.pollCancel()
		e.pollCancel = nil
	}
}

func (e *Executor) pollCompletion(ctx context.Context, page Page, generation int64) {
	defer e.pollers.Done()

	log := e.logger.With(zap.Int64("generation", generation))
	log.Info("Completion poller started; waiting on external verification.")

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			log.Debug("Completion poller stopped.")
			return
		case <-ticker.C:
		}
		ticks++

		// Periodic liveness probe so the controller context is not
		// reclaimed while we idle.
		if ticks%e.keepAliveEvery == 0 {
			if err := e.bus.Emit(ctx, bus.KeepAlive{}); err != nil {
				return
			}
		}

		text, err := page.BodyText(ctx)
		if err != nil {
			// The page is gone; a navigation will restart detection.
			log.Debug("Completion poller lost the page.", zap.Error(err))
			return
		}
		loc, err := page.Location(ctx)
		if err != nil {
			loc = ""
		}

		if SuccessInText(text) || SuccessInAddress(loc) {
			ticker.Stop()
			if err := sleep(ctx, e.successDebounce); err != nil {
				return
			}
			log.Info("Success marker detected by completion poller.")
			if err := e.bus.Emit(ctx, bus.ItemSucceeded{}); err != nil {
				log.Warn("Could not report item success.", zap.Error(err))
			}
			return
		}
	}
}
