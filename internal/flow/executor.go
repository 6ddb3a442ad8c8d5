// File: internal/flow/executor.go
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/bus"
	"github.com/citywatch/formrunner/internal/humanoid"
)

// Executor orchestrates classification, fill routines, and the completion
// poller for whatever page is currently rendered on a work surface. It holds
// no durable state; everything is re-derived from the live page per command.
type Executor struct {
	bus     *bus.Bus
	logger  *zap.Logger
	typist  *humanoid.Typist
	picker  Picker
	resolve SurfaceResolver

	// Detection loop shape.
	detectIterations int
	detectInterval   time.Duration
	successDebounce  time.Duration

	// Completion poller shape.
	pollInterval   time.Duration
	keepAliveEvery int

	// Stage guards, scoped to the current page load generation.
	generation int64
	guards     map[Stage]bool

	runCtx     context.Context
	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollers    sync.WaitGroup
}

// NewExecutor creates a page-flow executor.
func NewExecutor(b *bus.Bus, typist *humanoid.Typist, picker Picker, resolve SurfaceResolver, logger *zap.Logger) *Executor {
	return &Executor{
		bus:     b,
		logger:  logger.Named("executor"),
		typist:  typist,
		picker:  picker,
		resolve: resolve,

		detectIterations: 20,
		detectInterval:   500 * time.Millisecond,
		successDebounce:  3 * time.Second,
		pollInterval:     time.Second,
		keepAliveEvery:   20,

		guards: make(map[Stage]bool),
	}
}

// Run consumes commands until the context ends. Commands are processed to
// completion one at a time; only the completion poller runs concurrently.
func (e *Executor) Run(ctx context.Context) error {
	cmds := e.bus.Attach()
	defer e.bus.Detach()
	e.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			e.stopPoller()
			e.pollers.Wait()
			return ctx.Err()
		case cmd := <-cmds:
			switch c := cmd.(type) {
			case bus.FillPage:
				page, ok := e.resolve(c.SurfaceID)
				if !ok {
					e.logger.Warn("Fill command for a surface that no longer exists; dropping.",
						zap.String("surface_id", c.SurfaceID))
					continue
				}
				if err := e.FillCurrentPage(ctx, page, c); err != nil {
					// The batch never auto-advances past a failed item; it
					// stalls until someone intervenes.
					e.logger.Error("Fill routine failed; item stalled.", zap.Error(err))
				}
			case bus.BatchComplete:
				e.logger.Info("Batch processing complete.")
			}
		}
	}
}

// FillCurrentPage runs the bounded detection loop against the page: check
// for the terminal success marker, classify, and dispatch the matching fill
// routine exactly once per page load.
func (e *Executor) FillCurrentPage(ctx context.Context, page Page, cmd bus.FillPage) error {
	// A new load generation means fresh guards and the end of any poller
	// bound to the previous page.
	if cmd.Generation != e.generation {
		e.generation = cmd.Generation
		e.guards = make(map[Stage]bool)
		e.stopPoller()
	}

	for i := 0; i < e.detectIterations; i++ {
		text, err := page.BodyText(ctx)
		if err != nil {
			return fmt.Errorf("could not read page state: %w", err)
		}
		if SuccessInText(text) {
			// Debounce against transient partial renders before reporting.
			if err := sleep(ctx, e.successDebounce); err != nil {
				return err
			}
			e.logger.Info("Success marker detected on page load.")
			return e.bus.Emit(ctx, bus.ItemSucceeded{})
		}

		html, err := page.HTML(ctx)
		if err != nil {
			return fmt.Errorf("could not snapshot page: %w", err)
		}
		stage, err := Classify(html)
		if err != nil {
			return err
		}

		if stage == StageUnknown {
			if err := sleep(ctx, e.detectInterval); err != nil {
				return err
			}
			continue
		}

		if e.guards[stage] {
			e.logger.Debug("Stage already filled on this page load; skipping.",
				zap.Stringer("stage", stage))
			return nil
		}
		e.guards[stage] = true
		e.logger.Info("Page classified.", zap.Stringer("stage", stage))

		// Each stage transition navigates, so detection restarts fresh on
		// the next load.
		switch stage {
		case StageStart:
			return e.fillStart(ctx, page)
		case StageDetails:
			return e.fillDetails(ctx, page, cmd)
		case StageLocation:
			return e.fillLocation(ctx, page, cmd)
		case StageContact:
			return e.fillContact(ctx, page, cmd)
		}
	}

	// The page may be in a transient or unsupported state; give up quietly.
	e.logger.Debug("No recognizable page state after detection loop.")
	return nil
}
