// File: internal/controller/controller.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/batch"
	"github.com/citywatch/formrunner/internal/browser"
	"github.com/citywatch/formrunner/internal/bus"
	"github.com/citywatch/formrunner/internal/config"
	"github.com/citywatch/formrunner/internal/store"
)

// StateStore is the durable, whole-record persistence the controller
// depends on. Reads always hit the store; the controller never trusts an
// in-memory copy across entry points.
type StateStore interface {
	LoadState() (*batch.State, error)
	SaveState(st *batch.State) error
}

// SurfaceManager is the work-surface lifecycle the controller drives.
// Open and Navigate are separate steps: the controller persists the surface
// handle between them, so a load event can never outrun its own record.
type SurfaceManager interface {
	Open(ctx context.Context) (string, error)
	Navigate(ctx context.Context, id, url string) error
	Close(ctx context.Context, id string) error
	ClearSiteData(ctx context.Context, host string) error
	Loads() <-chan browser.LoadEvent
}

// Controller owns the durable batch state and sequences item processing:
// session hygiene, surface lifecycle, fill dispatch, cursor advancement.
// Entry points arrive from the Run loop and from the CLI goroutine; a
// mutex runs each to completion, so there is one logical writer and no
// interleaved partial writes.
type Controller struct {
	store    StateStore
	surfaces SurfaceManager
	bus      *bus.Bus
	cfg      config.RunnerConfig
	logger   *zap.Logger
	rng      *rand.Rand
	mu       sync.Mutex

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// completed closes when the batch finishes naturally.
	completed    chan struct{}
	completeOnce sync.Once
}

// New creates a batch controller.
func New(st StateStore, surfaces SurfaceManager, b *bus.Bus, cfg config.RunnerConfig, logger *zap.Logger) *Controller {
	return &Controller{
		store:     st,
		surfaces:  surfaces,
		bus:       b,
		cfg:       cfg,
		logger:    logger.Named("controller"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
		completed: make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completed closes when the batch finishes naturally.
func (c *Controller) Completed() <-chan struct{} {
	return c.completed
}

// loadState re-reads the durable record, substituting a zero state when
// nothing has ever been persisted.
func (c *Controller) loadState() (*batch.State, error) {
	st, err := c.store.LoadState()
	if errors.Is(err, store.ErrNotFound) {
		return &batch.State{}, nil
	}
	return st, err
}

// StartBatch replaces any existing batch state and begins processing.
// The queue must be non-empty; callers validate their inputs before this.
func (c *Controller) StartBatch(ctx context.Context, items []batch.WorkItem, settings batch.Settings) error {
	if len(items) == 0 {
		return fmt.Errorf("cannot start a batch with an empty queue")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Starting batch.", zap.Int("items", len(items)))
	st := &batch.State{
		Running:  true,
		Queue:    items,
		Settings: settings,
	}
	if err := c.store.SaveState(st); err != nil {
		return err
	}
	return c.processNext(ctx)
}

// StopBatch halts processing without closing an open surface. Idempotent.
func (c *Controller) StopBatch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if !st.Running && st.CurrentSurfaceID == "" {
		c.logger.Info("Batch is already stopped.")
		return nil
	}
	c.logger.Info("Stopping batch.",
		zap.Int("current_index", st.CurrentIndex),
		zap.Int("total", len(st.Queue)))
	st.Running = false
	st.CurrentSurfaceID = ""
	return c.store.SaveState(st)
}

// OnItemSucceeded advances the cursor and continues. Success signals that
// arrive after a stop are stale and dropped.
func (c *Controller) OnItemSucceeded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if !st.Running {
		c.logger.Debug("Stale success signal dropped; batch is not running.")
		return nil
	}

	st.CurrentIndex++
	if err := c.store.SaveState(st); err != nil {
		return err
	}
	c.logger.Info("Item succeeded.",
		zap.Int("completed", st.CurrentIndex),
		zap.Int("total", len(st.Queue)))
	return c.processNext(ctx)
}

// processNext resets session hygiene and opens a fresh surface for the item
// under the cursor, or finishes the batch when the cursor has walked off the
// queue. Every persisted write lands before the action it describes.
// Callers hold c.mu.
func (c *Controller) processNext(ctx context.Context) error {
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if !st.Running {
		c.logger.Debug("Batch not running; nothing to process.")
		return nil
	}

	if st.Done() {
		c.logger.Info("Batch complete.", zap.Int("items", len(st.Queue)))
		st.Running = false
		if err := c.store.SaveState(st); err != nil {
			return err
		}
		// Best-effort completion notice toward the last surface; the
		// surface may be long gone and that is fine.
		if err := c.bus.SendCommand(ctx, bus.BatchComplete{}); err != nil {
			c.logger.Debug("Could not deliver completion notice.", zap.Error(err))
		}
		c.completeOnce.Do(func() { close(c.completed) })
		return nil
	}

	item := st.Current()
	c.logger.Info("Processing item.",
		zap.Int("index", st.CurrentIndex+1),
		zap.Int("total", len(st.Queue)),
		zap.String("name", item.Primary.Name))

	// Fresh session per item. Hygiene failures never block progress.
	if err := c.surfaces.ClearSiteData(ctx, c.cfg.SiteHost); err != nil {
		c.logger.Warn("Session hygiene clearing failed; continuing.", zap.Error(err))
	}

	if st.CurrentSurfaceID != "" {
		if err := c.surfaces.Close(ctx, st.CurrentSurfaceID); err != nil {
			c.logger.Warn("Previous surface close failed; continuing.", zap.Error(err))
		}
		st.CurrentSurfaceID = ""
		if err := c.store.SaveState(st); err != nil {
			return err
		}
	}

	// Randomized pause so surface opens do not form a fixed-interval
	// request pattern.
	delay := c.openDelay()
	c.logger.Debug("Waiting before opening a fresh surface.", zap.Duration("delay", delay))
	if err := c.sleep(ctx, delay); err != nil {
		return err
	}

	id, err := c.surfaces.Open(ctx)
	if err != nil {
		return fmt.Errorf("could not open work surface: %w", err)
	}
	st.CurrentSurfaceID = id
	if err := c.store.SaveState(st); err != nil {
		return err
	}

	// The handle is durable before navigation starts, so the first load
	// event on this surface always matches the persisted record.
	if err := c.surfaces.Navigate(ctx, id, c.cfg.TargetURL); err != nil {
		return fmt.Errorf("could not navigate work surface %s: %w", id, err)
	}
	return nil
}

// openDelay samples the randomized inter-surface delay from
// [MinOpenDelay, MaxOpenDelay).
func (c *Controller) openDelay() time.Duration {
	span := c.cfg.MaxOpenDelay - c.cfg.MinOpenDelay
	return c.cfg.MinOpenDelay + time.Duration(c.rng.Int63n(int64(span)))
}

// HandleLoad reacts to a surface finishing a page load: when it is the
// current surface on the target site and the batch is running, schedule the
// fill dispatch after a settle delay so the page becomes interactive.
func (c *Controller) HandleLoad(ctx context.Context, ev browser.LoadEvent) error {
	if !strings.Contains(ev.URL, c.cfg.SiteHost) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if !st.Running || st.CurrentSurfaceID != ev.SurfaceID {
		return nil
	}

	if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
		return err
	}

	// Re-derive state after the settle delay; a stop may have landed.
	st, err = c.loadState()
	if err != nil {
		return err
	}
	if !st.Running || st.Done() || st.CurrentSurfaceID != ev.SurfaceID {
		return nil
	}

	cmd := bus.FillPage{
		SurfaceID:  ev.SurfaceID,
		Generation: ev.Generation,
		Item:       st.Current(),
		Settings:   st.Settings,
	}
	c.logger.Info("Dispatching fill command.",
		zap.String("surface_id", ev.SurfaceID),
		zap.Int64("generation", ev.Generation))

	if err := c.bus.SendCommand(ctx, cmd); err != nil {
		// One retry after a fixed delay; the executor may still be
		// attaching. Beyond that, give up silently.
		c.logger.Warn("Fill dispatch failed; retrying once.", zap.Error(err))
		if err := c.sleep(ctx, time.Second); err != nil {
			return err
		}
		if err := c.bus.SendCommand(ctx, cmd); err != nil {
			c.logger.Warn("Fill dispatch retry failed; giving up.", zap.Error(err))
		}
	}
	return nil
}

// Resume inspects the durable state on process start. A running batch is
// deliberately not resumed by force-navigating; duplicate submissions are
// worse than a stall, so progress relies on inbound events.
func (c *Controller) Resume(ctx context.Context) (*batch.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.loadState()
	if err != nil {
		return nil, err
	}
	if st.Running {
		c.logger.Info("Persisted batch is marked running.",
			zap.Int("current_index", st.CurrentIndex),
			zap.Int("total", len(st.Queue)))
	}
	return st, nil
}

// ContinueCurrent force-reopens a work surface for the current item of a
// persisted running batch. Only for explicit operator opt-in: if the
// previous process died after submission but before the success signal,
// continuation re-submits the item.
func (c *Controller) ContinueCurrent(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if !st.Running {
		return errors.New("no running batch to continue")
	}
	c.logger.Info("Continuing persisted batch.",
		zap.Int("current_index", st.CurrentIndex),
		zap.Int("total", len(st.Queue)))
	return c.processNext(ctx)
}

// Run consumes executor events and surface load events until the context
// ends. Entry points invoked here share the controller mutex with the CLI
// goroutine's StartBatch and ContinueCurrent calls.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.bus.Events():
			switch ev.(type) {
			case bus.ItemSucceeded:
				if err := c.OnItemSucceeded(ctx); err != nil {
					c.logger.Error("Could not advance batch.", zap.Error(err))
				}
			case bus.FillWaiting:
				c.logger.Info("Form filled; waiting on external verification.")
			case bus.KeepAlive:
				c.logger.Debug("Keep-alive received.")
			}
		case le := <-c.surfaces.Loads():
			if err := c.HandleLoad(ctx, le); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("Load handling failed.", zap.Error(err))
			}
		}
	}
}
