// File: internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/config"
)

// LoadEvent fires whenever a managed surface finishes loading a page.
type LoadEvent struct {
	SurfaceID string
	// Generation increments per load on the same surface; a fresh load means
	// fresh stage guards downstream.
	Generation int64
	URL        string
}

// Manager owns the browser process and the work surfaces (tabs) opened in
// it. Initialization is deferred until the first surface is requested.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc

	mu       sync.Mutex
	surfaces map[string]*Surface
	loads    chan LoadEvent

	initOnce sync.Once
	initErr  error
}

// NewManager creates a browser manager. The browser itself launches lazily.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser"),
		surfaces: make(map[string]*Surface),
		loads:    make(chan LoadEvent, 16),
	}
}

// initialize launches Chrome and connects the root CDP context.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.Flag("headless", m.cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if m.cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
		}
		for _, arg := range m.cfg.Args {
			if name, ok := strings.CutPrefix(arg, "--"); ok {
				opts = append(opts, chromedp.Flag(name, true))
			}
		}

		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		m.rootCtx, m.rootCancel = chromedp.NewContext(m.allocCtx)

		// Starting the root target launches the browser process.
		if err := chromedp.Run(m.rootCtx); err != nil {
			m.initErr = fmt.Errorf("failed to launch browser: %w", err)
			m.rootCancel()
			m.allocCancel()
			return
		}
		m.logger.Info("Browser launched.", zap.Bool("headless", m.cfg.Headless))
	})
	return m.initErr
}

// Open creates a fresh work surface (tab) and returns its handle without
// navigating anywhere. Navigation is a separate step so callers can record
// the handle durably before the first load event can possibly fire.
func (m *Manager) Open(ctx context.Context) (string, error) {
	if err := m.initialize(ctx); err != nil {
		return "", err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.rootCtx)
	s := &Surface{
		id:     uuid.New().String(),
		ctx:    tabCtx,
		cancel: tabCancel,
	}
	s.logger = m.logger.With(zap.String("surface_id", s.id))

	// Report every completed load on this surface. The location query runs
	// in its own goroutine; ListenTarget callbacks must not block.
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if _, ok := ev.(*page.EventLoadEventFired); !ok {
			return
		}
		gen := s.nextGeneration()
		go m.reportLoad(s, gen)
	})

	m.mu.Lock()
	m.surfaces[s.id] = s
	m.mu.Unlock()

	m.logger.Info("Work surface opened.", zap.String("surface_id", s.id))
	return s.id, nil
}

// Navigate points an open surface at the given address. The tab target is
// created on the first action, so this is also what launches the page.
func (m *Manager) Navigate(ctx context.Context, id, url string) error {
	s, ok := m.Surface(id)
	if !ok {
		return fmt.Errorf("no work surface %q", id)
	}

	navCtx, cancel := context.WithTimeout(s.ctx, m.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate surface %s to %s: %w", id, url, err)
	}
	s.logger.Info("Surface navigated.", zap.String("url", url))
	return nil
}

func (m *Manager) reportLoad(s *Surface, gen int64) {
	var loc string
	if err := chromedp.Run(s.ctx, chromedp.Location(&loc)); err != nil {
		// The surface may already be gone; a load event for a dead tab is
		// not worth surfacing.
		s.logger.Debug("Could not resolve location after load.", zap.Error(err))
		return
	}
	select {
	case m.loads <- LoadEvent{SurfaceID: s.id, Generation: gen, URL: loc}:
	case <-s.ctx.Done():
	}
}

// Surface returns the live surface for a handle.
func (m *Manager) Surface(id string) (*Surface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.surfaces[id]
	return s, ok
}

// Close tears down a surface. Closing an unknown or already-closed handle is
// success, not failure.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.surfaces[id]
	delete(m.surfaces, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	m.logger.Info("Work surface closed.", zap.String("surface_id", id))
	return nil
}

// Loads returns the surface load event stream.
func (m *Manager) Loads() <-chan LoadEvent {
	return m.loads
}

// ClearSiteData removes all cookies scoped to the target site, giving every
// queue item a fresh session.
func (m *Manager) ClearSiteData(ctx context.Context, host string) error {
	if err := m.initialize(ctx); err != nil {
		return err
	}

	return chromedp.Run(m.rootCtx, chromedp.ActionFunc(func(cctx context.Context) error {
		cookies, err := network.GetCookies().Do(cctx)
		if err != nil {
			return fmt.Errorf("failed to enumerate cookies: %w", err)
		}
		cleared := 0
		for _, c := range cookies {
			domain := strings.TrimPrefix(c.Domain, ".")
			if domain != host && !strings.HasSuffix(host, "."+domain) && !strings.HasSuffix(domain, "."+host) {
				continue
			}
			if err := network.DeleteCookies(c.Name).
				WithDomain(c.Domain).
				WithPath(c.Path).
				Do(cctx); err != nil {
				return fmt.Errorf("failed to delete cookie %q: %w", c.Name, err)
			}
			cleared++
		}
		m.logger.Debug("Session cookies cleared.", zap.String("host", host), zap.Int("count", cleared))
		return nil
	}))
}

// Shutdown closes every surface and the browser process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for id, s := range m.surfaces {
		s.cancel()
		delete(m.surfaces, id)
	}
	m.mu.Unlock()

	if m.rootCancel != nil {
		m.rootCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
}
