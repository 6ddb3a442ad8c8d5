// File: internal/browser/surface.go
package browser

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Surface is a live work surface: one tab, one page lifecycle at a time.
// All operations re-derive state from the rendered page; nothing about the
// page is cached between calls.
type Surface struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	loadGen atomic.Int64
}

// ID returns the surface handle.
func (s *Surface) ID() string {
	return s.id
}

func (s *Surface) nextGeneration() int64 {
	return s.loadGen.Add(1)
}

// run executes chromedp actions against this surface, honoring both the
// surface lifetime and the caller's context.
func (s *Surface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// combineContext derives a context cancelled when either input is done.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// HTML returns an outer-HTML snapshot of the rendered document.
func (s *Surface) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to snapshot page HTML: %w", err)
	}
	return html, nil
}

// BodyText returns the page's rendered text content.
func (s *Surface) BodyText(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return text, nil
}

// Location returns the surface's current address.
func (s *Surface) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read page location: %w", err)
	}
	return loc, nil
}

// Exists reports whether a selector currently matches an element.
func (s *Surface) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	script := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)
	if err := s.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return false, fmt.Errorf("existence probe for %q failed: %w", selector, err)
	}
	return found, nil
}

// WaitElement blocks until the selector matches, bounded by timeout.
func (s *Surface) WaitElement(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.run(waitCtx, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("timeout waiting for %q: %w", selector, err)
	}
	return nil
}

// Click dispatches a real mouse click on the first match.
func (s *Surface) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click on %q failed: %w", selector, err)
	}
	return nil
}

// ClickByText clicks the first element matching selector whose text contains
// the given phrase (case-insensitive). Returns false when nothing matched.
func (s *Surface) ClickByText(ctx context.Context, selector, text string) (bool, error) {
	var clicked bool
	script := fmt.Sprintf(`(() => {
		const els = Array.from(document.querySelectorAll(%q));
		const el = els.find(e => e.textContent.toLowerCase().includes(%q.toLowerCase()));
		if (!el) return false;
		el.click();
		return true;
	})()`, selector, text)
	if err := s.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return false, fmt.Errorf("text click on %q failed: %w", selector, err)
	}
	return clicked, nil
}

// SetValue assigns a field's value and dispatches input and change events,
// which the form's framework needs to update bound state.
func (s *Surface) SetValue(ctx context.Context, selector, value string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.value = %q;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, selector, value)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("setting value on %q failed: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("no element matches %q", selector)
	}
	return nil
}

// AddClass adds a CSS class to the first match.
func (s *Surface) AddClass(ctx context.Context, selector, class string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.classList.add(%q);
		return true;
	})()`, selector, class)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("adding class to %q failed: %w", selector, err)
	}
	return nil
}

// SelectByLabel picks a <select> option by its display label. Option values
// are opaque on this form; the label is the only stable key.
func (s *Surface) SelectByLabel(ctx context.Context, selector, label string) error {
	script := fmt.Sprintf(`(() => {
		const sel = document.querySelector(%q);
		if (!sel) return false;
		for (const opt of sel.options) {
			if (opt.text === %q) {
				sel.value = opt.value;
				sel.dispatchEvent(new Event('change', { bubbles: true }));
				return true;
			}
		}
		return false;
	})()`, selector, label)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("selecting %q in %q failed: %w", label, selector, err)
	}
	if !ok {
		return fmt.Errorf("no option labeled %q in %q", label, selector)
	}
	return nil
}

// CheckRadioByLabel clicks the radio input carrying the given aria-label.
func (s *Surface) CheckRadioByLabel(ctx context.Context, label string) error {
	script := fmt.Sprintf(`(() => {
		for (const r of document.querySelectorAll('input[type="radio"]')) {
			if (r.getAttribute('aria-label') === %q) { r.click(); return true; }
		}
		return false;
	})()`, label)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("checking radio %q failed: %w", label, err)
	}
	if !ok {
		return fmt.Errorf("no radio labeled %q", label)
	}
	return nil
}

// Upload assigns a file to a file input and dispatches the edit events.
func (s *Surface) Upload(ctx context.Context, selector, path string) error {
	if err := s.run(ctx,
		chromedp.SetUploadFiles(selector, []string{path}, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("assigning upload file to %q failed: %w", selector, err)
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, selector)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("dispatching upload events on %q failed: %w", selector, err)
	}
	return nil
}

// ButtonReadyByText reports whether a button within scope whose text
// contains the phrase exists and is enabled.
func (s *Surface) ButtonReadyByText(ctx context.Context, scope, text string) (bool, error) {
	var ready bool
	script := fmt.Sprintf(`(() => {
		const btns = Array.from(document.querySelectorAll(%q + ' button'));
		const b = btns.find(b => b.textContent.includes(%q));
		return !!b && !b.disabled;
	})()`, scope, text)
	if err := s.run(ctx, chromedp.Evaluate(script, &ready)); err != nil {
		return false, fmt.Errorf("button probe in %q failed: %w", scope, err)
	}
	return ready, nil
}

// ClickButtonByText clicks the button within scope whose text contains the
// phrase.
func (s *Surface) ClickButtonByText(ctx context.Context, scope, text string) error {
	var clicked bool
	script := fmt.Sprintf(`(() => {
		const btns = Array.from(document.querySelectorAll(%q + ' button'));
		const b = btns.find(b => b.textContent.includes(%q));
		if (!b) return false;
		b.click();
		return true;
	})()`, scope, text)
	if err := s.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return fmt.Errorf("button click in %q failed: %w", scope, err)
	}
	if !clicked {
		return fmt.Errorf("no button containing %q in %q", text, scope)
	}
	return nil
}

// --- Typed-input primitives (humanoid.Input) ---

// ClearField empties a field, dispatching the edit events some frameworks
// need even for a clear.
func (s *Surface) ClearField(ctx context.Context, selector string) error {
	return s.SetValue(ctx, selector, "")
}

// AppendToField appends a chunk to a field's value and dispatches an input
// event, one keystroke's worth at a time.
func (s *Surface) AppendToField(ctx context.Context, selector, chunk string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.value += %q;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		return true;
	})()`, selector, chunk)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("appending to %q failed: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("no element matches %q", selector)
	}
	return nil
}

// FieldValue reads a field's current value.
func (s *Surface) FieldValue(ctx context.Context, selector string) (string, error) {
	var value string
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return el ? el.value : null;
	})()`, selector)
	if err := s.run(ctx, chromedp.Evaluate(script, &value)); err != nil {
		return "", fmt.Errorf("reading value of %q failed: %w", selector, err)
	}
	return value, nil
}

// CommitField dispatches the final change event after a verified type-in.
func (s *Surface) CommitField(ctx context.Context, selector string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, selector)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("committing %q failed: %w", selector, err)
	}
	return nil
}
