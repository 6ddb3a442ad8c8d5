// File: internal/flow/page.go
package flow

import (
	"context"
	"time"

	"github.com/citywatch/formrunner/internal/batch"
	"github.com/citywatch/formrunner/internal/humanoid"
)

// Page is the rendered-page surface the executor drives. *browser.Surface
// implements it against a live tab; tests implement it in memory.
type Page interface {
	humanoid.Input

	HTML(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)

	Exists(ctx context.Context, selector string) (bool, error)
	WaitElement(ctx context.Context, selector string, timeout time.Duration) error

	Click(ctx context.Context, selector string) error
	ClickByText(ctx context.Context, selector, text string) (bool, error)
	SetValue(ctx context.Context, selector, value string) error
	AddClass(ctx context.Context, selector, class string) error
	SelectByLabel(ctx context.Context, selector, label string) error
	CheckRadioByLabel(ctx context.Context, label string) error

	Upload(ctx context.Context, selector, path string) error
	ButtonReadyByText(ctx context.Context, scope, text string) (bool, error)
	ClickButtonByText(ctx context.Context, scope, text string) error
}

// Picker chooses a secondary-attachment candidate for an item, blocking the
// fill routine until a choice is made. A nil attachment means skip.
type Picker interface {
	Pick(ctx context.Context, item batch.WorkItem) (*batch.Attachment, error)
}

// SurfaceResolver maps a surface handle to its live page, reporting false
// when the surface no longer exists.
type SurfaceResolver func(surfaceID string) (Page, bool)
