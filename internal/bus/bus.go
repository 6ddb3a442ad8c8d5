// File: internal/bus/bus.go
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/citywatch/formrunner/internal/batch"
)

// ErrDetached is returned when a command is sent while no executor is
// attached, the Go analogue of messaging a page that no longer exists.
var ErrDetached = errors.New("bus: no executor attached")

// Command messages flow from the controller toward the executor.
// The set is closed; new variants require a new type here.
type Command interface{ isCommand() }

// FillPage instructs the executor to classify and fill the page currently
// rendered on the given surface.
type FillPage struct {
	SurfaceID string
	// Generation identifies the page load the command was issued for. The
	// executor resets its stage guards whenever the generation changes.
	Generation int64
	Item       batch.WorkItem
	Settings   batch.Settings
}

// BatchComplete tells the executor's surface that the whole queue finished.
// Delivery is best-effort.
type BatchComplete struct{}

func (FillPage) isCommand()      {}
func (BatchComplete) isCommand() {}

// Event messages flow from the executor toward the controller.
type Event interface{ isEvent() }

// ItemSucceeded reports that the terminal success marker was detected for
// the current item.
type ItemSucceeded struct{}

// FillWaiting reports that the final stage was filled and the executor is
// now waiting on external verification.
type FillWaiting struct{}

// KeepAlive is a periodic liveness probe emitted while the executor idles on
// external verification.
type KeepAlive struct{}

func (ItemSucceeded) isEvent() {}
func (FillWaiting) isEvent()   {}
func (KeepAlive) isEvent()     {}

// Bus is the asynchronous channel joining the two execution contexts. The
// two sides share no memory; everything crosses as a message.
type Bus struct {
	mu       sync.Mutex
	attached bool
	commands chan Command
	events   chan Event
}

// New creates a bus with small buffers on both directions. Buffering absorbs
// scheduling jitter; it is not a queue with delivery guarantees.
func New() *Bus {
	return &Bus{
		commands: make(chan Command, 4),
		events:   make(chan Event, 16),
	}
}

// Attach registers the executor side and returns its command stream.
func (b *Bus) Attach() <-chan Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = true
	return b.commands
}

// Detach marks the executor side gone. Subsequent sends fail with
// ErrDetached until a new Attach.
func (b *Bus) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = false
}

// SendCommand delivers a command to the executor. It fails immediately with
// ErrDetached when no executor is attached, and with the context error when
// the command cannot be handed off before ctx expires.
func (b *Bus) SendCommand(ctx context.Context, cmd Command) error {
	b.mu.Lock()
	attached := b.attached
	b.mu.Unlock()
	if !attached {
		return ErrDetached
	}

	select {
	case b.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit delivers an event to the controller.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the controller-side event stream.
func (b *Bus) Events() <-chan Event {
	return b.events
}
