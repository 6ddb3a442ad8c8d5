// File: internal/humanoid/typist.go
package humanoid

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Input is the minimal field-editing surface the typist needs. The browser
// package implements it against a live page; tests implement it in memory.
type Input interface {
	ClearField(ctx context.Context, selector string) error
	AppendToField(ctx context.Context, selector, chunk string) error
	FieldValue(ctx context.Context, selector string) (string, error)
	CommitField(ctx context.Context, selector string) error
}

// Typist simulates incremental human typing with value verification and
// bounded retry. Per-keystroke edit events defeat naive bot-detection
// heuristics and keep framework-bound state in sync.
type Typist struct {
	logger *zap.Logger
	rng    *rand.Rand

	// Inter-keystroke delay is KeyDelayMin plus up to KeyDelayJitter.
	KeyDelayMin    time.Duration
	KeyDelayJitter time.Duration
	// RetryDelay runs before each verification retry.
	RetryDelay time.Duration
	// Retries is the number of additional attempts after the initial one.
	Retries int
}

// NewTypist creates a typist with the standard human pacing.
func NewTypist(logger *zap.Logger) *Typist {
	return &Typist{
		logger:         logger.Named("typist"),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		KeyDelayMin:    50 * time.Millisecond,
		KeyDelayJitter: 50 * time.Millisecond,
		RetryDelay:     500 * time.Millisecond,
		Retries:        3,
	}
}

// TypeSlowly clears the field, types text one rune at a time with randomized
// inter-keystroke delays, then verifies the resulting value. On mismatch it
// waits and retries; exhausting all attempts is an explicit error naming the
// expected text. On match it dispatches the final commit event.
func (t *Typist) TypeSlowly(ctx context.Context, input Input, selector, text string) error {
	for attempt := 0; ; attempt++ {
		if err := t.typeOnce(ctx, input, selector, text); err != nil {
			return err
		}

		value, err := input.FieldValue(ctx, selector)
		if err != nil {
			return fmt.Errorf("could not verify typed value on %q: %w", selector, err)
		}
		if value == text {
			return input.CommitField(ctx, selector)
		}

		if attempt >= t.Retries {
			return fmt.Errorf("failed to type text correctly after %d attempts: %q", attempt+1, text)
		}
		t.logger.Warn("Typed value mismatch; retrying.",
			zap.String("selector", selector),
			zap.String("expected", text),
			zap.String("got", value),
			zap.Int("attempt", attempt+1))
		if err := t.pause(ctx, t.RetryDelay); err != nil {
			return err
		}
	}
}

func (t *Typist) typeOnce(ctx context.Context, input Input, selector, text string) error {
	if err := input.ClearField(ctx, selector); err != nil {
		return fmt.Errorf("could not clear %q: %w", selector, err)
	}
	for _, r := range text {
		if err := input.AppendToField(ctx, selector, string(r)); err != nil {
			return fmt.Errorf("keystroke on %q failed: %w", selector, err)
		}
		if err := t.pause(ctx, t.keyDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Typist) keyDelay() time.Duration {
	if t.KeyDelayJitter <= 0 {
		return t.KeyDelayMin
	}
	return t.KeyDelayMin + time.Duration(t.rng.Int63n(int64(t.KeyDelayJitter)))
}

func (t *Typist) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
