// File: internal/picker/picker.go
package picker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/batch"
)

// Terminal prompts interactively for a secondary-attachment candidate,
// blocking the fill routine until the user picks one or skips.
type Terminal struct {
	in     *bufio.Reader
	out    io.Writer
	logger *zap.Logger
}

// NewTerminal creates an interactive picker reading from in (stdin in
// production) and writing the prompt to out.
func NewTerminal(in io.Reader, out io.Writer, logger *zap.Logger) *Terminal {
	return &Terminal{
		in:     bufio.NewReader(in),
		out:    out,
		logger: logger.Named("picker"),
	}
}

// Pick lists the candidates with capture times and minute gaps, then reads
// a selection. "s" (or an empty line) skips.
func (t *Terminal) Pick(ctx context.Context, item batch.WorkItem) (*batch.Attachment, error) {
	fmt.Fprintf(t.out, "\nSecondary candidates for %s (captured %s):\n",
		item.Primary.Name, item.Primary.CapturedAt.Format("2006-01-02 15:04:05"))
	for i, c := range item.Candidates {
		gap := batch.GapMinutes(item.Primary.CapturedAt, c.CapturedAt)
		fmt.Fprintf(t.out, "  [%d] %s (captured %s, %d min earlier)\n",
			i+1, c.Name, c.CapturedAt.Format("15:04:05"), gap)
	}
	fmt.Fprintf(t.out, "Select candidate number, or 's' to skip: ")

	// Blocks until a line arrives; the routine waits on a human.
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("could not read candidate selection: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.EqualFold(line, "s") {
		t.logger.Info("Candidate selection skipped.")
		return nil, nil
	}

	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(item.Candidates) {
		return nil, fmt.Errorf("invalid candidate selection %q", line)
	}
	chosen := item.Candidates[n-1]
	t.logger.Info("Candidate selected.", zap.String("name", chosen.Name))
	return &chosen, nil
}

// First always selects the earliest qualifying candidate. Used for
// unattended runs where no terminal is available.
type First struct{}

// Pick returns the first candidate, or nil when the item has none.
func (First) Pick(_ context.Context, item batch.WorkItem) (*batch.Attachment, error) {
	if len(item.Candidates) == 0 {
		return nil, nil
	}
	chosen := item.Candidates[0]
	return &chosen, nil
}

// Skip never selects a candidate.
type Skip struct{}

// Pick always skips.
func (Skip) Pick(context.Context, batch.WorkItem) (*batch.Attachment, error) {
	return nil, nil
}
