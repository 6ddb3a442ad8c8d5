// File: internal/batch/queue.go
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CandidateWindow is how far before a primary capture a secondary capture
// may fall and still qualify as a candidate for the same item.
const CandidateWindow = 10 * time.Minute

// BuildQueue materializes the user-supplied files into an immutable work
// queue. Every primary file becomes one WorkItem carrying the secondary
// candidates whose capture time falls inside the window.
func BuildQueue(primaryPaths, secondaryPaths []string) ([]WorkItem, error) {
	if len(primaryPaths) == 0 {
		return nil, fmt.Errorf("at least one primary attachment is required")
	}

	secondaries := make([]Attachment, 0, len(secondaryPaths))
	for _, p := range secondaryPaths {
		att, err := materialize(p)
		if err != nil {
			return nil, err
		}
		secondaries = append(secondaries, att)
	}

	items := make([]WorkItem, 0, len(primaryPaths))
	for _, p := range primaryPaths {
		primary, err := materialize(p)
		if err != nil {
			return nil, err
		}
		items = append(items, WorkItem{
			ID:         uuid.New().String(),
			Primary:    primary,
			Candidates: FilterCandidates(primary.CapturedAt, secondaries),
		})
	}
	return items, nil
}

// FilterCandidates returns the secondaries captured at or before the primary
// capture time and no more than CandidateWindow earlier, ordered by
// ascending capture time.
func FilterCandidates(primaryCapture time.Time, secondaries []Attachment) []Attachment {
	var out []Attachment
	for _, s := range secondaries {
		diff := primaryCapture.Sub(s.CapturedAt)
		if diff >= 0 && diff <= CandidateWindow {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out
}

// GapMinutes is the whole-minute gap (ceiling) between a primary capture and
// an earlier secondary capture, used when composing the generated narrative.
func GapMinutes(primaryCapture, secondaryCapture time.Time) int {
	diff := primaryCapture.Sub(secondaryCapture)
	minutes := diff / time.Minute
	if diff%time.Minute > 0 {
		minutes++
	}
	return int(minutes)
}

// materialize stats a user-selected file and turns it into an Attachment.
// The last-modified time stands in for the capture timestamp.
func materialize(path string) (Attachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("could not resolve attachment path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Attachment{}, fmt.Errorf("could not stat attachment %q: %w", path, err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("attachment %q is a directory", path)
	}
	return Attachment{
		Path:       abs,
		Name:       filepath.Base(abs),
		CapturedAt: info.ModTime(),
	}, nil
}
