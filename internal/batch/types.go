// File: internal/batch/types.go
package batch

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Attachment is a file payload ready for upload: an absolute path on disk,
// the name presented to the form, and the capture timestamp derived from the
// file's last-modified time.
type Attachment struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	CapturedAt time.Time `json:"captured_at"`
}

// WorkItem is one queue entry: the primary attachment plus the ordered set
// of secondary-attachment candidates selected at batch-build time.
// Immutable once a batch starts.
type WorkItem struct {
	ID      string     `json:"id"`
	Primary Attachment `json:"primary"`

	// Candidates are pre-filtered to the capture window and ordered by
	// ascending capture time.
	Candidates []Attachment `json:"candidates,omitempty"`

	// Fallback carries a single pre-selected secondary attachment for items
	// built without a candidate set. Compatibility branch; the candidate set
	// is the primary contract.
	Fallback *Attachment `json:"fallback,omitempty"`
}

// Settings is the snapshot of user configuration required to complete the
// form's final stage. Copied at batch start and read-only for the batch's
// duration.
type Settings struct {
	FirstName string `json:"first_name" mapstructure:"first_name"`
	LastName  string `json:"last_name" mapstructure:"last_name"`
	Email     string `json:"email" mapstructure:"email" validate:"omitempty,email"`
	Phone     string `json:"phone" mapstructure:"phone"`

	// ObservationAddress is typed into the location picker.
	ObservationAddress string `json:"observation_address" mapstructure:"observation_address" validate:"required"`

	AddressLine1 string `json:"address_line1" mapstructure:"address_line1"`
	City         string `json:"city" mapstructure:"city"`
	State        string `json:"state" mapstructure:"state"`
	Zip          string `json:"zip" mapstructure:"zip"`

	// Description is the complaint body; DefaultDescription records whether
	// the user left the shipped default untouched.
	Description        string `json:"description" mapstructure:"description"`
	DefaultDescription bool   `json:"default_description" mapstructure:"default_description"`
}

var validate = validator.New()

// Validate checks the settings snapshot before a batch is allowed to start.
func (s Settings) Validate() error {
	return validate.Struct(s)
}

// State is the durable batch record. There is exactly one; the controller is
// the only writer, and it is always read and written as a whole-record
// snapshot.
type State struct {
	// Version increments on every persisted mutation.
	Version int64 `json:"version"`

	Running      bool       `json:"running"`
	Queue        []WorkItem `json:"queue"`
	CurrentIndex int        `json:"current_index"`

	// CurrentSurfaceID identifies the live work surface processing
	// Queue[CurrentIndex], or "" when none is open.
	CurrentSurfaceID string `json:"current_surface_id"`

	Settings Settings `json:"settings"`
}

// Done reports whether the cursor has walked off the end of the queue.
func (s *State) Done() bool {
	return s.CurrentIndex >= len(s.Queue)
}

// Current returns the work item under the cursor.
func (s *State) Current() WorkItem {
	return s.Queue[s.CurrentIndex]
}
