// File: internal/flow/format.go
package flow

import (
	"fmt"
	"time"

	"github.com/citywatch/formrunner/internal/batch"
)

// DefaultDescription is the complaint body shipped with the tool. The
// settings snapshot records whether the user left it untouched.
const DefaultDescription = "Truck observed using a non-truck route. The vehicle clearly has at least six tires and as such is unambiguously a truck rather than merely a commercial vehicle. It's also clearly a construction vehicle and as such is clearly not conducting business or making deliveries on Clinton Street. These complaints will not stop until the problem is solved. My energy and resources for submitting complaints are boundless.\n"

// frequencyText is the fixed answer for the days/times free-text field.
const frequencyText = "all day, every day, but especially weekday mornings"

// matchedNarrative is the generated body used when a qualifying secondary
// candidate was chosen; the %d is the whole-minute gap between captures.
const matchedNarrative = "Truck observed using a non-truck route. The same truck is visible on the Williamsburg Bridge just %d minutes earlier, demonstrating that it passed straight through Clinton Street without stopping for any local business, which is a traffic law violation since Clinton Street is not a designated truck route. I'm a chronic caller because the problem is chronic and 311 explicitly instructs me to submit a new complaint if I observe a new occurrence of the violation. The complaints will continue until the problem is solved."

// DisplayTimestamp renders the human-readable observed value, e.g.
// "6/5/2024 3:07 PM". No leading zeros on month, day, or hour.
func DisplayTimestamp(t time.Time) string {
	hour := t.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	ampm := "AM"
	if t.Hour() >= 12 {
		ampm = "PM"
	}
	return fmt.Sprintf("%d/%d/%d %d:%02d %s",
		int(t.Month()), t.Day(), t.Year(), hour, t.Minute(), ampm)
}

// HiddenTimestamp renders the machine value the form stores alongside the
// display value: UTC ISO-8601 with a fixed seven-digit fractional second.
func HiddenTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + ".0000000Z"
}

// ObservedSummary is the generated description prefix.
func ObservedSummary(t time.Time) string {
	return fmt.Sprintf("Observed on %s at approximately %s.\n",
		t.Format("January 2, 2006"), t.Format("3:04 PM"))
}

// ComposeDescription builds the full description field: the observed-on
// prefix plus either the user-supplied body or, when a qualifying secondary
// candidate was chosen, the generated narrative embedding the capture gap.
func ComposeDescription(observed time.Time, settings batch.Settings, primary batch.Attachment, chosen *batch.Attachment) string {
	body := settings.Description
	if body == "" {
		body = DefaultDescription
	}
	if chosen != nil {
		minutes := batch.GapMinutes(primary.CapturedAt, chosen.CapturedAt)
		body = fmt.Sprintf(matchedNarrative, minutes)
	}
	return ObservedSummary(observed) + body
}
