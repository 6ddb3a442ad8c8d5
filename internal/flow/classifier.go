// File: internal/flow/classifier.go
package flow

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Stage identifies which known form page is currently rendered.
type Stage int

const (
	StageUnknown Stage = iota
	// StageDetails is the attachments + incident detail page.
	StageDetails
	// StageLocation is the location-type and address page.
	StageLocation
	// StageContact is the contact information page.
	StageContact
	// StageStart is the article page carrying the entry link.
	StageStart
)

func (s Stage) String() string {
	switch s {
	case StageDetails:
		return "details"
	case StageLocation:
		return "location"
	case StageContact:
		return "contact"
	case StageStart:
		return "start"
	default:
		return "unknown"
	}
}

// Stage-unique markers. Classification is structural (presence of a
// stage-unique control), not address-based: the form is a single-page-style
// flow whose address does not change between stages.
const (
	selFileInput        = `input[type="file"]`
	selLocationType     = `#n311_locationtypeid_select`
	selContactFirstName = `#n311_contactfirstname`
	selReportLink       = `a.contentaction`

	startLinkText = "report a truck"
)

// Terminal success markers.
const (
	successTextPrimary   = "Your complaint has been received by the New York City Police Department"
	successTextSecondary = "Service Request Submitted"
	successURLFragment   = "submitted"
)

// Classify inspects a rendered-page snapshot and returns which known stage
// it is, or StageUnknown. Probes run in fixed priority order; each targets a
// distinct stage-unique element, so the first match wins.
func Classify(html string) (Stage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return StageUnknown, fmt.Errorf("could not parse page snapshot: %w", err)
	}

	if doc.Find(selFileInput).Length() > 0 {
		return StageDetails, nil
	}
	if doc.Find(selLocationType).Length() > 0 {
		return StageLocation, nil
	}
	if doc.Find(selContactFirstName).Length() > 0 {
		return StageContact, nil
	}

	start := false
	doc.Find(selReportLink).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(sel.Text()), startLinkText) {
			start = true
			return false
		}
		return true
	})
	if start {
		return StageStart, nil
	}
	return StageUnknown, nil
}

// SuccessInText reports whether the rendered text carries a terminal success
// marker.
func SuccessInText(text string) bool {
	return strings.Contains(text, successTextPrimary) ||
		strings.Contains(text, successTextSecondary)
}

// SuccessInAddress reports whether the page address signals submission.
func SuccessInAddress(url string) bool {
	return strings.Contains(url, successURLFragment)
}
