// File: internal/flow/fill.go
package flow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/bus"
)

// Remaining page controls, by stage.
const (
	selNextButton = "#NextButton"

	selDateDisplay  = "#n311_datetimeobserved_datepicker_description"
	selDateHidden   = "#n311_datetimeobserved"
	selRadio        = `input[type="radio"]`
	selFrequency    = `textarea[id*="describethedaysandtimestheproblemhappens"]`
	selDescription  = `textarea[aria-label="Describe the Problem"], textarea[name*="description"]`
	recurrenceReply = "Yes"

	selAddressOpen     = "#SelectAddressWhere"
	selAddressInput    = "#address-search-box-input"
	selFirstSuggestion = "#suggestion-list-0 .ui-menu-item-wrapper"
	selAddressConfirm  = "#SelectAddressMap"
	locationTypeLabel  = "Street/Sidewalk"

	selContactLastName = "#n311_contactlastname"
	selContactEmail    = "#n311_contactemail"
	selContactPhone    = "#n311_contactphone"
	selAddressLine1    = "#n311_portalcustomeraddressline1"
	selAddressCity     = "#n311_portalcustomeraddresscity"
	selStateCustom     = "#custom_n311_portalcustomeraddressstate"
	selStateNative     = "#n311_portalcustomeraddressstate"
	selAddressZip      = "#n311_portalcustomeraddresszip"

	// fallbackSecondaryName is the fixed name for the legacy single-image
	// secondary upload path.
	fallbackSecondaryName = "traffic-cam.jpg"
)

// fillStart locates the entry link by text and clicks it once.
func (e *Executor) fillStart(ctx context.Context, page Page) error {
	clicked, err := page.ClickByText(ctx, selReportLink, startLinkText)
	if err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("entry link %q not found", startLinkText)
	}
	e.logger.Info("Entry link clicked.")
	return nil
}

// fillDetails drives the attachments + incident detail stage.
func (e *Executor) fillDetails(ctx context.Context, page Page, cmd bus.FillPage) error {
	item := cmd.Item

	if err := page.WaitElement(ctx, selAttachmentAdd, 15*time.Second); err != nil {
		return err
	}
	if err := e.uploadAttachment(ctx, page, item.Primary, item.Primary.Name); err != nil {
		return err
	}

	// Secondary attachment: candidate selection blocks until the picker
	// decides. The legacy single-image path bypasses selection entirely.
	chosen := item.Fallback
	if len(item.Candidates) > 0 {
		var err error
		chosen, err = e.picker.Pick(ctx, item)
		if err != nil {
			return fmt.Errorf("candidate selection failed: %w", err)
		}
		if chosen != nil {
			if err := e.uploadAttachment(ctx, page, *chosen, chosen.Name); err != nil {
				return err
			}
		}
	} else if item.Fallback != nil {
		if err := e.uploadAttachment(ctx, page, *item.Fallback, fallbackSecondaryName); err != nil {
			return err
		}
		// The fallback image is pre-selected, not a windowed match; it does
		// not feed the generated narrative.
		chosen = nil
	}

	observed := item.Primary.CapturedAt
	if err := page.WaitElement(ctx, selDateDisplay, 15*time.Second); err != nil {
		return err
	}
	if err := page.AddClass(ctx, selDateDisplay, "dirty"); err != nil {
		return err
	}
	if err := page.SetValue(ctx, selDateDisplay, DisplayTimestamp(observed)); err != nil {
		return err
	}
	if err := page.SetValue(ctx, selDateHidden, HiddenTimestamp(observed)); err != nil {
		return err
	}

	if err := page.WaitElement(ctx, selRadio, 10*time.Second); err != nil {
		return err
	}
	if err := page.CheckRadioByLabel(ctx, recurrenceReply); err != nil {
		return err
	}

	if err := page.WaitElement(ctx, selFrequency, 10*time.Second); err != nil {
		return err
	}
	if err := page.SetValue(ctx, selFrequency, frequencyText); err != nil {
		return err
	}

	if err := page.WaitElement(ctx, selDescription, 10*time.Second); err != nil {
		return err
	}
	desc := ComposeDescription(observed, cmd.Settings, item.Primary, chosen)
	if err := page.SetValue(ctx, selDescription, desc); err != nil {
		return err
	}

	return e.clickNext(ctx, page)
}

// fillLocation drives the location stage.
func (e *Executor) fillLocation(ctx context.Context, page Page, cmd bus.FillPage) error {
	if err := page.WaitElement(ctx, selLocationType, 15*time.Second); err != nil {
		return err
	}
	if err := page.SelectByLabel(ctx, selLocationType, locationTypeLabel); err != nil {
		return err
	}

	if err := page.WaitElement(ctx, selAddressOpen, 15*time.Second); err != nil {
		return err
	}
	if err := page.Click(ctx, selAddressOpen); err != nil {
		return err
	}
	if err := page.WaitElement(ctx, selAddressInput, 15*time.Second); err != nil {
		return err
	}

	if err := e.typist.TypeSlowly(ctx, page, selAddressInput, cmd.Settings.ObservationAddress); err != nil {
		return err
	}

	if err := page.WaitElement(ctx, selFirstSuggestion, 15*time.Second); err != nil {
		return err
	}
	if err := page.Click(ctx, selFirstSuggestion); err != nil {
		return err
	}

	if err := page.WaitElement(ctx, selAddressConfirm, 10*time.Second); err != nil {
		return err
	}
	if err := page.Click(ctx, selAddressConfirm); err != nil {
		return err
	}

	// The picker widget needs a beat before the next control responds.
	if err := sleep(ctx, time.Second); err != nil {
		return err
	}
	return e.clickNext(ctx, page)
}

// fillContact drives the contact stage, then hands off to the completion
// poller for the external verification wait.
func (e *Executor) fillContact(ctx context.Context, page Page, cmd bus.FillPage) error {
	if err := page.WaitElement(ctx, selContactFirstName, 15*time.Second); err != nil {
		return err
	}

	s := cmd.Settings
	fields := []struct {
		selector string
		value    string
	}{
		{selContactFirstName, s.FirstName},
		{selContactLastName, s.LastName},
		{selContactEmail, s.Email},
		{selContactPhone, s.Phone},
		{selAddressLine1, s.AddressLine1},
		{selAddressCity, s.City},
		{selAddressZip, s.Zip},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := page.SetValue(ctx, f.selector, f.value); err != nil {
			return err
		}
	}

	// The state field may render as a custom control backed by a hidden
	// native one; set both.
	if s.State != "" {
		exists, err := page.Exists(ctx, selStateCustom)
		if err != nil {
			return err
		}
		if exists {
			if err := page.SetValue(ctx, selStateCustom, s.State); err != nil {
				return err
			}
		}
		if err := page.SetValue(ctx, selStateNative, s.State); err != nil {
			return err
		}
	}

	if err := e.clickNext(ctx, page); err != nil {
		return err
	}

	if err := e.bus.Emit(ctx, bus.FillWaiting{}); err != nil {
		e.logger.Warn("Could not report fill-waiting.", zap.Error(err))
	}
	e.startPoller(page, cmd.Generation)
	return nil
}

func (e *Executor) clickNext(ctx context.Context, page Page) error {
	if err := page.WaitElement(ctx, selNextButton, 10*time.Second); err != nil {
		return fmt.Errorf("next button not found: %w", err)
	}
	return page.Click(ctx, selNextButton)
}
