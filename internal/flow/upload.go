// File: internal/flow/upload.go
package flow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/batch"
	"github.com/citywatch/formrunner/internal/browser"
)

const (
	selAttachmentAdd  = "#attachments-addbutton"
	selModalFileInput = `input[type="file"][name="file"]`
	selAttachmentRow  = `tr[data-entity="n311_serviceactivity"]`

	modalScope       = ".modal-footer"
	modalConfirmText = "Add Attachment"
)

// uploadAttachment runs the shared upload primitive: open the attachment
// modal, hand the payload to its file input, wait for the confirmation
// control to become ready, confirm, and wait for the new attachment row.
func (e *Executor) uploadAttachment(ctx context.Context, page Page, att batch.Attachment, name string) error {
	if err := page.Click(ctx, selAttachmentAdd); err != nil {
		return err
	}
	// Modal animation.
	if err := sleep(ctx, 500*time.Millisecond); err != nil {
		return err
	}
	if err := page.WaitElement(ctx, selModalFileInput, 10*time.Second); err != nil {
		return err
	}

	path, cleanup, err := materializeNamed(att, name)
	if err != nil {
		return err
	}
	// The staged copy must outlive the confirmation; the browser reads the
	// file when the modal submits.
	defer cleanup()
	if err := page.Upload(ctx, selModalFileInput, path); err != nil {
		return err
	}

	// The confirmation control enables only once the form has accepted the
	// file. Poll for it; a stuck control is an explicit failure, not a
	// silent skip.
	err = browser.Await(ctx, 15*time.Second, 500*time.Millisecond, func(pctx context.Context) (bool, error) {
		return page.ButtonReadyByText(pctx, modalScope, modalConfirmText)
	})
	if err != nil {
		return fmt.Errorf("attachment confirmation control never became ready for %q: %w", name, err)
	}
	if err := page.ClickButtonByText(ctx, modalScope, modalConfirmText); err != nil {
		return err
	}

	if err := page.WaitElement(ctx, selAttachmentRow, 20*time.Second); err != nil {
		return fmt.Errorf("attachment row for %q never appeared: %w", name, err)
	}
	e.logger.Info("Attachment uploaded.", zap.String("name", name))
	return nil
}

// materializeNamed gives the payload the filename the form should see. The
// upload hands a disk path over CDP, so a differing name means staging a
// copy under that name. The returned cleanup removes the staging dir and is
// a no-op when the original path is used directly.
func materializeNamed(att batch.Attachment, name string) (string, func(), error) {
	if name == "" || name == filepath.Base(att.Path) {
		return att.Path, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "formrunner-upload-")
	if err != nil {
		return "", nil, fmt.Errorf("could not stage upload for %q: %w", name, err)
	}
	cleanup := func() { os.RemoveAll(dir) }
	dst := filepath.Join(dir, name)

	src, err := os.Open(att.Path)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("could not open payload %q: %w", att.Path, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("could not stage payload as %q: %w", name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("could not copy payload to %q: %w", dst, err)
	}
	return dst, cleanup, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
