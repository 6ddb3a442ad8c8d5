// File: cmd/status.go
package cmd

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/citywatch/formrunner/internal/observability"
	"github.com/citywatch/formrunner/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// batchStatus is the JSON shape printed by `status`.
type batchStatus struct {
	Running      bool        `json:"running"`
	Total        int         `json:"total"`
	CurrentIndex int         `json:"current_index"`
	Remaining    int         `json:"remaining"`
	Version      int64       `json:"version"`
	CurrentItem  *itemStatus `json:"current_item,omitempty"`
}

type itemStatus struct {
	ID         string    `json:"id"`
	Primary    string    `json:"primary"`
	CapturedAt time.Time `json:"captured_at"`
	Candidates int       `json:"candidates"`
}

// newStatusCmd creates the `status` command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the persisted batch state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			st, err := store.Open(cfg.Store.DataDir, logger)
			if err != nil {
				return fmt.Errorf("failed to open state store (is a batch still running?): %w", err)
			}
			defer st.Close()

			state, err := st.LoadState()
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), `{"running":false,"total":0}`)
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load batch state: %w", err)
			}

			status := batchStatus{
				Running:      state.Running,
				Total:        len(state.Queue),
				CurrentIndex: state.CurrentIndex,
				Remaining:    len(state.Queue) - state.CurrentIndex,
				Version:      state.Version,
			}
			if status.Remaining < 0 {
				status.Remaining = 0
			}
			if !state.Done() {
				item := state.Current()
				status.CurrentItem = &itemStatus{
					ID:         item.ID,
					Primary:    item.Primary.Path,
					CapturedAt: item.Primary.CapturedAt,
					Candidates: len(item.Candidates),
				}
			}

			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
