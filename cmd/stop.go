// File: cmd/stop.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/citywatch/formrunner/internal/bus"
	"github.com/citywatch/formrunner/internal/controller"
	"github.com/citywatch/formrunner/internal/observability"
	"github.com/citywatch/formrunner/internal/store"
)

// newStopCmd creates the `stop` command. It clears the persisted running
// flag so a later `run` starts clean. Safe to invoke when no batch is
// running; fails if another formrunner process holds the store lock.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stops the persisted batch, keeping its queue and cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			st, err := store.Open(cfg.Store.DataDir, logger)
			if err != nil {
				return fmt.Errorf("failed to open state store (is a batch still running?): %w", err)
			}
			defer st.Close()

			// No surfaces to drive here; stopping only touches the store.
			ctrl := controller.New(st, nil, bus.New(), cfg.Runner, logger)
			if err := ctrl.StopBatch(cmd.Context()); err != nil {
				return fmt.Errorf("failed to persist stop: %w", err)
			}
			return nil
		},
	}
}
