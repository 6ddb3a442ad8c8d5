// File: cmd/settings.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/citywatch/formrunner/internal/observability"
	"github.com/citywatch/formrunner/internal/store"
)

// newSettingsCmd creates the `settings` command group.
func newSettingsCmd() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect or sync the durable submission settings",
	}

	settingsCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Prints the stored settings snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			st, err := store.Open(cfg.Store.DataDir, logger)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer st.Close()

			settings, err := st.LoadSettings()
			if errors.Is(err, store.ErrNotFound) {
				return errors.New("no settings stored yet; run `formrunner settings sync` with a settings section in config.yaml")
			}
			if err != nil {
				return fmt.Errorf("failed to load settings: %w", err)
			}

			out, err := json.MarshalIndent(settings, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})

	settingsCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Validates the config file's settings section and stores it",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			s := cfg.Settings
			if s.ObservationAddress == "" {
				return errors.New("config has no settings.observation_address; nothing to sync")
			}
			applyDescriptionDefault(&s)
			if err := s.Validate(); err != nil {
				return fmt.Errorf("invalid settings: %w", err)
			}

			st, err := store.Open(cfg.Store.DataDir, logger)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer st.Close()

			if err := st.SaveSettings(&s); err != nil {
				return fmt.Errorf("failed to persist settings: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Settings stored.")
			return nil
		},
	})

	return settingsCmd
}
