// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citywatch/formrunner/internal/batch"
	"github.com/citywatch/formrunner/internal/browser"
	"github.com/citywatch/formrunner/internal/bus"
	"github.com/citywatch/formrunner/internal/controller"
	"github.com/citywatch/formrunner/internal/flow"
	"github.com/citywatch/formrunner/internal/humanoid"
	"github.com/citywatch/formrunner/internal/observability"
	"github.com/citywatch/formrunner/internal/picker"
	"github.com/citywatch/formrunner/internal/store"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var (
		secondaryPaths []string
		resume         bool
		pickerMode     string
	)

	runCmd := &cobra.Command{
		Use:   "run [primary attachments...]",
		Short: "Starts a submission batch, one queue item per primary attachment",
		Long: `Starts a submission batch. Each primary attachment becomes one queue item;
secondary attachments given with --secondary are matched to primaries by
capture time. With --resume and no arguments, the persisted batch is
continued from its current item instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			if len(args) == 0 && !resume {
				return errors.New("no primary attachments given; pass file paths to start a batch, or --resume to continue a persisted one")
			}
			if len(args) > 0 && resume {
				return errors.New("--resume cannot be combined with new attachments; run `formrunner stop` first")
			}

			if pickerMode != "" {
				cfg.Runner.Picker = pickerMode
			}

			st, err := store.Open(cfg.Store.DataDir, logger)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Warn("Error closing state store", zap.Error(err))
				}
			}()

			settings, err := resolveSettings(st)
			if err != nil {
				return err
			}

			var items []batch.WorkItem
			if !resume {
				items, err = batch.BuildQueue(args, secondaryPaths)
				if err != nil {
					return fmt.Errorf("failed to build work queue: %w", err)
				}
				logger.Info("Work queue built",
					zap.Int("items", len(items)),
					zap.Int("secondary_pool", len(secondaryPaths)))
			}

			mgr := browser.NewManager(cfg.Browser, logger)
			defer mgr.Shutdown()

			b := bus.New()
			typist := humanoid.NewTypist(logger)
			exec := flow.NewExecutor(b, typist, buildPicker(cfg.Runner.Picker, logger), func(surfaceID string) (flow.Page, bool) {
				s, ok := mgr.Surface(surfaceID)
				if !ok {
					return nil, false
				}
				return s, true
			}, logger)
			ctrl := controller.New(st, mgr, b, cfg.Runner, logger)

			if resume {
				persisted, err := ctrl.Resume(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to load persisted batch: %w", err)
				}
				if !persisted.Running {
					return errors.New("persisted batch is not running; nothing to resume")
				}
				logger.Warn("Resuming persisted batch; if the previous run died after a submission its current item may be submitted again.",
					zap.Int("current_index", persisted.CurrentIndex),
					zap.Int("total", len(persisted.Queue)))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error { return ctrl.Run(gctx) })
			g.Go(func() error { return exec.Run(gctx) })
			g.Go(func() error {
				if resume {
					return ctrl.ContinueCurrent(gctx)
				}
				return ctrl.StartBatch(gctx, items, settings)
			})

			select {
			case <-ctrl.Completed():
				logger.Info("Batch complete.")
			case <-gctx.Done():
				logger.Info("Shutting down.")
			}
			cancel()

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	runCmd.Flags().StringSliceVarP(&secondaryPaths, "secondary", "s", nil, "Secondary attachment pool; repeatable or comma-separated file paths.")
	runCmd.Flags().BoolVar(&resume, "resume", false, "Continue the persisted batch from its current item.")
	runCmd.Flags().StringVar(&pickerMode, "picker", "", "Candidate selection mode: prompt, first, or skip. (Overrides config)")

	return runCmd
}

// resolveSettings merges the config file's settings section with the durable
// settings record. A config snapshot with an observation address is treated
// as authoritative and synced to the store; otherwise the stored record is
// used as-is.
func resolveSettings(st *store.Store) (batch.Settings, error) {
	s := cfg.Settings
	if s.ObservationAddress != "" {
		applyDescriptionDefault(&s)
		if err := s.Validate(); err != nil {
			return s, fmt.Errorf("invalid settings: %w", err)
		}
		if err := st.SaveSettings(&s); err != nil {
			return s, fmt.Errorf("failed to persist settings: %w", err)
		}
		return s, nil
	}

	stored, err := st.LoadSettings()
	if errors.Is(err, store.ErrNotFound) {
		return s, errors.New("no settings configured; add a settings section to config.yaml (observation_address is required)")
	}
	if err != nil {
		return s, fmt.Errorf("failed to load stored settings: %w", err)
	}
	if err := stored.Validate(); err != nil {
		return s, fmt.Errorf("stored settings are invalid: %w", err)
	}
	return *stored, nil
}

// applyDescriptionDefault fills an empty description with the shipped default
// and records whether the default is in effect.
func applyDescriptionDefault(s *batch.Settings) {
	if strings.TrimSpace(s.Description) == "" {
		s.Description = flow.DefaultDescription
		s.DefaultDescription = true
		return
	}
	s.DefaultDescription = strings.TrimSpace(s.Description) == strings.TrimSpace(flow.DefaultDescription)
}

func buildPicker(mode string, logger *zap.Logger) flow.Picker {
	switch mode {
	case "first":
		return picker.First{}
	case "skip":
		return picker.Skip{}
	default:
		return picker.NewTerminal(os.Stdin, os.Stdout, logger)
	}
}
