package commands

import (
	"context"
	"errors"
	"log/slog"

	"reviewtrail/internal/harvest"

	"github.com/spf13/cobra"
)

var (
	runResume     bool
	runCategories []string
)

func init() {
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Continue the checkpointed run instead of starting a new one.")
	runCmd.Flags().StringSliceVar(&runCategories, "category", nil, "Only traverse the named categories.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [platform...] [--resume] [--category <name>]",
	Short: "Extracts the configured platforms, all of them when none is named.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, configPath, true)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		if runResume {
			err = a.engine.Resume()
			if err != nil {
				return err
			}
			slog.Info("resuming run", "run", a.engine.State().RunID)
		}

		var summaries []harvest.RunSummary
		if len(args) == 0 && len(runCategories) == 0 {
			summaries, err = a.engine.RunAll(ctx)
		} else {
			platforms := args
			if len(platforms) == 0 {
				platforms = a.engine.Platforms()
			}
			var errs []error
			for _, platform := range platforms {
				summary, err := a.engine.RunExtraction(ctx, platform, runCategories)
				summaries = append(summaries, summary)
				errs = append(errs, err)
				if ctx.Err() != nil {
					break
				}
			}
			err = errors.Join(errs...)
		}

		renderSummaries(summaries)
		return err
	},
}
