package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"reviewtrail/internal/components/chrono"
	"reviewtrail/internal/components/telemetry"

	"github.com/spf13/cobra"
)

var (
	serveSchedule string
	serveListen   string
)

func init() {
	serveCmd.Flags().StringVar(&serveSchedule, "schedule", "0 */6 * * *", "The cron schedule of extraction runs.")
	serveCmd.Flags().StringVar(&serveListen, "listen", "127.0.0.1:9464", "The address serving /metrics.")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--schedule <cron>] [--listen <addr>]",
	Short: "Runs extractions on a schedule and exposes metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, configPath, true)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		telemetry.InstrumentPerfStats(ctx, a.tel, 30*time.Second)

		mux := http.NewServeMux()
		mux.Handle("/metrics", a.prometheus.Handler())
		server := &http.Server{Addr: serveListen, Handler: mux}
		go func() {
			slog.Info("serving metrics", "addr", serveListen)
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "err", err)
			}
		}()

		cron := chrono.NewStandardCron(a.tel)
		err = cron.Cron(serveSchedule, func() {
			a.engine.NewRun()
			summaries, err := a.engine.RunAll(ctx)
			if err != nil {
				slog.Error("scheduled run finished with errors", "run", a.engine.State().RunID, "err", err)
			}
			renderSummaries(summaries)
		})
		if err != nil {
			return fmt.Errorf("schedule %q: %w", serveSchedule, err)
		}
		slog.Info("waiting for scheduled runs", "schedule", serveSchedule)

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		cron.Stop(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	},
}
