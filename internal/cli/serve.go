package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spindleworks/spindle/internal/config"
	"github.com/spindleworks/spindle/internal/metrics"
	"github.com/spindleworks/spindle/pkg/dispatch"
	"github.com/spindleworks/spindle/pkg/registry"
	"github.com/spindleworks/spindle/pkg/schedule"
)

var (
	serveMetricsAddr string
	serveJobStore    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host until interrupted",
	Long: `Serve keeps every configured worker registered, runs the
schedules from the config file, and exposes Prometheus metrics. It exits
on SIGINT or SIGTERM after shutting the workers down gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mx := metrics.New()

		cfg, lg, reg, err := setup(ctx, registry.WithObserver(mx))
		if err != nil {
			return err
		}
		defer lg.Close()
		defer reg.Close()
		zl := lg.Zerolog()

		disp := dispatch.New(reg, zl,
			dispatch.WithDefaultTimeout(cfg.Worker.CallTimeout),
			dispatch.WithObserver(mx),
		)

		sched, err := schedule.NewScheduler(disp, zl,
			schedule.WithStorePath(serveJobStore),
			schedule.WithCallTimeout(cfg.Worker.CallTimeout),
		)
		if err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				zl.Error().Err(err).Msg("scheduler shutdown failed")
			}
		}()

		for i, sc := range cfg.Schedules {
			if _, err := sched.Add(schedule.AddParams{
				Tool:    sc.Tool,
				Args:    sc.Args,
				Spec:    specFromConfig(sc),
				Enabled: true,
			}); err != nil {
				return fmt.Errorf("schedules[%d] (%s): %w", i, sc.Tool, err)
			}
		}

		addr := serveMetricsAddr
		if addr == "" {
			addr = cfg.MetricsAddr
		}
		var srv *http.Server
		if addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", mx.Handler())
			srv = &http.Server{Addr: addr, Handler: mux}
			go func() {
				zl.Info().Str("addr", addr).Msg("metrics endpoint listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zl.Error().Err(err).Msg("metrics endpoint failed")
				}
			}()
		}

		zl.Info().Int("tools", len(cfg.Tools)).Int("schedules", len(cfg.Schedules)).Msg("host running")
		<-ctx.Done()
		zl.Info().Msg("signal received, shutting down")

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zl.Warn().Err(err).Msg("metrics endpoint shutdown failed")
			}
		}
		return nil
	},
}

// specFromConfig maps a config schedule onto a spec; Validate already
// guaranteed exactly one kind is set.
func specFromConfig(sc config.ScheduleConfig) schedule.Spec {
	switch {
	case sc.Every > 0:
		return schedule.Spec{Kind: schedule.KindEvery, Every: sc.Every}
	case sc.At != "":
		return schedule.Spec{Kind: schedule.KindAt, At: sc.At}
	default:
		return schedule.Spec{Kind: schedule.KindCron, Expr: sc.Cron, TZ: sc.TZ}
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Prometheus listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveJobStore, "job-store", "", "path for persisting scheduled jobs")
	rootCmd.AddCommand(serveCmd)
}
