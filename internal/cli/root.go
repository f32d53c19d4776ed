package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spindleworks/spindle/internal/config"
	"github.com/spindleworks/spindle/internal/logger"
	"github.com/spindleworks/spindle/pkg/registry"
	"github.com/spindleworks/spindle/pkg/worker"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "spindle",
	Short: "Spindle - isolated tool workers for model orchestration",
	Long: `Spindle runs each registered tool in its own worker process and
exposes the tool catalogue and a call surface to an orchestrating
language model. Workers are spawned from the binaries listed in the
config file; a crashed worker is replaced on the next call.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./spindle.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// setup loads config and builds a registry with every configured tool
// registered. The caller owns the returned registry and must Close it.
func setup(ctx context.Context, extra ...registry.Option) (*config.Config, *logger.Logger, *registry.Registry, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, nil, nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []registry.Option{
		registry.WithWorkerConfig(worker.Config{
			StartupTimeout: cfg.Worker.StartupTimeout,
			GracePeriod:    cfg.Worker.GracePeriod,
			MaxFrameSize:   cfg.Worker.MaxFrameSize,
		}),
	}
	if cfg.Watch {
		watcher, err := worker.NewBinaryWatcher(lg.Zerolog(), 0)
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, registry.WithBinaryWatcher(watcher))
	}
	opts = append(opts, extra...)

	reg := registry.New(lg.Zerolog(), opts...)

	for _, tool := range cfg.Tools {
		launcher := worker.Launcher{Path: tool.Command, Args: tool.Args, Env: tool.Env}
		if _, err := reg.RegisterCommand(ctx, tool.Name, launcher); err != nil {
			reg.Close()
			return nil, nil, nil, fmt.Errorf("register %q: %w", tool.Name, err)
		}
		if tool.Eager {
			entry, err := reg.Resolve(tool.Name)
			if err == nil {
				if err := entry.Supervisor.Start(ctx); err != nil {
					zl := lg.Zerolog()
					zl.Warn().Err(err).Str("tool", tool.Name).Msg("eager start failed")
				}
			}
		}
	}

	return cfg, lg, reg, nil
}
