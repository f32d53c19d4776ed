package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spindleworks/spindle/pkg/bridge"
	"github.com/spindleworks/spindle/pkg/dispatch"
)

var (
	callArgs    string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Invoke a tool once and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, reg, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer lg.Close()
		defer reg.Close()

		var callArguments map[string]any
		if callArgs != "" {
			if err := json.Unmarshal([]byte(callArgs), &callArguments); err != nil {
				return fmt.Errorf("--args must be a JSON object: %w", err)
			}
		}

		timeout := callTimeout
		if timeout == 0 {
			timeout = cfg.Worker.CallTimeout
		}

		disp := dispatch.New(reg, lg.Zerolog(), dispatch.WithDefaultTimeout(timeout))
		adapter := bridge.New(reg, disp)

		res := adapter.Invoke(cmd.Context(), args[0], callArguments)
		fmt.Fprintln(cmd.OutOrStdout(), bridge.ResultText(res))

		if !res.Ok() {
			cmd.SilenceUsage = true
			return fmt.Errorf("call failed: %s", res.Failure.Kind)
		}
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callArgs, "args", "", "tool arguments as a JSON object")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "call deadline (default from config)")
	rootCmd.AddCommand(callCmd)
}
