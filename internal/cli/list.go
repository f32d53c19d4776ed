package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spindleworks/spindle/pkg/toolspec"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the registered tool catalogue",
	Long: `List registers every tool from the config file and prints the
catalogue the way a model client would see it: names, descriptions, and
the full parameter schema tree.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, lg, reg, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer lg.Close()
		defer reg.Close()

		catalogue := reg.List()

		if listJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(catalogue)
		}

		if len(catalogue) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no tools configured")
			return nil
		}

		for _, desc := range catalogue {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", desc.Name, desc.Description)
			printParams(cmd, desc.Params, "  ")
		}
		return nil
	},
}

func printParams(cmd *cobra.Command, params []toolspec.ParameterSpec, indent string) {
	for _, p := range params {
		req := "optional"
		if p.Required {
			req = "required"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s%s (%s, %s)", indent, p.Name, p.Type, req)
		if p.Description != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s", p.Description)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		if len(p.Fields) > 0 {
			printParams(cmd, p.Fields, indent+"  ")
		}
		if p.Items != nil && len(p.Items.Fields) > 0 {
			printParams(cmd, p.Items.Fields, indent+"  ")
		}
	}
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print the catalogue as JSON")
	rootCmd.AddCommand(listCmd)
}
