package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/bitflow/internal/automation"
)

// buildRulesCmd creates the "rules" command group.
func buildRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect automation rules files",
	}
	cmd.AddCommand(buildRulesCheckCmd())
	return cmd
}

// buildRulesCheckCmd validates a rules file without starting the worker.
func buildRulesCheckCmd() *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a rules file",
		Example: `  bitflow rules check --file rules.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := automation.NewRegistry(rulesFile, slog.Default())
			if err != nil {
				return fmt.Errorf("rules file invalid: %w", err)
			}
			rules := registry.Rules()
			enabled := 0
			for _, r := range rules {
				if r.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules (%d enabled)\n", rulesFile, len(rules), enabled)
			return nil
		},
	}

	cmd.Flags().StringVarP(&rulesFile, "file", "f", "rules.yaml", "Path to the rules YAML file")

	return cmd
}
