package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/dossier/internal/config"
)

func configCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect research configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load research.yaml and sources.yaml and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(g.configDir)
			if err != nil {
				return fmt.Errorf("invalid configuration in %s: %w", g.configDir, err)
			}
			r := settings.Research
			fmt.Fprintf(cmd.OutOrStdout(),
				"ok: saturation_mode=%t coverage_mode=%t default_max_queries=%d max_hypotheses=%d sources=%d\n",
				r.SaturationMode, r.CoverageMode, r.Saturation.DefaultMaxQueries,
				r.Coverage.MaxHypothesesToExecute, len(settings.Sources.Sources))
			return nil
		},
	})
	return cmd
}
