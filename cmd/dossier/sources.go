package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/sources"
)

func sourcesCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List registered sources and their classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(g.configDir)
			if err != nil {
				return err
			}
			registry, closeSources := sources.NewDefaultRegistry(credentialsFromEnv(), settings.Sources, nil, nil)
			defer closeSources()
			return printSources(cmd, registry, settings.Sources)
		},
	}
}

func printSources(cmd *cobra.Command, registry *sources.Registry, cfg config.SourcesConfig) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENABLED\tCRITICAL\tRETRY\tCOOLDOWN\tMAX QUERIES")
	for _, id := range registry.IDs() {
		s := cfg.Get(string(id))
		class := s.Class()
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%t\t%ds\t%d\n",
			id, registry.DisplayName(id), s.IsEnabled(), class.Critical,
			class.RetryWithinSession, class.CooldownSeconds, s.MaxQueries)
	}
	return tw.Flush()
}
