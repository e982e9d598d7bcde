package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalOptions struct {
	configDir string
	jsonLogs  bool
	verbose   bool
}

// logger builds the CLI logger: human-readable unless --json-logs.
func (g *globalOptions) logger() (*zap.Logger, error) {
	if g.jsonLogs {
		cfg := zap.NewProductionConfig()
		if g.verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		return cfg.Build()
	}
	cfg := zap.NewDevelopmentConfig()
	if !g.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func NewRoot() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "dossier",
		Short:         "Hypothesis-driven investigations over public records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "config", "Directory holding research.yaml and sources.yaml")
	root.PersistentFlags().BoolVar(&opts.jsonLogs, "json-logs", false, "Emit JSON logs")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		investigateCmd(opts),
		sourcesCmd(opts),
		configCmd(opts),
		tokenCmd(),
	)
	return root
}
