package main

import (
	"github.com/spf13/cobra"

	"github.com/angeloszaimis/media-orchestrator/config"
)

type rootOptions struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

// NewRootCmd creates the mediaorch command with every subcommand registered.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "mediaorch",
		Short:         "Tool-call orchestrator for home media services",
		Long:          "mediaorch routes tool calls to SABnzbd, Sonarr, Radarr, Plex and friends behind per-upstream circuit breakers, retries and a shared concurrency limit.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)

	return root
}

func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	o.cfg = cfg
	return nil
}
