package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/terrain-export/internal/config"
	"github.com/JakeFAU/terrain-export/internal/server"
)

// runner is the part of the application serve needs; tests swap it out.
type runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (runner, error) {
	return server.Build(ctx, cfg)
}

type rootOptions struct {
	configPath string
}

// load reads configuration from the --config file, .env and TERRAIN_* variables.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "terrainexport",
		Short: "Admission-controlled terrain model exports.",
		Long: `terrainexport serves the /export endpoint: it checks each request against the
cell ceiling, prepares a workspace, hands admitted jobs to a tile generator and
streams progress back to the browser.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newServeCmd(opts), newEstimateCmd(opts))
	return cmd
}
