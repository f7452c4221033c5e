// Command taskmesh runs agent executions from a YAML configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh"
	"github.com/hupe1980/taskmesh/config"
	"github.com/hupe1980/taskmesh/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "taskmesh",
		Short:         "Agent task execution orchestrator",
		Long:          "taskmesh routes tasks to agents, admits them against project capacity and drives them to completion.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("TASKMESH_CONFIG"), "path to the YAML configuration")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCommand(g),
		newCapacityCommand(g),
		newArtifactsCommand(g),
		newRecoverCommand(g),
		newRouteCommand(g),
	)
	return root
}

func (g *globalFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (g *globalFlags) mesh(ctx context.Context, cmd *cobra.Command, optFns ...func(o *taskmesh.Options)) (*taskmesh.Mesh, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	lc.Output = cmd.ErrOrStderr()
	logger, err := logging.NewLogger(lc)
	if err != nil {
		return nil, err
	}
	return taskmesh.New(ctx, cfg, append([]func(o *taskmesh.Options){func(o *taskmesh.Options) { o.Logger = logger }}, optFns...)...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
