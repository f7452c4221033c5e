package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh"
	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/router"
)

func newCapacityCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "capacity <project>",
		Short: "Show slot usage of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := g.mesh(ctx, cmd)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			c, err := m.Engine.Capacity(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
}

func newArtifactsCommand(g *globalFlags) *cobra.Command {
	var (
		types []string
		stage int
	)
	cmd := &cobra.Command{
		Use:   "artifacts <execution-id>",
		Short: "List the stored artifacts of an execution",
		Long:  "Lists artifacts from the configured storage. With --stage only the indexed output of that stage is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := g.mesh(ctx, cmd)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			if stage >= 0 {
				out, ok := m.Engine.StageOutput(args[0], stage)
				if !ok {
					return fmt.Errorf("no output for stage %d of %s", stage, args[0])
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}

			var filter []artifact.Type
			for _, t := range types {
				typ, err := artifact.ParseType(t)
				if err != nil {
					return err
				}
				filter = append(filter, typ)
			}
			return printJSON(cmd.OutOrStdout(), m.Engine.ListArtifacts(args[0], filter...))
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "only these artifact types")
	cmd.Flags().IntVar(&stage, "stage", -1, "print the output of one stage")
	return cmd
}

func newRecoverCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Release slots orphaned by a crashed process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := g.mesh(ctx, cmd, func(o *taskmesh.Options) { o.SkipRecover = true })
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			released, err := m.Engine.Recover(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "released "+strconv.Itoa(released)+" slot(s)")
			return err
		},
	}
}

func newRouteCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "route <request>",
		Short: "Show which agent workflow a request routes to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			r := router.New(cfg.Profiles()...)
			match, ok := r.Route(args[0])
			if !ok {
				return router.ErrNoMatch
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"agent":      match.Agent.ID,
				"codename":   match.Agent.Codename,
				"workflow":   match.Workflow.ID,
				"confidence": match.Confidence,
				"reasons":    match.Reasons,
			})
		},
	}
}
