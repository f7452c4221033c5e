package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/event"
	"github.com/hupe1980/taskmesh/router"
)

type runFlags struct {
	project    string
	agent      string
	workflow   string
	attempt    string
	weight     int
	maxResumes int
	watch      bool
	jsonOut    bool
}

func newRunCommand(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <input...>",
		Short: "Submit a task and follow it to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, g, f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&f.project, "project", "p", "default", "project id")
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "agent id or codename; empty routes on the input")
	cmd.Flags().StringVarP(&f.workflow, "workflow", "w", "", "workflow id of the selected agent")
	cmd.Flags().StringVar(&f.attempt, "attempt", "", "task attempt id (defaults to the execution id)")
	cmd.Flags().IntVar(&f.weight, "weight", 0, "resource weight of the slot")
	cmd.Flags().IntVar(&f.maxResumes, "max-resumes", 0, "resume a paused execution up to n times before aborting")
	cmd.Flags().BoolVar(&f.watch, "watch-config", false, "reload project limits when the config file changes")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print events as JSON lines")
	return cmd
}

func runTask(cmd *cobra.Command, g *globalFlags, f *runFlags, input string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := g.mesh(ctx, cmd)
	if err != nil {
		return err
	}
	defer m.Close(context.WithoutCancel(ctx))

	if f.watch && g.configPath != "" {
		go func() { _ = m.WatchConfig(ctx, g.configPath) }()
	}

	sub := m.Engine.Subscribe(event.Filter{ProjectID: f.project})
	defer sub.Close()

	id, err := m.Engine.Submit(ctx, engine.Request{
		Selector:       router.Selector{Agent: f.agent, WorkflowID: f.workflow},
		Input:          input,
		ProjectID:      f.project,
		TaskAttemptID:  f.attempt,
		ResourceWeight: f.weight,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	resumes := 0
	for {
		select {
		case <-ctx.Done():
			ack, err := m.Engine.Cancel(context.WithoutCancel(ctx), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "cancelled %s, released %d slot(s)\n", id, ack.SlotsReleased)
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.ExecutionID != id {
				continue
			}
			if f.jsonOut {
				if err := printJSON(out, ev); err != nil {
					return err
				}
			} else {
				printEvent(out, ev)
			}

			switch ev.Kind {
			case core.EventPaused:
				if resumes < f.maxResumes {
					resumes++
					if err := m.Engine.Resume(id); err != nil {
						return err
					}
					continue
				}
				if err := m.Engine.Abort(id, "resume budget exhausted"); err != nil {
					return err
				}
			case core.EventCompleted, core.EventFailed, core.EventCancelled:
				x, err := m.Engine.Wait(ctx, id)
				if err != nil {
					return err
				}
				if x.Status.Phase != engine.PhaseCompleted {
					return fmt.Errorf("execution %s %s", id, x.Status)
				}
				if !f.jsonOut {
					fmt.Fprintln(out, x.Output)
				}
				return nil
			}
		}
	}
}

func printEvent(w io.Writer, ev core.Event) {
	line := fmt.Sprintf("%s %-18s", ev.Timestamp.Format("15:04:05"), ev.Kind)
	if ev.StageIndex != nil {
		line += fmt.Sprintf(" stage=%d:%s", *ev.StageIndex, ev.StageName)
	}
	if ev.Iteration > 0 {
		line += fmt.Sprintf(" iteration=%d", ev.Iteration)
	}
	if ev.Status != "" {
		line += " status=" + ev.Status
	}
	if ev.ArtifactType != "" {
		line += " artifact=" + ev.ArtifactType
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	fmt.Fprintln(w, line)
}
