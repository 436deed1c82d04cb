package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loopline/internal/app"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/repo"
)

func execCmd() *cobra.Command {
	ex := &cobra.Command{
		Use:   "exec",
		Short: "Run loop executions",
		Long: `An execution walks a loop phase by phase. Skills are started and completed by you;
'll exec next' tells you what should happen next and 'll exec step' performs the engine's own part
(completing phases, approving gates the autonomy level allows, advancing).`,
	}
	ex.PersistentFlags().Int64("expected-version", 0, "fail with stale_state unless the execution is at this version")
	_ = viper.BindPFlag("expected-version", ex.PersistentFlags().Lookup("expected-version"))

	ex.AddCommand(execCreateCmd())
	ex.AddCommand(execGetCmd())
	ex.AddCommand(execListCmd())
	ex.AddCommand(execActionCmd("next", "Decide the next action (blocks or completes the execution when due)", engine.Engine.Next))
	ex.AddCommand(execActionCmd("step", "Perform the next engine-internal action", engine.Engine.Step))

	skill := func(use, short string, fn func(engine.Engine, context.Context, engine.Ref, string) (domain.Execution, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <execution-id> <skill-id>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Execution, error) {
					return fn(e, ctx, ref(args[0]), args[1])
				})
			},
		}
	}
	ex.AddCommand(skill("start", "Start a pending skill", engine.Engine.StartSkill))
	ex.AddCommand(skill("complete", "Complete a skill", engine.Engine.CompleteSkill))
	ex.AddCommand(withReason(skill("skip", "Skip a skill", nil), func(ctx context.Context, e engine.Engine, args []string, reason string) (domain.Execution, error) {
		return e.SkipSkill(ctx, ref(args[0]), args[1], reason)
	}))
	ex.AddCommand(withReason(skill("fail-skill", "Fail a skill and the execution", nil), func(ctx context.Context, e engine.Engine, args []string, reason string) (domain.Execution, error) {
		return e.FailSkill(ctx, ref(args[0]), args[1], reason)
	}))

	single := func(use, short string, fn func(engine.Engine, context.Context, engine.Ref) (domain.Execution, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <execution-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Execution, error) {
					return fn(e, ctx, ref(args[0]))
				})
			},
		}
	}
	ex.AddCommand(single("complete-phase", "Complete the current phase", engine.Engine.CompletePhase))
	ex.AddCommand(single("advance", "Advance to the next phase", engine.Engine.AdvancePhase))
	ex.AddCommand(single("archive", "Archive a terminal execution", engine.Engine.Archive))
	ex.AddCommand(withReason(single("skip-phase", "Skip the current optional phase", nil), func(ctx context.Context, e engine.Engine, args []string, reason string) (domain.Execution, error) {
		return e.SkipPhase(ctx, ref(args[0]), reason)
	}))
	ex.AddCommand(withReason(single("fail", "Abandon an execution", nil), func(ctx context.Context, e engine.Engine, args []string, reason string) (domain.Execution, error) {
		return e.FailExecution(ctx, ref(args[0]), reason)
	}))
	ex.AddCommand(execApproveCmd())
	ex.AddCommand(execRejectCmd())
	return ex
}

// withReason replaces cmd's action with one that passes --reason to fn.
func withReason(cmd *cobra.Command, fn func(context.Context, engine.Engine, []string, string) (domain.Execution, error)) *cobra.Command {
	var reason string
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Execution, error) {
			return fn(ctx, e, args, reason)
		})
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why (required)")
	return cmd
}

func ref(executionID string) engine.Ref {
	return engine.Ref{
		ExecutionID:     executionID,
		ActorID:         viper.GetString("actor-id"),
		ExpectedVersion: viper.GetInt64("expected-version"),
	}
}

func runCommand(ctx context.Context, fn func(context.Context, engine.Engine) (domain.Execution, error)) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		exec, err := fn(ctx, a.Engine)
		if err != nil {
			return err
		}
		return printExecution(exec)
	})
}

func execCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var mode, autonomy string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start an execution of a published loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Mode = domain.Mode(mode)
			opts.Autonomy = domain.Autonomy(autonomy)
			opts.ActorID = viper.GetString("actor-id")
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Execution, error) {
				return e.Create(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.LoopID, "loop", "", "loop id (required)")
	cmd.Flags().StringVar(&opts.Project, "project", "", "project (required)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "execution id (default generated)")
	cmd.Flags().StringVar(&mode, "mode", "", "greenfield|brownfield (default from loop)")
	cmd.Flags().StringVar(&autonomy, "autonomy", "", "supervised|autonomous (default from loop)")
	return cmd
}

func execGetCmd() *cobra.Command {
	var withLogs bool
	cmd := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				exec, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !withLogs && !viper.GetBool("json") {
					exec.Logs = nil
				}
				return printExecution(exec)
			})
		},
	}
	cmd.Flags().BoolVar(&withLogs, "logs", false, "include the log")
	return cmd
}

func execListCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Loop", "Project", "Autonomy", "Phase", "Status", "Version", "Updated"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, fmt.Sprintf("%s@%s", e.LoopID, e.LoopVersion), e.Project, e.Autonomy, e.CurrentPhase, e.Status, e.Version, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project filter")
	cmd.Flags().StringVar(&f.LoopID, "loop", "", "loop filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active|blocked|completed|failed)")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived executions")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func execActionCmd(use, short string, fn func(engine.Engine, context.Context, engine.Ref) (engine.Action, domain.Execution, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <execution-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				action, exec, err := fn(a.Engine, ctx, ref(args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"action": action, "execution": exec})
				}
				fmt.Println(describeAction(action))
				fmt.Printf("execution %s is %s (version %d)\n", exec.ID, exec.Status, exec.Version)
				return nil
			})
		},
	}
}

func execApproveCmd() *cobra.Command {
	var deliverables []string
	var feedback string
	cmd := &cobra.Command{
		Use:   "approve <execution-id> <gate-id>",
		Short: "Approve a pending gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			supplied := map[string]string{}
			for _, d := range deliverables {
				name, value, ok := strings.Cut(d, "=")
				if !ok || name == "" {
					return fmt.Errorf("--deliverable must be name=reference (got %q)", d)
				}
				supplied[name] = value
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Execution, error) {
				return e.ApproveGate(ctx, ref(args[0]), args[1], supplied, feedback)
			})
		},
	}
	cmd.Flags().StringArrayVar(&deliverables, "deliverable", nil, "deliverable as name=reference (repeatable)")
	cmd.Flags().StringVar(&feedback, "feedback", "", "approval feedback")
	return cmd
}

func execRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <execution-id> <gate-id>",
		Short: "Reject a pending gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Execution, error) {
				return e.RejectGate(ctx, ref(args[0]), args[1], feedback)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "why the gate is rejected")
	return cmd
}
