package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loopline/internal/app"
	"loopline/internal/compose"
	"loopline/internal/definitions"
	"loopline/internal/guarantee"
)

func skillCmd() *cobra.Command {
	sk := &cobra.Command{
		Use:   "skill",
		Short: "Inspect registered skills",
	}
	sk.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				skills := a.Catalog.Skills().List()
				if viper.GetBool("json") {
					return printJSON(skills)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Required", "Guarantees", "Source"})
				for _, s := range skills {
					ids := make([]string, 0, len(s.Guarantees))
					for _, g := range s.Guarantees {
						ids = append(ids, g.ID)
					}
					tw.AppendRow(table.Row{s.ID, s.Name, s.RequiredByDefault, strings.Join(ids, ", "), s.Source})
				}
				tw.Render()
				return nil
			})
		},
	})
	sk.AddCommand(&cobra.Command{
		Use:   "show <skill-id>",
		Short: "Show a skill with its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, ok := a.Catalog.Skill(args[0])
				if !ok {
					return fmt.Errorf("skill %s not found", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("%s  %s\nrequired by default: %v\nsource: %s\n", s.ID, s.Name, s.RequiredByDefault, s.Source)
				for _, g := range s.Guarantees {
					fmt.Printf("  guarantee %s (required=%v): %s\n", g.ID, g.Required, g.Statement)
				}
				if s.Content != "" {
					fmt.Println()
					fmt.Println(s.Content)
				}
				return nil
			})
		},
	})
	return sk
}

func loopCmd() *cobra.Command {
	lp := &cobra.Command{
		Use:   "loop",
		Short: "Inspect published loops",
		Long:  "A loop is published once it composes against the skill registry. Loops that fail are listed by 'll loop list --problems'.",
	}
	lp.AddCommand(loopListCmd())
	lp.AddCommand(loopShowCmd())
	lp.AddCommand(loopGuaranteesCmd())
	lp.AddCommand(loopValidateCmd())
	return lp
}

func loopListCmd() *cobra.Command {
	var problems bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if problems {
					items := a.Catalog.Problems()
					if viper.GetBool("json") {
						return printJSON(items)
					}
					tw := newTable()
					tw.AppendHeader(table.Row{"Kind", "ID", "Path", "Problem"})
					for _, p := range items {
						tw.AppendRow(table.Row{p.Kind, p.ID, p.Path, p.Message})
					}
					tw.Render()
					return nil
				}
				entries := a.Catalog.Loops()
				if viper.GetBool("json") {
					out := make([]any, 0, len(entries))
					for _, e := range entries {
						out = append(out, e.Loop)
					}
					return printJSON(out)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Version", "Revision", "Phases", "Skills", "Guarantees"})
				for _, e := range entries {
					g := "aggregation failed"
					if e.Guarantees != nil {
						g = fmt.Sprintf("%d required", e.Guarantees.RequiredCount())
					}
					tw.AppendRow(table.Row{e.Loop.ID, e.Loop.Version, e.Loop.Revision, e.Loop.PhaseCount, e.Loop.SkillCount, g})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&problems, "problems", false, "list definitions that failed to load or compose")
	return cmd
}

func loopShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <loop-id>",
		Short: "Show a loop's phases and gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, ok := a.Catalog.Loop(args[0])
				if !ok {
					return fmt.Errorf("loop %s is not published", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(e.Loop)
				}
				l := e.Loop
				fmt.Printf("%s %s (revision %d) mode=%s autonomy=%s\n", l.ID, l.Version, l.Revision, l.DefaultMode, l.DefaultAutonomy)
				tw := newTable()
				tw.AppendHeader(table.Row{"Phase", "Required", "Parallel", "Skill", "Skill required", "Gates after"})
				for _, p := range l.Phases {
					var gates []string
					for _, g := range l.GatesAfter(p.Name) {
						gates = append(gates, fmt.Sprintf("%s (%s)", g.ID, g.ApprovalType))
					}
					for i, ref := range p.Skills {
						name, req, par, gateCol := "", "", "", ""
						if i == 0 {
							name, req, par, gateCol = p.Name, fmt.Sprint(p.Required), fmt.Sprint(p.Parallel), strings.Join(gates, ", ")
						}
						tw.AppendRow(table.Row{name, req, par, ref.SkillID, p.EffectivelyRequired(ref), gateCol})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func loopGuaranteesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guarantees <loop-id>",
		Short: "Show the guarantee map of a loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, ok := a.Catalog.Loop(args[0])
				if !ok {
					return fmt.Errorf("loop %s is not published", args[0])
				}
				if e.Guarantees == nil {
					return fmt.Errorf("guarantee aggregation failed: %w", e.AggregationErr)
				}
				if viper.GetBool("json") {
					return printJSON(e.Guarantees)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Guarantee", "Required", "Statement", "Contributors"})
				for _, g := range e.Guarantees.Guarantees {
					var contrib []string
					for _, c := range g.Contributors {
						contrib = append(contrib, fmt.Sprintf("%s@%s", c.SkillID, c.Phase))
					}
					tw.AppendRow(table.Row{g.ID, g.Required, g.Statement, strings.Join(contrib, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// loopValidateCmd composes a loop file against the current registry without
// publishing it.
func loopValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <loop-file>",
		Short: "Check a loop file against the skill registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				def, err := definitions.ParseLoop(args[0], data)
				if err != nil {
					return err
				}
				snap := a.Catalog.Skills()
				loop, err := compose.Compose(def, snap, app.Defaults(a.Config), time.Now().UTC().Format(time.RFC3339))
				if err != nil {
					var verr *compose.ValidationError
					if errors.As(err, &verr) && viper.GetBool("json") {
						return printJSON(map[string]any{"ok": false, "problems": verr.Problems, "missing_skills": verr.MissingSkills})
					}
					return err
				}
				result := map[string]any{"ok": true, "loop": loop.ID, "phases": loop.PhaseCount, "skills": loop.SkillCount}
				if _, err := guarantee.Aggregate(loop, snap, app.Aggregation(a.Config)); err != nil {
					result["aggregation_error"] = err.Error()
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Printf("loop %s OK: %d phases, %d skills\n", loop.ID, loop.PhaseCount, loop.SkillCount)
				if msg, ok := result["aggregation_error"]; ok {
					fmt.Printf("warning: %s (autonomous mode unavailable)\n", msg)
				}
				return nil
			})
		},
	}
}
