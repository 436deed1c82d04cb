package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"loopline/internal/domain"
	"loopline/internal/engine"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printExecution(exec domain.Execution) error {
	if viper.GetBool("json") {
		return printJSON(exec)
	}
	fmt.Printf("execution %s  loop %s@%s  project %s\n", exec.ID, exec.LoopID, exec.LoopVersion, exec.Project)
	status := string(exec.Status)
	if exec.StatusReason != "" {
		status += " (" + exec.StatusReason + ")"
	}
	fmt.Printf("status %s  autonomy %s  mode %s  phase %s  version %d\n", status, exec.Autonomy, exec.Mode, exec.CurrentPhase, exec.Version)
	if exec.ArchivedAt != nil {
		fmt.Printf("archived %s\n", *exec.ArchivedAt)
	}

	tw := newTable()
	tw.AppendHeader(table.Row{"Phase", "Phase status", "Skill", "Required", "Skill status", "Reason"})
	for _, p := range exec.Phases {
		if len(p.Skills) == 0 {
			tw.AppendRow(table.Row{p.Phase, p.Status, "", "", "", p.Reason})
			continue
		}
		for i, s := range p.Skills {
			name, st := "", ""
			if i == 0 {
				name, st = p.Phase, string(p.Status)
			}
			tw.AppendRow(table.Row{name, st, s.SkillID, s.Required, s.Status, s.Reason})
		}
	}
	tw.Render()

	if len(exec.Gates) > 0 {
		gw := newTable()
		gw.AppendHeader(table.Row{"Gate", "After", "Status", "By", "Deliverables", "Feedback"})
		for _, g := range exec.Gates {
			gw.AppendRow(table.Row{g.GateID, g.Phase, g.Status, g.ApprovedBy, formatDeliverables(g.Deliverables), g.Feedback})
		}
		gw.Render()
	}
	if len(exec.Logs) > 0 {
		printLogs(exec.Logs)
	}
	return nil
}

func printLogs(entries []domain.LogEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "Time", "Type", "Entity", "Actor", "Payload"})
	for _, l := range entries {
		payload, _ := json.Marshal(l.Payload)
		tw.AppendRow(table.Row{l.Seq, l.TS, l.Type, l.EntityKind + ":" + l.EntityID, l.ActorID, string(payload)})
	}
	tw.Render()
}

func formatDeliverables(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ", ")
}

func describeAction(a engine.Action) string {
	var b strings.Builder
	b.WriteString(string(a.Kind))
	switch {
	case a.SkillID != "":
		fmt.Fprintf(&b, " %s in %s", a.SkillID, a.Phase)
	case a.GateID != "":
		fmt.Fprintf(&b, " %s after %s", a.GateID, a.Phase)
	case a.NextPhase != "":
		fmt.Fprintf(&b, " %s -> %s", a.Phase, a.NextPhase)
	case a.Phase != "":
		fmt.Fprintf(&b, " %s", a.Phase)
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, ": %s", a.Reason)
	}
	if a.Overridden {
		b.WriteString(" [autonomy overridden]")
	}
	for _, v := range a.Violations {
		fmt.Fprintf(&b, "\n  - %s needs %s/%s (%s)", v.GuaranteeID, v.Phase, v.SkillID, v.Status)
	}
	return b.String()
}
