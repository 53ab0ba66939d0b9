package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"milapp/internal/domain"
	"milapp/internal/engine"
	"milapp/internal/store"
)

func gateCmd() *cobra.Command {
	g := &cobra.Command{Use: "gate", Short: "Manage quality gates"}
	g.AddCommand(gateInitCmd())
	g.AddCommand(gateListCmd())
	g.AddCommand(gateShowCmd())
	g.AddCommand(gateEvaluateCmd())
	g.AddCommand(gateDecideCmd())
	g.AddCommand(gateRefreshCmd())
	return g
}

func gateInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <project-id> <gate-type>",
		Short: "Initialize a gate from its template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, role := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, warnings, err := e.InitGate(ctx, engine.GateInitOptions{ProjectID: args[0], Type: args[1], ActorID: actorID, ActorRole: role})
				if err != nil {
					return err
				}
				printWarnings(warnings)
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("Gate %s initialized: %s (%s)\n", g.Type, g.ID, g.Status)
				return nil
			})
		},
	}
}

func gateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List gates of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListGates(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Boundary", "Status", "Score", "Approvers", "SLA"})
				for _, g := range items {
					sla := "-"
					if g.SLADeadline != nil {
						sla = g.SLADeadline.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{g.ID, g.Type, fmt.Sprintf("%s -> %s", g.From, g.To), g.Status,
						fmt.Sprintf("%.2f", g.Score), strings.Join(g.RequiredApprovers, ","), sla})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func gateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <gate-id>",
		Short: "Show a gate with its criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.GetGate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				printGate(g)
				return nil
			})
		},
	}
}

func printGate(g domain.QualityGate) {
	fmt.Printf("Gate %s %s (%s -> %s): %s, score %.2f\n", g.Type, g.Name, g.From, g.To, g.Status, g.Score)
	tw := newTable()
	tw.AppendHeader(table.Row{"Key", "Criterion", "Weight", "Minimum", "Score", "Passed", "Source"})
	for _, c := range g.Criteria {
		source := "manual"
		if c.Automated {
			source = "automated"
		}
		tw.AppendRow(table.Row{c.Key, c.Name, c.Weight, c.Minimum, c.Score, c.Passed, source})
	}
	tw.Render()
	for _, a := range g.Approvals {
		fmt.Printf("  %s: %s %s\n", a.ActorID, a.Decision, a.Comment)
	}
	for _, n := range g.Notes {
		fmt.Printf("  note by %s: %s\n", n.ActorID, n.Text)
	}
}

func gateEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <gate-id>",
		Short: "Evaluate a gate without changing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.EvaluateGate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("Verdict %s, score %.2f (threshold %.2f)\n", ev.Verdict, ev.Score, ev.Threshold)
				if len(ev.FailedCriteria) > 0 {
					fmt.Printf("Failed criteria: %s\n", strings.Join(ev.FailedCriteria, ", "))
				}
				if len(ev.MissingApprovers) > 0 {
					fmt.Printf("Missing approvals: %s\n", strings.Join(ev.MissingApprovers, ", "))
				}
				if ev.SLAExpired {
					fmt.Println("SLA deadline passed")
				}
				return nil
			})
		},
	}
}

// parseScores reads key=value pairs.
func parseScores(raw []string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for _, kv := range raw {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid score %q (want key=value)", kv)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid score %q: %w", kv, err)
		}
		out[strings.TrimSpace(key)] = f
	}
	return out, nil
}

func gateDecideCmd() *cobra.Command {
	var scores []string
	var approve, reject bool
	var comment, notes string
	cmd := &cobra.Command{
		Use:   "decide <gate-id>",
		Short: "Record scores, an approval or notes on a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseScores(scores)
			if err != nil {
				return err
			}
			actorID, role := actor()
			d := engine.GateDecision{
				GateID:    args[0],
				ActorID:   actorID,
				ActorRole: role,
				Scores:    parsed,
				Approve:   approve,
				Reject:    reject,
				Comment:   comment,
				Notes:     notes,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var warnings []string
				g, err := withRetry(ctx, func() (domain.QualityGate, error) {
					g, w, err := e.RecordGateDecision(ctx, d)
					warnings = w
					return g, err
				})
				if err != nil {
					return err
				}
				printWarnings(warnings)
				if viper.GetBool("json") {
					return printJSON(g)
				}
				printGate(g)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&scores, "score", nil, "criterion score as key=value (repeatable)")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the gate")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the gate")
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored with the approval")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form note")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	return cmd
}

func gateRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <gate-id>",
		Short: "Re-score automated criteria from project data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, role := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var warnings []string
				g, err := withRetry(ctx, func() (domain.QualityGate, error) {
					g, w, err := e.RefreshAutomatedCriteria(ctx, args[0], actorID, role)
					warnings = w
					return g, err
				})
				if err != nil {
					return err
				}
				printWarnings(warnings)
				if viper.GetBool("json") {
					return printJSON(g)
				}
				printGate(g)
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Inspect the audit trail"}
	a.AddCommand(auditTailCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var n int
	var kind, gateID string
	cmd := &cobra.Command{
		Use:   "tail [project-id]",
		Short: "Show the latest audit entries, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.AuditFilter{Kind: domain.AuditKind(kind), GateID: gateID, Limit: n}
			if len(args) == 1 {
				filter.ProjectID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ListAudit(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Project", "Kind", "From", "To", "Actor", "Decision", "Reasons"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.Timestamp.Format(time.RFC3339), en.ProjectID, en.Kind, en.From, en.To,
						en.ActorID, en.Decision, strings.Join(en.Reasons, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of entries")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (create, advance, revert, gate_decision, escalation)")
	cmd.Flags().StringVar(&gateID, "gate", "", "filter by gate id")
	return cmd
}

func escalateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escalate",
		Short: "Escalate open gates past their SLA deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, role := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gates, warnings, err := e.EscalateOverdueGates(ctx, actorID, role)
				printWarnings(warnings)
				for _, g := range gates {
					if !viper.GetBool("json") {
						fmt.Printf("Escalated gate %s %s of project %s\n", g.Type, g.ID, g.ProjectID)
					}
				}
				if err != nil {
					return fmt.Errorf("escalation stopped after %d gates: %w", len(gates), err)
				}
				if viper.GetBool("json") {
					return printJSON(emptyIfNil(gates))
				}
				if len(gates) == 0 {
					fmt.Println("No overdue gates")
				}
				return nil
			})
		},
	}
}
