package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"milapp/internal/domain"
	"milapp/internal/engine"
	"milapp/internal/lifecycle"
	"milapp/internal/store"
)

type projectFlags struct {
	id, name, description, methodology string
	startDate, targetDate              string
	architect, productOwner            string
	priority, complexity               int
	estimatedROI                       float64
}

func (f *projectFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "project name")
	cmd.Flags().StringVar(&f.description, "description", "", "description")
	cmd.Flags().StringVar(&f.methodology, "methodology", "", "scrum, kanban, waterfall or agile")
	cmd.Flags().StringVar(&f.startDate, "start-date", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.targetDate, "target-date", "", "target date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.architect, "architect", "", "assigned architect actor id")
	cmd.Flags().StringVar(&f.productOwner, "product-owner", "", "product owner actor id")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "priority 1..5")
	cmd.Flags().IntVar(&f.complexity, "complexity", 0, "complexity score 0..10")
	cmd.Flags().Float64Var(&f.estimatedROI, "estimated-roi", 0, "estimated ROI")
}

func (f *projectFlags) patch(cmd *cobra.Command) (engine.ProjectPatch, error) {
	var p engine.ProjectPatch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &f.name
	}
	if changed("description") {
		p.Description = &f.description
	}
	if changed("methodology") {
		p.Methodology = &f.methodology
	}
	if changed("priority") {
		p.Priority = &f.priority
	}
	if changed("complexity") {
		p.ComplexityScore = &f.complexity
	}
	if changed("estimated-roi") {
		p.EstimatedROI = &f.estimatedROI
	}
	if changed("architect") {
		p.AssignedArchitect = &f.architect
	}
	if changed("product-owner") {
		p.ProductOwner = &f.productOwner
	}
	var err error
	if p.StartDate, err = parseDate(f.startDate); err != nil {
		return p, err
	}
	if p.TargetDate, err = parseDate(f.targetDate); err != nil {
		return p, err
	}
	return p, nil
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectArchiveCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var f projectFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in the first stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := f.patch(cmd)
			if err != nil {
				return err
			}
			actorID, role := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:                f.id,
					Name:              f.name,
					Description:       f.description,
					Priority:          patch.Priority,
					Methodology:       f.methodology,
					ComplexityScore:   patch.ComplexityScore,
					EstimatedROI:      patch.EstimatedROI,
					StartDate:         patch.StartDate,
					TargetDate:        patch.TargetDate,
					AssignedArchitect: optionalString(f.architect),
					ProductOwner:      optionalString(f.productOwner),
					ActorID:           actorID,
					ActorRole:         role,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Created project %s (%s) in %s\n", p.ID, p.Name, lifecycle.Label(p.Stage))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "project id (generated when empty)")
	f.bind(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var stage string
	var all bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ProjectFilter{IncludeArchived: all, Limit: limit}
			if stage != "" {
				s, err := lifecycle.ParseStage(stage)
				if err != nil {
					return err
				}
				filter.Stage = s
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Progress", "Architect", "Product Owner", "Archived"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, lifecycle.Label(p.Stage), fmt.Sprintf("%d%%", lifecycle.ProgressPercent(p.Stage)),
						stringOrDash(p.AssignedArchitect), stringOrDash(p.ProductOwner), p.Archived})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().BoolVar(&all, "all", false, "include archived projects")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var f projectFlags
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Update descriptive project fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := f.patch(cmd)
			if err != nil {
				return err
			}
			if patch.Empty() {
				return errors.New("nothing to update")
			}
			actorID, role := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := withRetry(ctx, func() (domain.Project, error) {
					return e.UpdateProjectDetails(ctx, engine.ProjectUpdateOptions{ID: args[0], Patch: patch, ActorID: actorID, ActorRole: role})
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Updated project %s\n", p.ID)
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, role := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := withRetry(ctx, func() (domain.Project, error) {
					return e.ArchiveProject(ctx, args[0], actorID, role)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Archived project %s\n", p.ID)
				return nil
			})
		},
	}
}

func transitionCmd() *cobra.Command {
	var actualROI float64
	cmd := &cobra.Command{
		Use:   "transition <project-id> <target-stage>",
		Short: "Request a stage transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.TransitionRequest{ProjectID: args[0], Target: domain.Stage(args[1])}
			if cmd.Flags().Changed("actual-roi") {
				req.Completion = &lifecycle.Completion{ActualROI: &actualROI}
			}
			return runTransition(cmd.Context(), req, false)
		},
	}
	cmd.Flags().Float64Var(&actualROI, "actual-roi", 0, "actual ROI, required to conclude")
	return cmd
}

func revertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert <project-id> <earlier-stage>",
		Short: "Move a project back to an earlier stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), engine.TransitionRequest{ProjectID: args[0], Target: domain.Stage(args[1])}, true)
		},
	}
}

func runTransition(ctx context.Context, req engine.TransitionRequest, revert bool) error {
	req.ActorID, req.ActorRole = actor()
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		if revert {
			p, err := e.GetProject(ctx, req.ProjectID)
			if err != nil {
				return err
			}
			if !lifecycle.IsBackwardTransition(p.Stage, req.Target) {
				return fmt.Errorf("%s does not precede %s; use transition to move forward", req.Target, p.Stage)
			}
		}
		res, err := withRetry(ctx, func() (engine.TransitionResult, error) {
			return e.RequestTransition(ctx, req)
		})
		printWarnings(res.Warnings)
		if viper.GetBool("json") && res.Audit.ID != "" {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		}
		var rejected *engine.RejectedError
		if errors.As(err, &rejected) {
			if !viper.GetBool("json") {
				printReasons(rejected.Reasons)
			}
			return errors.New("transition rejected")
		}
		if err != nil {
			return err
		}
		if !viper.GetBool("json") {
			fmt.Printf("Project %s moved to %s (%d%%)\n", res.Project.ID, lifecycle.Label(res.Project.Stage), lifecycle.ProgressPercent(res.Project.Stage))
			if res.Gate != nil {
				fmt.Printf("Gate %s initialized: %s (%s)\n", res.Gate.Type, res.Gate.ID, res.Gate.Status)
			}
		}
		return nil
	})
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health <project-id>",
		Short: "Show project health and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.ComputeHealth(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				fmt.Printf("%s: %s, %d%% complete\n", h.ProjectID, h.Label, h.Progress)
				fmt.Printf("Health %d (%s)\n", h.Health.Score, h.Health.Status)
				for _, d := range h.Health.Deduction {
					fmt.Printf("  - %s\n", d)
				}
				return nil
			})
		},
	}
}

func stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List lifecycle stages and gated boundaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policy := cfg.Policy()
			type row struct {
				Stage    domain.Stage `json:"stage"`
				Label    string       `json:"label"`
				Progress int          `json:"progress"`
				Gate     string       `json:"gate,omitempty"`
			}
			var rows []row
			for _, s := range lifecycle.OrderedStages() {
				r := row{Stage: s, Label: lifecycle.Label(s), Progress: lifecycle.ProgressPercent(s)}
				if g, ok := policy.GateLeaving(s); ok {
					r.Gate = g.Type
				}
				rows = append(rows, r)
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"#", "Stage", "Label", "Progress", "Gate"})
			for i, r := range rows {
				tw.AppendRow(table.Row{i + 1, r.Stage, r.Label, fmt.Sprintf("%d%%", r.Progress), r.Gate})
			}
			tw.Render()
			return nil
		},
	}
}
