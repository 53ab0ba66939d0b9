package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"milapp/internal/domain"
	"milapp/internal/engine"
	"milapp/internal/lifecycle"
	"milapp/internal/retry"
	"milapp/internal/store"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStages(api huma.API, a routes) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "Ordered lifecycle stages",
	}, func(ctx context.Context, _ *struct{}) (*stagesOutput, error) {
		return &stagesOutput{Body: stageResponses(a.engine.Policy)}, nil
	})
}

func registerProjects(api huma.API, a routes) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*projectOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		p, err := a.engine.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:                b.ID,
			Name:              b.Name,
			Description:       b.Description,
			Priority:          b.Priority,
			Methodology:       b.Methodology,
			ComplexityScore:   b.ComplexityScore,
			EstimatedROI:      b.EstimatedROI,
			StartDate:         b.StartDate,
			TargetDate:        b.TargetDate,
			AssignedArchitect: b.AssignedArchitect,
			ProductOwner:      b.ProductOwner,
			ActorID:           principal.ActorID,
			ActorRole:         principal.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage           string `query:"stage"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*projectsOutput, error) {
		f := store.ProjectFilter{IncludeArchived: input.IncludeArchived, Limit: input.Limit}
		if input.Stage != "" {
			s, err := lifecycle.ParseStage(input.Stage)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.Stage = s
		}
		items, err := a.engine.ListProjects(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectsOutput{Body: emptyIfNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		p, err := a.engine.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update descriptive project fields",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      engine.ProjectPatch
	}) (*projectOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := retry.Do(ctx, a.retry, func() (domain.Project, error) {
			return a.engine.UpdateProjectDetails(ctx, engine.ProjectUpdateOptions{
				ID:        input.ProjectID,
				Patch:     input.Body,
				ActorID:   principal.ActorID,
				ActorRole: principal.Role,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := retry.Do(ctx, a.retry, func() (domain.Project, error) {
			return a.engine.ArchiveProject(ctx, input.ProjectID, principal.ActorID, principal.Role)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-health",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/health",
		Summary:     "Project health score and progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*healthOutput, error) {
		h, err := a.engine.ComputeHealth(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &healthOutput{Body: h}, nil
	})
}

func registerTransitions(api huma.API, a routes) {
	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Request a stage transition",
		Description: "Refusals return 422 transition_rejected with the reasons in details.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      TransitionRequest
	}) (*transitionOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := engine.TransitionRequest{
			ProjectID: input.ProjectID,
			Target:    domain.Stage(input.Body.Target),
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
		}
		if input.Body.ActualROI != nil {
			req.Completion = &lifecycle.Completion{ActualROI: input.Body.ActualROI}
		}
		res, err := retry.Do(ctx, a.retry, func() (engine.TransitionResult, error) {
			return a.engine.RequestTransition(ctx, req)
		})
		if err != nil {
			var rejected *engine.RejectedError
			if errors.As(err, &rejected) {
				return nil, newAPIError(http.StatusUnprocessableEntity, "transition_rejected", err.Error(), map[string]any{
					"reasons":  rejected.Reasons,
					"warnings": res.Warnings,
				})
			}
			return nil, handleError(err)
		}
		return &transitionOutput{Body: transitionResponse(res)}, nil
	})
}

func registerAudit(api huma.API, a routes) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audit",
		Summary:     "Audit trail, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		GateID    string `query:"gate_id"`
		Kind      string `query:"kind" enum:"create,advance,revert,gate_decision,escalation"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*auditOutput, error) {
		if _, err := a.engine.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := a.engine.ListAudit(ctx, store.AuditFilter{
			ProjectID: input.ProjectID,
			GateID:    input.GateID,
			Kind:      domain.AuditKind(input.Kind),
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &auditOutput{Body: emptyIfNil(items)}, nil
	})
}
