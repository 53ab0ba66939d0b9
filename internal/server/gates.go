package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"milapp/internal/domain"
	"milapp/internal/engine"
	"milapp/internal/retry"
)

type gatePath struct {
	GateID string `path:"gate_id"`
}

func registerGates(api huma.API, a routes) {
	huma.Register(api, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates",
		Summary:     "List project gates",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*gatesOutput, error) {
		items, err := a.engine.ListGates(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &gatesOutput{Body: emptyIfNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "init-gate",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/gates",
		Summary:       "Initialize a gate from its template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      InitGateRequest
	}) (*gateResultOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, warnings, err := a.engine.InitGate(ctx, engine.GateInitOptions{
			ProjectID: input.ProjectID,
			Type:      input.Body.Type,
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &gateResultOutput{Body: GateResponse{Gate: g, Warnings: warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}",
		Summary:     "Get gate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *gatePath) (*gateOutput, error) {
		g, err := a.engine.GetGate(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &gateOutput{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gate",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}/evaluation",
		Summary:     "Evaluate gate without changing it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *gatePath) (*evaluationOutput, error) {
		ev, err := a.engine.EvaluateGate(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &evaluationOutput{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-gate-decision",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/decisions",
		Summary:     "Record scores, an approval or notes on a gate",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
		Body   GateDecisionRequest
	}) (*gateResultOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d := engine.GateDecision{
			GateID:    input.GateID,
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
			Scores:    input.Body.Scores,
			Approve:   input.Body.Decision == string(domain.DecisionApprove),
			Reject:    input.Body.Decision == string(domain.DecisionReject),
			Comment:   input.Body.Comment,
			Notes:     input.Body.Notes,
		}
		out, err := retry.Do(ctx, a.retry, func() (gateResult, error) {
			g, w, err := a.engine.RecordGateDecision(ctx, d)
			return gateResult{gate: g, warnings: w}, err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &gateResultOutput{Body: GateResponse{Gate: out.gate, Warnings: out.warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/refresh",
		Summary:     "Re-score automated criteria from project data",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *gatePath) (*gateResultOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := retry.Do(ctx, a.retry, func() (gateResult, error) {
			g, w, err := a.engine.RefreshAutomatedCriteria(ctx, input.GateID, principal.ActorID, principal.Role)
			return gateResult{gate: g, warnings: w}, err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &gateResultOutput{Body: GateResponse{Gate: out.gate, Warnings: out.warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-gates",
		Method:      http.MethodPost,
		Path:        "/gates/escalations",
		Summary:     "Escalate gates past their SLA deadline",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*escalationOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		gates, warnings, err := a.engine.EscalateOverdueGates(ctx, principal.ActorID, principal.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &escalationOutput{Body: EscalationResponse{Escalated: emptyIfNil(gates), Warnings: warnings}}, nil
	})
}

// gateResult lets a retried engine call hand back its warnings.
type gateResult struct {
	gate     domain.QualityGate
	warnings []string
}
