package milappsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal milapp HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID and ActorRole are sent as legacy headers when no token is set.
	ActorID    string
	ActorRole  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Stage             string     `json:"stage"`
	Priority          *int       `json:"priority,omitempty"`
	Methodology       string     `json:"methodology,omitempty"`
	EstimatedROI      *float64   `json:"estimated_roi,omitempty"`
	ActualROI         *float64   `json:"actual_roi,omitempty"`
	TargetDate        *time.Time `json:"target_date,omitempty"`
	CompletedDate     *time.Time `json:"completed_date,omitempty"`
	AssignedArchitect *string    `json:"assigned_architect,omitempty"`
	ProductOwner      *string    `json:"product_owner,omitempty"`
	Archived          bool       `json:"archived"`
	CreatedBy         string     `json:"created_by"`
}

// NewProject is the create payload. Zero values are omitted.
type NewProject struct {
	ID                string     `json:"id,omitempty"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Priority          *int       `json:"priority,omitempty"`
	Methodology       string     `json:"methodology,omitempty"`
	ComplexityScore   *int       `json:"complexity_score,omitempty"`
	EstimatedROI      *float64   `json:"estimated_roi,omitempty"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	TargetDate        *time.Time `json:"target_date,omitempty"`
	AssignedArchitect *string    `json:"assigned_architect,omitempty"`
	ProductOwner      *string    `json:"product_owner,omitempty"`
}

type Criterion struct {
	Key       string  `json:"key"`
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`
	Minimum   float64 `json:"minimum"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
	Automated bool    `json:"automated"`
}

type Approval struct {
	ActorID  string    `json:"actor_id"`
	Decision string    `json:"decision"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// Gate represents a quality gate.
type Gate struct {
	ID                string      `json:"id"`
	ProjectID         string      `json:"project_id"`
	Type              string      `json:"type"`
	Name              string      `json:"name"`
	From              string      `json:"from"`
	To                string      `json:"to"`
	Criteria          []Criterion `json:"criteria"`
	RequiredApprovers []string    `json:"required_approvers"`
	Approvals         []Approval  `json:"approvals"`
	SLADeadline       *time.Time  `json:"sla_deadline,omitempty"`
	Score             float64     `json:"score"`
	Status            string      `json:"status"`
}

// Evaluation is a read-only gate verdict.
type Evaluation struct {
	GateID           string   `json:"gate_id"`
	Score            float64  `json:"score"`
	Threshold        float64  `json:"threshold"`
	Verdict          string   `json:"verdict"`
	FailedCriteria   []string `json:"failed_criteria,omitempty"`
	MissingApprovers []string `json:"missing_approvers,omitempty"`
	SLAExpired       bool     `json:"sla_expired"`
}

// AuditEntry is one line of the transition audit trail.
type AuditEntry struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	GateID    string    `json:"gate_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ActorID   string    `json:"actor_id"`
	Kind      string    `json:"kind"`
	Decision  string    `json:"decision"`
	Reasons   []string  `json:"reasons,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Transition struct {
	Accepted bool       `json:"accepted"`
	Project  Project    `json:"project"`
	Audit    AuditEntry `json:"audit"`
	Gate     *Gate      `json:"gate,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
}

// Decision is a gate decision payload. Decision is "approve", "reject" or
// empty for scores and notes only.
type Decision struct {
	Scores   map[string]float64 `json:"scores,omitempty"`
	Decision string             `json:"decision,omitempty"`
	Comment  string             `json:"comment,omitempty"`
	Notes    string             `json:"notes,omitempty"`
}

type Health struct {
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
	Label     string `json:"label"`
	Progress  int    `json:"progress"`
	Health    struct {
		Score      int      `json:"score"`
		Status     string   `json:"status"`
		Deductions []string `json:"deductions,omitempty"`
	} `json:"health"`
}

type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Reasons    []Reason
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRejected reports whether err is a lifecycle refusal of a transition.
func IsRejected(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "transition_rejected"
}

// IsConflict reports whether err lost an optimistic-concurrency race.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "concurrent_modification"
}

// CreateProject creates a project in the first stage.
func (c *Client) CreateProject(ctx context.Context, p NewProject) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", p, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProjects lists projects, optionally filtered by stage.
func (c *Client) ListProjects(ctx context.Context, stage string, limit int) ([]Project, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, withQuery("projects", q), nil, &resp)
	return resp, err
}

// UpdateProject patches descriptive fields. Keys follow the project JSON.
func (c *Client) UpdateProject(ctx context.Context, id string, patch map[string]any) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPatch, "projects/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

func (c *Client) ArchiveProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(id)+"/archive", nil, &resp)
	return resp, err
}

// RequestTransition asks to move a project to target. actualROI is only
// needed when target is concluido.
func (c *Client) RequestTransition(ctx context.Context, projectID, target string, actualROI *float64) (Transition, error) {
	body := map[string]any{"target": target}
	if actualROI != nil {
		body["actual_roi"] = *actualROI
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/transitions", body, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context, projectID string) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/health", nil, &resp)
	return resp, err
}

func (c *Client) ListGates(ctx context.Context, projectID string) ([]Gate, error) {
	var resp []Gate
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/gates", nil, &resp)
	return resp, err
}

// InitGate creates the gate of gateType for a project.
func (c *Client) InitGate(ctx context.Context, projectID, gateType string) (Gate, []string, error) {
	var resp struct {
		Gate     Gate     `json:"gate"`
		Warnings []string `json:"warnings"`
	}
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/gates", map[string]any{"type": gateType}, &resp)
	return resp.Gate, resp.Warnings, err
}

func (c *Client) GetGate(ctx context.Context, id string) (Gate, error) {
	var resp Gate
	err := c.do(ctx, http.MethodGet, "gates/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) EvaluateGate(ctx context.Context, id string) (Evaluation, error) {
	var resp Evaluation
	err := c.do(ctx, http.MethodGet, "gates/"+url.PathEscape(id)+"/evaluation", nil, &resp)
	return resp, err
}

// Decide records scores, an approval or notes on a gate.
func (c *Client) Decide(ctx context.Context, gateID string, d Decision) (Gate, []string, error) {
	var resp struct {
		Gate     Gate     `json:"gate"`
		Warnings []string `json:"warnings"`
	}
	err := c.do(ctx, http.MethodPost, "gates/"+url.PathEscape(gateID)+"/decisions", d, &resp)
	return resp.Gate, resp.Warnings, err
}

func (c *Client) RefreshGate(ctx context.Context, gateID string) (Gate, []string, error) {
	var resp struct {
		Gate     Gate     `json:"gate"`
		Warnings []string `json:"warnings"`
	}
	err := c.do(ctx, http.MethodPost, "gates/"+url.PathEscape(gateID)+"/refresh", nil, &resp)
	return resp.Gate, resp.Warnings, err
}

// Audit returns the project's audit trail, newest first.
func (c *Client) Audit(ctx context.Context, projectID, kind string, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, withQuery("projects/"+url.PathEscape(projectID)+"/audit", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.ActorRole != "" {
			req.Header.Set("X-Actor-Role", c.ActorRole)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				Reasons []Reason `json:"reasons"`
			} `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
		e.Reasons = env.Error.Details.Reasons
	}
	return e
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
