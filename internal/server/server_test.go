package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"milapp/internal/config"
	"milapp/internal/db"
	"milapp/internal/domain"
	"milapp/internal/engine"
	"milapp/internal/migrate"
	"milapp/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Dialect: db.SQLite, Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(repo.New(conn, db.SQLite), config.Default(), nil, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actorID, role string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID, "X-Actor-Role": role}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func createProject(t *testing.T, srv *testServer, id string) domain.Project {
	t.Helper()
	target := time.Now().UTC().AddDate(0, 3, 0)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"id":                 id,
		"name":               "Portal de Compras",
		"priority":           4,
		"estimated_roi":      120000,
		"target_date":        target,
		"assigned_architect": "carla",
		"product_owner":      "bruno",
	}, as("ana", "pmo"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func transition(t *testing.T, srv *testServer, projectID, target string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/transitions", map[string]any{
		"target": target,
	}, as("ana", "pmo"))
}

func TestHealthAndStages(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stages", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", env.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stages", nil, as("ana", "stakeholder"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stages status %d: %s", res.StatusCode, string(data))
	}
	var stages []StageResponse
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("unmarshal stages: %v", err)
	}
	if len(stages) != 13 {
		t.Fatalf("expected 13 stages, got %d", len(stages))
	}
	if stages[0].Stage != domain.StageIdeacao || stages[len(stages)-1].Progress != 100 {
		t.Fatalf("unexpected stage table ends: %+v %+v", stages[0], stages[len(stages)-1])
	}
	for _, s := range stages {
		if s.Stage == domain.StageValidacaoPrototipo && s.Gate != "G2" {
			t.Fatalf("expected G2 leaving validacao_prototipo, got %q", s.Gate)
		}
	}
}

func TestOpenAPIConcurrentFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				errs[i] = fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("fetch %d returned a different document", i)
		}
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("bearerAuth scheme missing: %s", string(bodies[0]))
	}
}

func TestGateApprovalUnblocksTransition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProject(t, srv, "compras")

	var last TransitionResponse
	for _, stage := range []string{"qualidade_processos", "planejamento", "hipotese_formulada", "analise_viabilidade"} {
		res, data := transition(t, srv, p.ID, stage)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s status %d: %s", stage, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal transition: %v", err)
		}
	}
	if last.Gate == nil || last.Gate.Type != "G1" {
		t.Fatalf("expected G1 initialized on entering analise_viabilidade, got %+v", last.Gate)
	}
	gateID := last.Gate.ID

	res, data := transition(t, srv, p.ID, "prototipo_rapido")
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 before approval, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "transition_rejected" {
		t.Fatalf("expected transition_rejected, got %q", env.Error.Code)
	}
	reasons, _ := env.Error.Details["reasons"].([]any)
	if len(reasons) == 0 {
		t.Fatalf("expected reasons in details: %s", string(data))
	}
	first, _ := reasons[0].(map[string]any)
	if first["code"] != "GateNotApproved" {
		t.Fatalf("expected GateNotApproved, got %v", first["code"])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/gates/"+gateID+"/decisions", map[string]any{
		"scores":   map[string]float64{"pdd": 80, "technical_viability": 80},
		"decision": "approve",
	}, as("carla", "arquiteto"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("architect decision status %d: %s", res.StatusCode, string(data))
	}
	var decided GateResponse
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal gate: %v", err)
	}
	if g := decided.Gate; g.Status != domain.GateConditional {
		t.Fatalf("expected conditional after one approval, got %s", g.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/gates/"+gateID+"/decisions", map[string]any{
		"decision": "approve",
	}, as("bruno", "product_owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("product owner decision status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal gate: %v", err)
	}
	if g := decided.Gate; g.Status != domain.GateApproved || g.Score != 90 {
		t.Fatalf("expected approved with score 90, got %s %.2f", g.Status, g.Score)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/gates/"+gateID+"/evaluation", nil, as("ana", "auditor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluation status %d: %s", res.StatusCode, string(data))
	}

	res, data = transition(t, srv, p.ID, "prototipo_rapido")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition after approval status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &last); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if !last.Accepted || last.Project.Stage != domain.StagePrototipoRapido {
		t.Fatalf("expected accepted move to prototipo_rapido, got %+v", last)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/gates/"+gateID+"/decisions", map[string]any{
		"scores": map[string]float64{"pdd": 10},
	}, as("carla", "arquiteto"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on finalized gate, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "gate_finalized" {
		t.Fatalf("expected gate_finalized, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/audit?kind=advance", nil, as("ana", "auditor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.TransitionAuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	// Four accepted moves, one rejected, one accepted after approval.
	if len(entries) != 6 {
		t.Fatalf("expected 6 advance entries, got %d", len(entries))
	}
	if entries[0].Decision != domain.AuditAccepted || entries[1].Decision != domain.AuditRejected {
		t.Fatalf("unexpected newest entries: %+v %+v", entries[0], entries[1])
	}
}

func TestPermissionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"name": "Sem permissão",
	}, as("eva", "stakeholder"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %q", env.Error.Code)
	}

	p := createProject(t, srv, "compras")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/gates", map[string]any{
		"type": "G2",
	}, as("ana", "pmo"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init gate status %d: %s", res.StatusCode, string(data))
	}
	var init GateResponse
	if err := json.Unmarshal(data, &init); err != nil {
		t.Fatalf("unmarshal gate init: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/gates/"+init.Gate.ID+"/decisions", map[string]any{
		"decision": "approve",
	}, as("dave", "qa_tester"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-approver, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_approver" {
		t.Fatalf("expected not_approver, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/gates", map[string]any{
		"type": "G2",
	}, as("ana", "pmo"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate gate, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/missing", nil, as("ana", "pmo"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, err := IssueToken(testSecret, "ana", "pmo", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"name": "Via token",
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if p.CreatedBy != "ana" {
		t.Fatalf("expected created_by ana, got %q", p.CreatedBy)
	}

	wrong, err := IssueToken("other-secret", "ana", "pmo", jwt.RegisteredClaims{})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"Authorization": "Bearer " + wrong,
		"X-Actor-Id":    "ana",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %q", env.Error.Code)
	}
}

func TestUpdateAndArchive(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProject(t, srv, "compras")

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID, map[string]any{
		"priority": 2,
	}, as("ana", "pmo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/health", nil, as("ana", "pmo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var h engine.ProjectHealth
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if h.Health.Score != 90 {
		t.Fatalf("expected health 90 after lowering priority, got %d", h.Health.Score)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/archive", nil, as("ana", "pmo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive status %d: %s", res.StatusCode, string(data))
	}
	res, data = transition(t, srv, p.ID, "qualidade_processos")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for archived project, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, as("ana", "pmo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var items []domain.Project
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected archived project hidden, got %d", len(items))
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
		{&engine.RejectedError{}, http.StatusUnprocessableEntity, "transition_rejected"},
		{repo.ErrNotFound, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		ae, ok := se.(*apiError)
		if !ok {
			t.Fatalf("expected *apiError for %v", tc.err)
		}
		if ae.status != tc.status || ae.Body.Code != tc.code {
			t.Fatalf("%v: got %d %s", tc.err, ae.status, ae.Body.Code)
		}
	}
}
