package milappsdk

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milapp/internal/config"
	"milapp/internal/engine"
	"milapp/internal/repo/memory"
	"milapp/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	e, err := engine.New(memory.New(), config.Default(), nil, nil)
	require.NoError(t, err)
	h, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{AllowLegacyActorHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.ActorID = "ana"
	c.ActorRole = "pmo"
	return c
}

func TestClientProjectFlow(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	p, err := c.CreateProject(ctx, NewProject{ID: "compras", Name: "Portal de Compras"})
	require.NoError(t, err)
	assert.Equal(t, "ideacao", p.Stage)

	tr, err := c.RequestTransition(ctx, p.ID, "qualidade_processos", nil)
	require.NoError(t, err)
	assert.True(t, tr.Accepted)
	assert.Equal(t, "qualidade_processos", tr.Project.Stage)

	_, err = c.RequestTransition(ctx, p.ID, "hipotese_formulada", nil)
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	require.NotEmpty(t, ae.Reasons)
	assert.Equal(t, "StageSkipNotAllowed", ae.Reasons[0].Code)

	entries, err := c.Audit(ctx, p.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	h, err := c.Health(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "qualidade_processos", h.Stage)
}

func TestClientGateFlow(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	_, err := c.CreateProject(ctx, NewProject{ID: "compras", Name: "Portal"})
	require.NoError(t, err)

	g, warnings, err := c.InitGate(ctx, "compras", "G2")
	require.NoError(t, err)
	assert.Equal(t, "pending", g.Status)
	// No architect or product owner set on the project.
	assert.Len(t, warnings, 2)

	ev, err := c.EvaluateGate(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", ev.Verdict)

	_, _, err = c.Decide(ctx, g.ID, Decision{Notes: "aguardando protótipo"})
	require.NoError(t, err)

	gates, err := c.ListGates(ctx, "compras")
	require.NoError(t, err)
	assert.Len(t, gates, 1)
}
