package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milapp/internal/domain"
	"milapp/internal/lifecycle"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	p := cfg.Policy()
	assert.Equal(t, 70.0, p.PassThreshold)
	assert.Equal(t, lifecycle.QuorumAll, p.Quorum)
	assert.False(t, p.AllowSkipStage)
	require.Len(t, p.Gates, 4)
	rule, ok := p.GateAt(lifecycle.Boundary{From: domain.StageValidacaoPrototipo, To: domain.StageMVP})
	require.True(t, ok)
	assert.Equal(t, "G2", rule.Type)

	g1, ok := cfg.GateTemplate("G1")
	require.True(t, ok)
	assert.Equal(t, 48, g1.SLAHours)
	crit := g1.DomainCriteria()
	require.Len(t, crit, 4)
	assert.True(t, crit[2].Automated)
	assert.False(t, crit[0].Automated)

	assert.Contains(t, cfg.RoleCapabilities()["pmo"], lifecycle.CapabilityRevert)
}

func TestZeroPassThresholdIsKept(t *testing.T) {
	cfg, err := FromYAML([]byte(`
storage: {driver: memory}
lifecycle: {pass_threshold: 0}
gates:
  - type: G1
    from: analise_viabilidade
    to: prototipo_rapido
    pass_threshold: 0
    criteria:
      - {key: a, weight: 1, minimum: 0}
  - type: G2
    from: validacao_prototipo
    to: mvp
    criteria:
      - {key: a, weight: 1, minimum: 0}
`))
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Policy().PassThreshold)
	g1, _ := cfg.GateTemplate("G1")
	require.NotNil(t, g1.PassThreshold)
	assert.Equal(t, 0.0, *g1.PassThreshold)
	g2, _ := cfg.GateTemplate("G2")
	assert.Nil(t, g2.PassThreshold)

	unset, err := FromYAML([]byte("storage: {driver: memory}\n"))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.DefaultPassThreshold, unset.Policy().PassThreshold)
}

func TestFromYAMLRejectsBadWeights(t *testing.T) {
	_, err := FromYAML([]byte(`
storage: {driver: memory}
gates:
  - type: G1
    from: analise_viabilidade
    to: prototipo_rapido
    criteria:
      - {key: a, weight: 0.5, minimum: 60}
      - {key: b, weight: 0.4, minimum: 60}
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrInvalidGateData))
}

func TestFromYAMLRejectsNonAdjacentGate(t *testing.T) {
	_, err := FromYAML([]byte(`
storage: {driver: memory}
gates:
  - type: G1
    from: ideacao
    to: mvp
    criteria:
      - {key: a, weight: 1, minimum: 60}
`))
	assert.ErrorContains(t, err, "adjacent")
}

func TestFromYAMLValidation(t *testing.T) {
	cases := map[string]string{
		"driver":   "storage: {driver: mongo}",
		"postgres": "storage: {driver: postgres}",
		"quorum":   "lifecycle: {approval_quorum: some}",
		"stage":    "gates: [{type: G1, from: producao, to: mvp, criteria: [{key: a, weight: 1}]}]",
		"redis":    "notify: {redis: {addr: 'localhost:6379'}}",
		"logging":  "logging: {mode: verbose}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Gates, 4)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "milapp.yml"), []byte("storage: {driver: memory}\nlifecycle: {allow_skip_stage: true}\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.True(t, cfg.Policy().AllowSkipStage)
	assert.Empty(t, cfg.Policy().Gates)
}

func TestMarshalRoundTripStillValid(t *testing.T) {
	data, err := Marshal(Default())
	require.NoError(t, err)
	cfg, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, Default().Gates, cfg.Gates)
}
