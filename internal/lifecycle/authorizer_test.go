package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milapp/internal/domain"
)

func projectAt(stage domain.Stage) domain.Project {
	return domain.Project{ID: "p1", Name: "RPA Contas a Pagar", Stage: stage, CreatedAt: testNow, UpdatedAt: testNow}
}

func member() Actor {
	return Actor{ID: "ana", Role: "desenvolvedor"}
}

func admin() Actor {
	return Actor{ID: "root", Role: "admin", Capabilities: []string{"*"}}
}

func g2(approvals ...domain.Approval) domain.QualityGate {
	return twoCriteriaGate([2]float64{90, 60}, [2]bool{true, true}, []string{"sponsor", "architect"}, approvals...)
}

func codes(d Decision) []ReasonCode {
	var out []ReasonCode
	for _, r := range d.Reasons {
		out = append(out, r.Code)
	}
	return out
}

func TestAuthorizeNoOp(t *testing.T) {
	d, err := Authorize(AuthorizeInput{Project: projectAt(domain.StageMVP), Target: domain.StageMVP, Actor: member(), Now: testNow}, DefaultPolicy())
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, []ReasonCode{ReasonNoOp}, codes(d))
}

func TestAuthorizeInvalidStage(t *testing.T) {
	d, err := Authorize(AuthorizeInput{Project: projectAt(domain.StageMVP), Target: "producao", Actor: member(), Now: testNow}, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, []ReasonCode{ReasonInvalidStage}, codes(d))
}

func TestAuthorizeForwardUngated(t *testing.T) {
	p := projectAt(domain.StageIdeacao)
	d, err := Authorize(AuthorizeInput{Project: p, Target: domain.StageQualidadeProcessos, Actor: member(), Now: testNow}, DefaultPolicy())
	require.NoError(t, err)
	require.True(t, d.Accepted)
	assert.Equal(t, domain.StageQualidadeProcessos, d.Project.Stage)
	assert.Equal(t, domain.StageIdeacao, p.Stage)
}

func TestAuthorizeSkipPolicy(t *testing.T) {
	in := AuthorizeInput{Project: projectAt(domain.StageIdeacao), Target: domain.StageHipoteseFormulada, Actor: member(), Now: testNow}

	d, err := Authorize(in, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, []ReasonCode{ReasonStageSkipNotAllowed}, codes(d))

	p := DefaultPolicy()
	p.AllowSkipStage = true
	d, err = Authorize(in, p)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestAuthorizeSkipNeverCrossesGate(t *testing.T) {
	p := DefaultPolicy()
	p.AllowSkipStage = true
	approved := g2(approve("sponsor"), approve("architect"))
	g1 := approved
	g1.Type, g1.From, g1.To = "G1", domain.StageAnaliseViabilidade, domain.StagePrototipoRapido

	d, err := Authorize(AuthorizeInput{
		Project: projectAt(domain.StageAnaliseViabilidade),
		Target:  domain.StageValidacaoPrototipo,
		Gates:   []domain.QualityGate{g1},
		Actor:   member(),
		Now:     testNow,
	}, p)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, []ReasonCode{ReasonStageSkipNotAllowed}, codes(d))
}

func TestAuthorizeGateNotInitialized(t *testing.T) {
	d, err := Authorize(AuthorizeInput{Project: projectAt(domain.StageValidacaoPrototipo), Target: domain.StageMVP, Actor: member(), Now: testNow}, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, []ReasonCode{ReasonGateNotInitialized}, codes(d))
}

func TestAuthorizeGateConditionalRejected(t *testing.T) {
	d, err := Authorize(AuthorizeInput{
		Project: projectAt(domain.StageValidacaoPrototipo),
		Target:  domain.StageMVP,
		Gates:   []domain.QualityGate{g2(approve("sponsor"))},
		Actor:   member(),
		Now:     testNow,
	}, DefaultPolicy())
	require.NoError(t, err)
	require.False(t, d.Accepted)
	require.Equal(t, []ReasonCode{ReasonGateNotApproved}, codes(d))
	assert.Equal(t, "gate G2 not approved (conditional): missing approval from architect", d.Reasons[0].Message)
}

func TestAuthorizeGateApproved(t *testing.T) {
	d, err := Authorize(AuthorizeInput{
		Project: projectAt(domain.StageValidacaoPrototipo),
		Target:  domain.StageMVP,
		Gates:   []domain.QualityGate{g2(approve("sponsor"), approve("architect"))},
		Actor:   member(),
		Now:     testNow,
	}, DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, domain.StageMVP, d.Project.Stage)
}

func TestAuthorizeInvalidGateData(t *testing.T) {
	bad := g2(approve("sponsor"), approve("architect"))
	bad.Criteria[0].Weight = 0.9
	_, err := Authorize(AuthorizeInput{
		Project: projectAt(domain.StageValidacaoPrototipo),
		Target:  domain.StageMVP,
		Gates:   []domain.QualityGate{bad},
		Actor:   member(),
		Now:     testNow,
	}, DefaultPolicy())
	assert.True(t, errors.Is(err, ErrInvalidGateData))
}

func TestAuthorizeConclusionRequiresROI(t *testing.T) {
	in := AuthorizeInput{Project: projectAt(domain.StageSustentacaoEvolucao), Target: domain.StageConcluido, Actor: member(), Now: testNow}
	d, err := Authorize(in, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, []ReasonCode{ReasonMissingCompletionData}, codes(d))

	roi := 52000.0
	in.Completion = &Completion{ActualROI: &roi}
	d, err = Authorize(in, DefaultPolicy())
	require.NoError(t, err)
	require.True(t, d.Accepted)
	require.NotNil(t, d.Project.CompletedDate)
	assert.Equal(t, testNow, *d.Project.CompletedDate)
	require.NotNil(t, d.Project.ActualROI)
	assert.Equal(t, 52000.0, *d.Project.ActualROI)
}

func TestAuthorizeCombinesReasons(t *testing.T) {
	p := DefaultPolicy()
	p.Gates = append(p.Gates, GateRule{Type: "G5", Boundary: Boundary{From: domain.StageSustentacaoEvolucao, To: domain.StageConcluido}})
	d, err := Authorize(AuthorizeInput{Project: projectAt(domain.StageSustentacaoEvolucao), Target: domain.StageConcluido, Actor: member(), Now: testNow}, p)
	require.NoError(t, err)
	assert.Equal(t, []ReasonCode{ReasonGateNotInitialized, ReasonMissingCompletionData}, codes(d))
}

func TestAuthorizeRevert(t *testing.T) {
	roi := 10.0
	done := projectAt(domain.StageConcluido)
	done.ActualROI = &roi
	done.CompletedDate = &testNow

	d, err := Authorize(AuthorizeInput{Project: done, Target: domain.StageMVP, Actor: member(), Now: testNow}, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, []ReasonCode{ReasonInsufficientPermission}, codes(d))

	d, err = Authorize(AuthorizeInput{Project: done, Target: domain.StageMVP, Actor: admin(), Now: testNow}, DefaultPolicy())
	require.NoError(t, err)
	require.True(t, d.Accepted)
	assert.True(t, d.Revert)
	assert.Equal(t, domain.StageMVP, d.Project.Stage)
	assert.Nil(t, d.Project.CompletedDate)
	assert.Nil(t, d.Project.ActualROI)
	assert.NotNil(t, done.CompletedDate)
}

func TestAuthorizeRevertBypassesGates(t *testing.T) {
	reverter := Actor{ID: "pmo", Role: "pmo", Capabilities: []string{CapabilityRevert}}
	d, err := Authorize(AuthorizeInput{Project: projectAt(domain.StageEscalaEntrega), Target: domain.StageIdeacao, Actor: reverter, Now: testNow}, DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}
