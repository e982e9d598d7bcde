package activities

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/research"
)

type stubInvestigator struct {
	got research.Request
	out *research.SynthesisInput
	err error
}

func (s *stubInvestigator) Investigate(_ context.Context, req research.Request) (*research.SynthesisInput, error) {
	s.got = req
	return s.out, s.err
}

func validRequest() research.Request {
	return research.Request{
		RunID:    "run-1",
		Question: "Who owns the shell company?",
		Tasks: []*models.ResearchTask{
			models.NewResearchTask("ownership", "beneficial owners", &models.Hypothesis{
				ID:             1,
				Statement:      "The company is owned by a holding firm",
				Confidence:     60,
				SearchStrategy: models.SearchStrategy{Sources: []string{"sec_edgar"}, Signals: []string{"beneficial owner"}},
			}),
		},
	}
}

func TestRunInvestigationActivity(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	stub := &stubInvestigator{out: &research.SynthesisInput{
		RunID:   "run-1",
		Results: []models.Result{{URL: "https://www.sec.gov/a", Title: "10-K", Source: "SEC EDGAR"}},
	}}
	acts := NewActivities(stub, zaptest.NewLogger(t))
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.RunInvestigation, validRequest())
	require.NoError(t, err)

	var out research.SynthesisInput
	require.NoError(t, val.Get(&out))
	assert.Equal(t, "run-1", out.RunID)
	assert.Len(t, out.Results, 1)

	require.Len(t, stub.got.Tasks, 1)
	assert.Equal(t, "beneficial owner", stub.got.Tasks[0].Hypotheses[0].SignalsQuery())
}

func TestRunInvestigationInvalidRequestIsNonRetryable(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	stub := &stubInvestigator{}
	acts := NewActivities(stub, zaptest.NewLogger(t))
	env.RegisterActivity(acts)

	req := validRequest()
	req.Tasks[0].Hypotheses[0].Statement = ""
	_, err := env.ExecuteActivity(acts.RunInvestigation, req)
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.NonRetryable())
	assert.Equal(t, InvalidRequestError, appErr.Type())
	assert.Empty(t, stub.got.Tasks, "investigator never called")
}

func TestRunInvestigationPropagatesFailure(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	acts := NewActivities(&stubInvestigator{err: errors.New("investigation run-1: context canceled")}, zaptest.NewLogger(t))
	env.RegisterActivity(acts)

	_, err := env.ExecuteActivity(acts.RunInvestigation, validRequest())
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		assert.False(t, appErr.NonRetryable())
	}
}
