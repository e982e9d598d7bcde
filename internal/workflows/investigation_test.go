package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/dossier/internal/activities"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/research"
)

func request(runID string) research.Request {
	return research.Request{
		RunID:    runID,
		Question: "Which firms won the radar contract?",
		Tasks: []*models.ResearchTask{
			models.NewResearchTask("awards", "contract awards", &models.Hypothesis{
				ID:             1,
				Statement:      "A prime contractor was named",
				Confidence:     70,
				SearchStrategy: models.SearchStrategy{Sources: []string{"sam_gov"}, Signals: []string{"radar award"}},
			}),
		},
	}
}

func TestInvestigationWorkflowCompletes(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(
		func(_ context.Context, req research.Request) (*research.SynthesisInput, error) {
			return &research.SynthesisInput{
				RunID:    req.RunID,
				Question: req.Question,
				Results:  []models.Result{{URL: "https://sam.gov/opp/1", Title: "Award", Source: "SAM.gov"}},
			}, nil
		},
		activity.RegisterOptions{Name: activities.RunInvestigationActivity},
	)

	env.ExecuteWorkflow(InvestigationWorkflow, request("r-1"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out research.SynthesisInput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, "r-1", out.RunID)
	assert.Len(t, out.Results, 1)

	val, err := env.QueryWorkflow(StatusQuery)
	require.NoError(t, err)
	var status string
	require.NoError(t, val.Get(&status))
	assert.Equal(t, research.RunCompleted, status)
}

func TestInvestigationWorkflowDefaultsRunIDToWorkflowID(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	var seen string
	env.RegisterActivityWithOptions(
		func(_ context.Context, req research.Request) (*research.SynthesisInput, error) {
			seen = req.RunID
			return &research.SynthesisInput{RunID: req.RunID}, nil
		},
		activity.RegisterOptions{Name: activities.RunInvestigationActivity},
	)

	env.ExecuteWorkflow(InvestigationWorkflow, request(""))

	require.NoError(t, env.GetWorkflowError())
	assert.NotEmpty(t, seen)
}

func TestInvestigationWorkflowDoesNotRetryInvalidRequest(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	attempts := 0
	env.RegisterActivityWithOptions(
		func(context.Context, research.Request) (*research.SynthesisInput, error) {
			attempts++
			return nil, temporal.NewNonRetryableApplicationError("bad hypothesis", activities.InvalidRequestError, nil)
		},
		activity.RegisterOptions{Name: activities.RunInvestigationActivity},
	)

	env.ExecuteWorkflow(InvestigationWorkflow, request("r-2"))

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, 1, attempts)
}

func TestInvestigationWorkflowRetriesTransientFailure(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	attempts := 0
	env.RegisterActivityWithOptions(
		func(_ context.Context, req research.Request) (*research.SynthesisInput, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("worker restarted")
			}
			return &research.SynthesisInput{RunID: req.RunID}, nil
		},
		activity.RegisterOptions{Name: activities.RunInvestigationActivity},
	)

	env.ExecuteWorkflow(InvestigationWorkflow, request("r-3"))

	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 2, attempts)
}

func TestTemporalRunnerSubmit(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("investigation-r-1")
	run.On("GetRunID").Return("abc")
	c.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.ID == "investigation-r-1" && o.TaskQueue == TaskQueue
		}),
		mock.Anything, mock.Anything,
	).Return(run, nil)

	r := NewTemporalRunner(c, "", zaptest.NewLogger(t))
	id, err := r.Submit(t.Context(), request("r-1"))

	require.NoError(t, err)
	assert.Equal(t, "r-1", id)
	c.AssertExpectations(t)
}

func TestTemporalRunnerSubmitValidatesFirst(t *testing.T) {
	c := &mocks.Client{}
	r := NewTemporalRunner(c, "", zaptest.NewLogger(t))

	req := request("r-1")
	req.Tasks = nil
	_, err := r.Submit(t.Context(), req)

	assert.ErrorIs(t, err, research.ErrInvalidRequest)
	c.AssertNotCalled(t, "ExecuteWorkflow")
}

func TestTemporalRunnerStatusCompleted(t *testing.T) {
	question, err := converter.GetDefaultDataConverter().ToPayload("Which firms won the radar contract?")
	require.NoError(t, err)

	c := &mocks.Client{}
	c.On("DescribeWorkflowExecution", mock.Anything, "investigation-r-1", "").Return(
		&workflowservice.DescribeWorkflowExecutionResponse{
			WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{
				Status: enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED,
				Memo:   &commonpb.Memo{Fields: map[string]*commonpb.Payload{memoQuestion: question}},
			},
		}, nil)
	run := &mocks.WorkflowRun{}
	run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		out := args.Get(1).(*research.SynthesisInput)
		out.RunID = "r-1"
		out.DuplicatesRemoved = 4
	}).Return(nil)
	c.On("GetWorkflow", mock.Anything, "investigation-r-1", "").Return(run)

	rec, err := NewTemporalRunner(c, "", zaptest.NewLogger(t)).Status(t.Context(), "r-1")

	require.NoError(t, err)
	assert.Equal(t, research.RunCompleted, rec.Status)
	assert.Equal(t, "Which firms won the radar contract?", rec.Question)
	require.NotNil(t, rec.Result)
	assert.Equal(t, 4, rec.Result.DuplicatesRemoved)
}

func TestTemporalRunnerStatusNotFound(t *testing.T) {
	c := &mocks.Client{}
	c.On("DescribeWorkflowExecution", mock.Anything, "investigation-missing", "").
		Return(nil, serviceerror.NewNotFound("workflow not found"))

	_, err := NewTemporalRunner(c, "", zaptest.NewLogger(t)).Status(t.Context(), "missing")

	assert.ErrorIs(t, err, research.ErrRunNotFound)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, research.RunRunning, mapStatus(enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING))
	assert.Equal(t, research.RunFailed, mapStatus(enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT))
	assert.Equal(t, research.RunFailed, mapStatus(enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED))
	assert.Equal(t, research.RunCompleted, mapStatus(enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED))
}
