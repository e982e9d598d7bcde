// Package workflows defines the durable investigation workflow and the
// runner that starts it on Temporal.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/dossier/internal/activities"
	"github.com/Kocoro-lab/dossier/internal/research"
)

const (
	// TaskQueue is the queue workers poll for investigations.
	TaskQueue = "dossier-investigations"
	// StatusQuery returns the workflow's current phase.
	StatusQuery = "status"
)

// InvestigationTimeout bounds the activity. Coverage ceilings end a healthy
// run well before it.
var InvestigationTimeout = 2 * time.Hour

// InvestigationWorkflow runs one investigation as a single heartbeating
// activity. Requests that can never succeed are not retried.
func InvestigationWorkflow(ctx workflow.Context, req research.Request) (*research.SynthesisInput, error) {
	logger := workflow.GetLogger(ctx)
	status := research.RunQueued
	if err := workflow.SetQueryHandler(ctx, StatusQuery, func() (string, error) {
		return status, nil
	}); err != nil {
		return nil, err
	}

	if req.RunID == "" {
		req.RunID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	logger.Info("Starting InvestigationWorkflow",
		"run_id", req.RunID,
		"question", req.Question,
		"tasks", len(req.Tasks))

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: InvestigationTimeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			MaximumAttempts:        2,
			NonRetryableErrorTypes: []string{activities.InvalidRequestError},
		},
	})

	status = research.RunRunning
	var out research.SynthesisInput
	if err := workflow.ExecuteActivity(ctx, activities.RunInvestigationActivity, req).Get(ctx, &out); err != nil {
		status = research.RunFailed
		logger.Error("Investigation failed", "run_id", req.RunID, "error", err)
		return nil, err
	}
	status = research.RunCompleted
	logger.Info("InvestigationWorkflow completed",
		"run_id", req.RunID,
		"results", len(out.Results),
		"duplicates_removed", out.DuplicatesRemoved)
	return &out, nil
}
