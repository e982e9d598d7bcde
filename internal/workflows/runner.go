package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/research"
)

const (
	workflowIDPrefix = "investigation-"
	memoQuestion     = "question"
)

// TemporalRunner submits investigations as workflows. It implements
// research.Runner.
type TemporalRunner struct {
	client    client.Client
	taskQueue string
	logger    *zap.Logger
}

func NewTemporalRunner(c client.Client, taskQueue string, logger *zap.Logger) *TemporalRunner {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemporalRunner{client: c, taskQueue: taskQueue, logger: logger}
}

// WorkflowID maps a run id to its workflow id.
func WorkflowID(runID string) string { return workflowIDPrefix + runID }

// Submit starts the workflow. Resubmitting a run id that is already running
// returns the same id.
func (r *TemporalRunner) Submit(ctx context.Context, req research.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	opts := client.StartWorkflowOptions{
		ID:                       WorkflowID(req.RunID),
		TaskQueue:                r.taskQueue,
		WorkflowExecutionTimeout: InvestigationTimeout + 10*time.Minute,
		Memo:                     map[string]interface{}{memoQuestion: req.Question},
	}
	run, err := r.client.ExecuteWorkflow(ctx, opts, InvestigationWorkflow, req)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return req.RunID, nil
		}
		return "", fmt.Errorf("start investigation workflow: %w", err)
	}
	r.logger.Info("Investigation workflow started",
		zap.String("run_id", req.RunID),
		zap.String("workflow_id", run.GetID()),
		zap.String("temporal_run_id", run.GetRunID()))
	return req.RunID, nil
}

// Status describes the workflow and, once it completed, fetches its result.
func (r *TemporalRunner) Status(ctx context.Context, runID string) (*research.RunRecord, error) {
	wfID := WorkflowID(runID)
	desc, err := r.client.DescribeWorkflowExecution(ctx, wfID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, research.ErrRunNotFound
		}
		return nil, fmt.Errorf("describe workflow %s: %w", wfID, err)
	}
	info := desc.GetWorkflowExecutionInfo()
	if info == nil {
		return nil, research.ErrRunNotFound
	}

	rec := &research.RunRecord{RunID: runID, Status: mapStatus(info.GetStatus())}
	if st := info.GetStartTime(); st != nil {
		rec.SubmittedAt = st.AsTime()
	}
	if ct := info.GetCloseTime(); ct != nil {
		t := ct.AsTime()
		rec.FinishedAt = &t
	}
	if memo := info.GetMemo(); memo != nil {
		if p, ok := memo.GetFields()[memoQuestion]; ok && p != nil {
			_ = converter.GetDefaultDataConverter().FromPayload(p, &rec.Question)
		}
	}

	switch rec.Status {
	case research.RunCompleted:
		var out research.SynthesisInput
		if err := r.client.GetWorkflow(ctx, wfID, "").Get(ctx, &out); err != nil {
			r.logger.Warn("Failed to fetch completed workflow result", zap.String("run_id", runID), zap.Error(err))
			rec.Error = fmt.Sprintf("result retrieval failed: %v", err)
		} else {
			rec.Result = &out
		}
	case research.RunFailed:
		rec.Error = strings.ToLower(strings.TrimPrefix(info.GetStatus().String(), "WORKFLOW_EXECUTION_STATUS_"))
	}
	return rec, nil
}

func mapStatus(s enumspb.WorkflowExecutionStatus) string {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return research.RunCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT,
		enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return research.RunFailed
	default:
		return research.RunRunning
	}
}
