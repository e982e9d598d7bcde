// Package activities holds the Temporal activities that do the actual
// research work on behalf of workflows.
package activities

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/research"
)

// Activity names as registered with the worker.
const (
	RunInvestigationActivity = "RunInvestigation"
)

// InvalidRequestError is the application error type for requests that will
// never succeed; workflows do not retry it.
const InvalidRequestError = "InvalidInvestigationRequest"

const defaultHeartbeatInterval = 10 * time.Second

// Activities holds activity dependencies.
type Activities struct {
	investigator      research.Investigator
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func NewActivities(investigator research.Investigator, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		investigator:      investigator,
		heartbeatInterval: defaultHeartbeatInterval,
		logger:            logger,
	}
}

// RunInvestigation runs a whole investigation inside one activity,
// heartbeating while it works. Invalid requests fail as non-retryable.
func (a *Activities) RunInvestigation(ctx context.Context, req research.Request) (*research.SynthesisInput, error) {
	info := activity.GetInfo(ctx)
	log := a.logger.With(
		zap.String("run_id", req.RunID),
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt))

	if err := req.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), InvalidRequestError, err)
	}

	stop := a.heartbeat(ctx)
	defer stop()

	log.Info("Running investigation", zap.Int("tasks", len(req.Tasks)))
	in, err := a.investigator.Investigate(ctx, req)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTask) || errors.Is(err, models.ErrInvalidHypothesis) || errors.Is(err, research.ErrInvalidRequest) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), InvalidRequestError, err)
		}
		log.Warn("Investigation ended with error", zap.Error(err))
		return nil, err
	}
	log.Info("Investigation completed", zap.Int("results", len(in.Results)))
	return in, nil
}

// heartbeat records progress until the returned func is called.
func (a *Activities) heartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, time.Now().Unix())
			}
		}
	}()
	return func() { close(done) }
}
