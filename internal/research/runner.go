package research

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("investigation run not found")

// Run states
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunRecord is the externally visible state of a submitted investigation.
type RunRecord struct {
	RunID       string          `json:"run_id"`
	Question    string          `json:"question"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      *SynthesisInput `json:"result,omitempty"`
}

// Runner accepts investigations and reports on them. Submit returns as soon
// as the run is accepted.
type Runner interface {
	Submit(ctx context.Context, req Request) (string, error)
	Status(ctx context.Context, runID string) (*RunRecord, error)
}

// Investigator is what runners drive. *Orchestrator implements it.
type Investigator interface {
	Investigate(ctx context.Context, req Request) (*SynthesisInput, error)
}

// LocalRunner executes investigations in-process, one goroutine per run.
type LocalRunner struct {
	investigator Investigator
	logger       *zap.Logger

	mu     sync.RWMutex
	runs   map[string]*RunRecord
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocalRunner(investigator Investigator, logger *zap.Logger) *LocalRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalRunner{
		investigator: investigator,
		logger:       logger,
		runs:         make(map[string]*RunRecord),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Submit validates the request and starts it in the background. Runs are
// detached from ctx; they stop only when the runner shuts down.
func (r *LocalRunner) Submit(_ context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	r.mu.Lock()
	if _, exists := r.runs[req.RunID]; exists {
		r.mu.Unlock()
		return req.RunID, nil
	}
	r.runs[req.RunID] = &RunRecord{
		RunID:       req.RunID,
		Question:    req.Question,
		Status:      RunRunning,
		SubmittedAt: time.Now(),
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		in, err := r.investigator.Investigate(r.ctx, req)
		r.finish(req.RunID, in, err)
	}()
	return req.RunID, nil
}

func (r *LocalRunner) finish(runID string, in *SynthesisInput, err error) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.runs[runID]
	rec.FinishedAt = &now
	rec.Result = in
	rec.Status = RunCompleted
	if err != nil {
		rec.Status = RunFailed
		rec.Error = err.Error()
		r.logger.Warn("Investigation failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// Status returns a copy of the run's record.
func (r *LocalRunner) Status(_ context.Context, runID string) (*RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *rec
	return &cp, nil
}

// Shutdown cancels in-flight runs and waits for them or for ctx.
func (r *LocalRunner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
