package research

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type investigatorFunc func(ctx context.Context, req Request) (*SynthesisInput, error)

func (f investigatorFunc) Investigate(ctx context.Context, req Request) (*SynthesisInput, error) {
	return f(ctx, req)
}

func waitForStatus(t *testing.T, r *LocalRunner, runID string) *RunRecord {
	t.Helper()
	var rec *RunRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = r.Status(context.Background(), runID)
		return err == nil && rec.Status != RunRunning
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestLocalRunnerCompletes(t *testing.T) {
	r := NewLocalRunner(investigatorFunc(func(_ context.Context, req Request) (*SynthesisInput, error) {
		return &SynthesisInput{RunID: req.RunID, Question: req.Question}, nil
	}), zaptest.NewLogger(t))

	runID, err := r.Submit(t.Context(), twoTaskRequest())
	require.NoError(t, err)
	assert.Equal(t, "run-42", runID)

	rec := waitForStatus(t, r, runID)
	assert.Equal(t, RunCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "run-42", rec.Result.RunID)
	assert.NotNil(t, rec.FinishedAt)
}

func TestLocalRunnerRecordsFailure(t *testing.T) {
	r := NewLocalRunner(investigatorFunc(func(context.Context, Request) (*SynthesisInput, error) {
		return nil, errors.New("boom")
	}), zaptest.NewLogger(t))

	runID, err := r.Submit(t.Context(), twoTaskRequest())
	require.NoError(t, err)

	rec := waitForStatus(t, r, runID)
	assert.Equal(t, RunFailed, rec.Status)
	assert.Equal(t, "boom", rec.Error)
}

func TestLocalRunnerRejectsInvalidAndUnknown(t *testing.T) {
	r := NewLocalRunner(investigatorFunc(func(context.Context, Request) (*SynthesisInput, error) {
		t.Fatal("must not run")
		return nil, nil
	}), zaptest.NewLogger(t))

	_, err := r.Submit(t.Context(), Request{Question: "q"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Status(t.Context(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLocalRunnerShutdownCancelsRuns(t *testing.T) {
	started := make(chan struct{})
	r := NewLocalRunner(investigatorFunc(func(ctx context.Context, _ Request) (*SynthesisInput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), zaptest.NewLogger(t))

	runID, err := r.Submit(t.Context(), twoTaskRequest())
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	rec, err := r.Status(t.Context(), runID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, rec.Status)
}
