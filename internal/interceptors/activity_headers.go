// Package interceptors tags outgoing HTTP calls with the Temporal execution
// they were made from, so the LLM service can correlate its logs with a run.
package interceptors

import (
	"context"
	"net/http"
	"strconv"

	"go.temporal.io/sdk/activity"
)

const (
	HeaderWorkflowID = "X-Workflow-ID"
	HeaderRunID      = "X-Run-ID"
	HeaderAttempt    = "X-Activity-Attempt"
)

// ActivityHeaders is an http.RoundTripper that adds workflow headers when the
// request context belongs to a Temporal activity. Outside an activity (the
// in-process runner, the CLI) requests pass through untouched.
type ActivityHeaders struct {
	base http.RoundTripper
}

func NewActivityHeaders(base http.RoundTripper) *ActivityHeaders {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ActivityHeaders{base: base}
}

func (a *ActivityHeaders) RoundTrip(req *http.Request) (*http.Response, error) {
	info, ok := activityInfo(req.Context())
	if !ok || info.WorkflowExecution.ID == "" {
		return a.base.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	req.Header.Set(HeaderWorkflowID, info.WorkflowExecution.ID)
	req.Header.Set(HeaderRunID, info.WorkflowExecution.RunID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(int(info.Attempt)))
	return a.base.RoundTrip(req)
}

// activityInfo reports the activity info carried by ctx. The SDK panics when
// ctx is not an activity context.
func activityInfo(ctx context.Context) (info activity.Info, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return activity.GetInfo(ctx), true
}
