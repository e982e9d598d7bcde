package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/circuitbreaker"
	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/ratecontrol"
	"github.com/Kocoro-lab/dossier/internal/tracing"
)

// PacerKey is the ratecontrol key used for reasoning service calls.
const PacerKey = "llm"

// LLMClient implements Oracle over the LLM service's /agent/query endpoint.
type LLMClient struct {
	baseURL     string
	doer        circuitbreaker.HTTPDoer
	pacer       *ratecontrol.Pacer
	logger      *zap.Logger
	modelTier   string
	maxRetries  uint64
	maxEntities int
	initialWait time.Duration
}

// ClientOption configures an LLMClient.
type ClientOption func(*LLMClient)

func WithHTTPClient(d circuitbreaker.HTTPDoer) ClientOption { return func(c *LLMClient) { c.doer = d } }
func WithPacer(p *ratecontrol.Pacer) ClientOption           { return func(c *LLMClient) { c.pacer = p } }
func WithLogger(l *zap.Logger) ClientOption                 { return func(c *LLMClient) { c.logger = l } }
func WithModelTier(t string) ClientOption                   { return func(c *LLMClient) { c.modelTier = t } }
func WithMaxRetries(n uint64) ClientOption                  { return func(c *LLMClient) { c.maxRetries = n } }
func WithMaxEntities(n int) ClientOption                    { return func(c *LLMClient) { c.maxEntities = n } }

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) ClientOption {
	return func(c *LLMClient) { c.initialWait = d }
}

// NewLLMClient targets baseURL (LLM_SERVICE_URL).
func NewLLMClient(baseURL string, opts ...ClientOption) *LLMClient {
	c := &LLMClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		modelTier:   "small",
		maxRetries:  2,
		maxEntities: 10,
		initialWait: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.doer == nil {
		c.doer = circuitbreaker.NewHTTPWrapper(
			&http.Client{Timeout: 120 * time.Second},
			"llm-service", "oracle",
			circuitbreaker.GetLLMConfig(), c.logger,
		)
	}
	return c
}

type agentResponse struct {
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	Error      string `json:"error"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
	Provider   string `json:"provider"`
	Metadata   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"metadata"`
}

type call struct {
	operation   string
	system      string
	query       string
	maxTokens   int
	temperature float64
}

// ask sends one prompt and decodes the JSON object in the reply into out.
// Transport failures, 5xx, 429 and unparseable replies are retried.
func (c *LLMClient) ask(ctx context.Context, in call, out interface{}) error {
	ctx, span := tracing.StartOracleSpan(ctx, in.operation)
	started := time.Now()
	tokens := 0

	body, err := json.Marshal(map[string]interface{}{
		"query":       in.query,
		"max_tokens":  in.maxTokens,
		"temperature": in.temperature,
		"agent_id":    "dossier_" + in.operation,
		"model_tier":  c.modelTier,
		"context": map[string]interface{}{
			"system_prompt": in.system,
		},
	})
	if err != nil {
		tracing.End(span, err)
		return fmt.Errorf("marshal request: %w", err)
	}

	attempt := func() error {
		if err := c.pacer.Wait(ctx, PacerKey); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/query", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Agent-ID", "dossier_"+in.operation)
		tracing.InjectTraceparent(ctx, req)

		resp, err := c.doer.Do(req)
		if err != nil {
			if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrServiceUnavailable, err))
			}
			return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: HTTP %d", ErrServiceUnavailable, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("LLM service HTTP %d: %s", resp.StatusCode, msg))
		}

		var ar agentResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return fmt.Errorf("%w: decode envelope: %v", ErrMalformedOutput, err)
		}
		tokens += ar.TokensUsed
		if !ar.Success {
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, ar.Error)
		}
		if err := decodeJSONObject(ar.Response, out); err != nil {
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialWait
	b.MaxElapsedTime = 2 * time.Minute
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	err = backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		c.logger.Warn("Oracle call failed, retrying",
			zap.String("operation", in.operation),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordOracleCall(in.operation, status, time.Since(started).Seconds(), tokens)
	tracing.End(span, err)
	return err
}

// decodeJSONObject extracts the outermost {...} from free text and decodes it.
func decodeJSONObject(text string, out interface{}) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object in response", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
