package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/circuitbreaker"
)

const userAgent = "dossier-research/1.0 (research@dossier.local)"

// StatusError carries a non-2xx response. Its text includes the code so the
// rate-limit breaker recognises 429s.
type StatusError struct {
	Source string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Code == http.StatusTooManyRequests {
		return fmt.Sprintf("%s: HTTP 429 rate limit exceeded", e.Source)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Source, e.Code, e.Body)
}

// httpBase holds what every HTTP-backed adapter shares.
type httpBase struct {
	id          SourceID
	displayName string
	baseURL     string
	apiKey      string
	doer        circuitbreaker.HTTPDoer
	logger      *zap.Logger
}

// Option configures an HTTP-backed adapter.
type Option func(*httpBase)

// WithBaseURL points the adapter at a different endpoint (tests, mirrors).
func WithBaseURL(u string) Option { return func(b *httpBase) { b.baseURL = u } }

// WithHTTPClient replaces the breaker-wrapped default client.
func WithHTTPClient(d circuitbreaker.HTTPDoer) Option { return func(b *httpBase) { b.doer = d } }

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) Option { return func(b *httpBase) { b.logger = l } }

// WithDisplayName overrides the display name used in results and rate-limit bookkeeping.
func WithDisplayName(n string) Option { return func(b *httpBase) { b.displayName = n } }

func newHTTPBase(id SourceID, displayName, baseURL, apiKey string, opts []Option) httpBase {
	b := httpBase{id: id, displayName: displayName, baseURL: baseURL, apiKey: apiKey}
	for _, o := range opts {
		o(&b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.doer == nil {
		b.doer = circuitbreaker.NewHTTPWrapper(
			&http.Client{Timeout: 30 * time.Second},
			"source-"+string(id), "sources",
			circuitbreaker.GetSourceConfig(), b.logger,
		)
	}
	return b
}

func (b *httpBase) ID() SourceID        { return b.id }
func (b *httpBase) DisplayName() string { return b.displayName }

// getJSON issues a GET and decodes a 2xx JSON body into out.
func (b *httpBase) getJSON(ctx context.Context, rawURL string, header http.Header, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", b.displayName, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.doer.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", b.displayName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Source: b.displayName, Code: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", b.displayName, err)
	}
	return nil
}

func (b *httpBase) failed(err error) *SearchResponse {
	return &SearchResponse{Success: false, SourceName: b.displayName, Error: err.Error()}
}

func parseDate(layouts []string, s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return &t
		}
	}
	return nil
}
