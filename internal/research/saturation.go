package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/circuitbreaker"
	"github.com/Kocoro-lab/dossier/internal/dedup"
	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/sources"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

// Reasons a saturation loop ends.
const (
	StopLLMSaturated  = "llm_saturated"
	StopEmptyQuery    = "empty_query_suggestion"
	StopMaxQueries    = "max_queries_reached"
	StopTimeLimit     = "time_limit_reached"
	StopRateLimited   = "rate_limited"
	StopCancelled     = "cancelled"
	StopOracleFailed  = "oracle_failed"
	initialReasoning  = "initial query from hypothesis search signals"
	relevanceFailure  = "relevance filter failed"
	relevanceRejected = "rejected as irrelevant"
)

// SaturationResult is what one (hypothesis, source) saturation run produced.
type SaturationResult struct {
	Source     string
	Results    []models.Result
	History    []models.QueryHistoryEntry
	StopReason string
}

// Accepted is the number of results kept across all queries.
func (r *SaturationResult) Accepted() int { return len(r.Results) }

// SaturationController queries one source for one hypothesis until the
// oracle calls it saturated or a ceiling is hit.
type SaturationController struct {
	rc *RunContext
}

func NewSaturationController(rc *RunContext) *SaturationController {
	return &SaturationController{rc: rc}
}

// Saturate runs the adaptive query loop. Ceilings, cancellation and the
// rate-limit set are checked only between queries; a query in flight is
// always allowed to finish. h.InformationGaps is replaced whenever the
// oracle reports remaining gaps; an empty report clears them.
func (c *SaturationController) Saturate(ctx context.Context, h *models.Hypothesis, src sources.Resolved) *SaturationResult {
	rc := c.rc
	log := rc.Logger.With(
		zap.Int("hypothesis_id", h.ID),
		zap.String("source", src.DisplayName))

	maxQueries := rc.Settings.MaxQueriesFor(string(src.ID))
	maxTime := rc.Settings.Research.Saturation.MaxTimePerSource()
	started := rc.now()

	out := &SaturationResult{Source: src.DisplayName}
	seen := make(map[string]struct{})

	for {
		if ctx.Err() != nil {
			out.StopReason = StopCancelled
			break
		}
		if rc.Breaker.ShouldSkip(src.DisplayName) {
			out.StopReason = StopRateLimited
			break
		}

		query, reasoning := h.SignalsQuery(), initialReasoning
		if len(out.History) > 0 {
			decision, err := rc.Oracle.DecideNextQuery(ctx, oracle.SaturationContext{
				Question:      rc.Question,
				Hypothesis:    *h,
				Source:        src.DisplayName,
				History:       append([]models.QueryHistoryEntry(nil), out.History...),
				AcceptedCount: len(out.Results),
			})
			if err == nil && decision == nil {
				err = oracle.ErrEmptyAnswer
			}
			if err != nil {
				log.Warn("Decision oracle failed; ending saturation", zap.Error(err))
				out.StopReason = StopOracleFailed
				break
			}
			if decision.Saturated() {
				log.Info("Source saturated", zap.String("reasoning", decision.Reasoning))
				out.StopReason = StopLLMSaturated
				break
			}
			if decision.RemainingGaps != nil {
				h.InformationGaps = append([]string(nil), decision.RemainingGaps...)
			}
			query, reasoning = decision.NextQuery, decision.Reasoning
		}

		if strings.TrimSpace(query) == "" {
			log.Warn("Empty query suggestion; ending saturation", zap.Int("query_number", len(out.History)+1))
			out.StopReason = StopEmptyQuery
			break
		}

		entry, accepted := c.attempt(ctx, h, src, query, seen)
		entry.Reasoning = reasoning
		out.History = append(out.History, entry)
		out.Results = append(out.Results, accepted...)

		rc.emit(streaming.Event{
			Type:         streaming.EventQueryExecuted,
			HypothesisID: h.ID,
			Source:       src.DisplayName,
			Message:      query,
			Data: map[string]interface{}{
				"query_number": len(out.History),
				"total":        entry.ResultsTotal,
				"accepted":     entry.ResultsAccepted,
				"rejected":     entry.ResultsRejected,
				"duplicate":    entry.ResultsDuplicate,
				"error":        entry.Error,
			},
		})

		if len(out.History) >= maxQueries {
			out.StopReason = StopMaxQueries
			break
		}
		if rc.now().Sub(started) > maxTime {
			out.StopReason = StopTimeLimit
			break
		}
	}

	log.Info("Saturation finished",
		zap.String("reason", out.StopReason),
		zap.Int("queries", len(out.History)),
		zap.Int("accepted", len(out.Results)))
	metrics.RecordSaturation(string(src.ID), out.StopReason, len(out.History))
	rc.emit(streaming.Event{
		Type:         streaming.EventSourceSaturated,
		HypothesisID: h.ID,
		Source:       src.DisplayName,
		Message:      out.StopReason,
		Data: map[string]interface{}{
			"queries":  len(out.History),
			"accepted": len(out.Results),
		},
	})
	return out
}

// attempt executes one query, filters it for relevance and drops results
// already seen in this saturation run.
func (c *SaturationController) attempt(ctx context.Context, h *models.Hypothesis, src sources.Resolved, query string, seen map[string]struct{}) (models.QueryHistoryEntry, []models.Result) {
	rc := c.rc
	entry := models.QueryHistoryEntry{Query: query}

	resp, err := rc.Sources.Search(ctx, src, query, rc.resultsPerQuery())
	if err != nil {
		entry.Error = err.Error()
		c.recordSourceFailure(h, src, err)
		return entry, nil
	}
	if resp == nil || len(resp.Results) == 0 {
		entry.ComputeEffectiveness()
		return entry, nil
	}

	raw := resp.Results
	entry.ResultsTotal = len(raw)

	verdict, err := rc.Oracle.Filter(ctx, h.Statement, rc.Question, raw)
	if err == nil && verdict == nil {
		err = oracle.ErrEmptyAnswer
	}
	var relevant []models.Result
	switch {
	case err != nil:
		rc.Logger.Warn("Relevance filter failed; rejecting batch",
			zap.Int("hypothesis_id", h.ID),
			zap.String("source", src.DisplayName),
			zap.Error(err))
		entry.RejectionThemes = append(entry.RejectionThemes, relevanceFailure)
	default:
		relevant = verdict.Keep(raw)
		if !verdict.ShouldAccept {
			theme := verdict.Reason
			if theme == "" {
				theme = relevanceRejected
			}
			entry.RejectionThemes = append(entry.RejectionThemes, theme)
		}
	}
	entry.ResultsRejected = len(raw) - len(relevant)

	accepted := make([]models.Result, 0, len(relevant))
	for _, r := range relevant {
		if key := dedup.SeenKey(r); key != "" {
			if _, dup := seen[key]; dup {
				entry.ResultsDuplicate++
				continue
			}
			seen[key] = struct{}{}
		}
		accepted = append(accepted, r)
	}
	entry.ResultsAccepted = len(accepted)
	entry.ComputeEffectiveness()

	metrics.RecordResults(string(src.ID), entry.ResultsAccepted, entry.ResultsRejected, entry.ResultsDuplicate)
	return entry, accepted
}

// recordSourceFailure routes rate-limit signals to the breaker. Other errors
// are only logged; the loop carries on.
func (c *SaturationController) recordSourceFailure(h *models.Hypothesis, src sources.Resolved, err error) {
	rc := c.rc
	rc.Logger.Warn("Source query failed",
		zap.Int("hypothesis_id", h.ID),
		zap.String("source", src.DisplayName),
		zap.Error(err))
	recordRateLimit(rc, h.ID, src.DisplayName, err)
}

func recordRateLimit(rc *RunContext, hypothesisID int, source string, err error) {
	action := rc.Breaker.RecordFailure(source, err.Error())
	if action != circuitbreaker.ActionSkipped {
		return
	}
	rc.emit(streaming.Event{
		Type:         streaming.EventSourceRateLimited,
		HypothesisID: hypothesisID,
		Source:       source,
		Message:      fmt.Sprintf("%s skipped for the rest of the run", source),
	})
}
