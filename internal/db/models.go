package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSON is a column holding an encoded document. Postgres stores it as jsonb,
// SQLite as text.
type JSON []byte

// Value implements the driver.Valuer interface
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("cannot scan %T into JSON", value)
	}
	return nil
}

func encodeJSON(v interface{}) (JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSON(b), nil
}

// InvestigationRecord is one row of investigations.
type InvestigationRecord struct {
	RunID              string    `db:"run_id" json:"run_id"`
	Question           string    `db:"question" json:"question"`
	StartedAt          time.Time `db:"started_at" json:"started_at"`
	DurationMs         int64     `db:"duration_ms" json:"duration_ms"`
	ResultCount        int       `db:"result_count" json:"result_count"`
	DuplicatesRemoved  int       `db:"duplicates_removed" json:"duplicates_removed"`
	RateLimitedSources JSON      `db:"rate_limited_sources" json:"-"`
	Synthesis          JSON      `db:"synthesis" json:"-"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// TaskRecord is one row of investigation_tasks.
type TaskRecord struct {
	RunID       string `db:"run_id"`
	TaskID      string `db:"task_id"`
	Query       string `db:"query"`
	Status      string `db:"status"`
	ResultCount int    `db:"result_count"`
	Entities    JSON   `db:"entities"`
}

// HypothesisRunRecord is one row of hypothesis_runs. Seq keeps execution order.
type HypothesisRunRecord struct {
	RunID          string  `db:"run_id"`
	TaskID         string  `db:"task_id"`
	Seq            int     `db:"seq"`
	HypothesisID   int     `db:"hypothesis_id"`
	Statement      string  `db:"statement"`
	Mode           string  `db:"mode"`
	ResultsCount   int     `db:"results_count"`
	SourcesQueried JSON    `db:"sources_queried"`
	SourcesSkipped JSON    `db:"sources_skipped"`
	NewURLs        int     `db:"new_urls"`
	NoveltyRatio   float64 `db:"novelty_ratio"`
	Delta          JSON    `db:"delta"`
	DurationMs     int64   `db:"duration_ms"`
}

// CoverageDecisionRecord is one row of coverage_decisions.
type CoverageDecisionRecord struct {
	RunID          string  `db:"run_id"`
	TaskID         string  `db:"task_id"`
	Seq            int     `db:"seq"`
	HypothesisID   int     `db:"hypothesis_id"`
	Executed       int     `db:"executed"`
	Decision       string  `db:"decision"`
	Assessment     string  `db:"assessment"`
	ElapsedSeconds float64 `db:"elapsed_seconds"`
}
