package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordResultsSkipsZeroOutcomes(t *testing.T) {
	before := testutil.ToFloat64(ResultsFiltered.WithLabelValues("metrics-test", "accepted"))
	RecordResults("metrics-test", 3, 0, 1)

	assert.Equal(t, before+3, testutil.ToFloat64(ResultsFiltered.WithLabelValues("metrics-test", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ResultsFiltered.WithLabelValues("metrics-test", "duplicate")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ResultsFiltered.WithLabelValues("metrics-test", "rejected")))
}

func TestRecordOracleCallCountsTokens(t *testing.T) {
	RecordOracleCall("metrics-test-op", "success", 0.5, 120)
	RecordOracleCall("metrics-test-op", "error", 0.1, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(OracleCalls.WithLabelValues("metrics-test-op", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(OracleCalls.WithLabelValues("metrics-test-op", "error")))
	assert.Equal(t, 120.0, testutil.ToFloat64(OracleTokens.WithLabelValues("metrics-test-op")))
}
