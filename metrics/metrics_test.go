package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caasmo/certpilot"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	mem := certpilot.NewMemoryRecorder()
	r := NewRecorder(mem, reg)
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	notAfter := start.Add(90 * 24 * time.Hour)

	require.NoError(t, r.Record(ctx, certpilot.RunOutcome{
		ID: "1", Domain: "example.com", Status: certpilot.StatusInstalled,
		StartedAt: start, FinishedAt: start.Add(30 * time.Second), NotAfter: notAfter,
	}))
	require.NoError(t, r.Record(ctx, certpilot.RunOutcome{
		ID: "2", Domain: "example.com", Status: certpilot.StatusFailed,
		StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour + time.Second),
	}))
	require.NoError(t, r.Record(ctx, certpilot.RunOutcome{
		ID: "3", Domain: "example.com", Status: certpilot.StatusDryRun,
		StartedAt: start.Add(2 * time.Hour), FinishedAt: start.Add(2 * time.Hour), NotAfter: notAfter.Add(time.Hour),
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("example.com", "installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("example.com", "failed")))
	assert.Equal(t, float64(notAfter.Unix()), testutil.ToFloat64(r.notAfter.WithLabelValues("example.com")))
	assert.Equal(t, float64(start.Add(2*time.Hour).Unix()), testutil.ToFloat64(r.lastRun.WithLabelValues("example.com")))
	assert.Equal(t, float64(start.Add(2*time.Hour).Unix()), testutil.ToFloat64(r.lastSuccess.WithLabelValues("example.com")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))

	last, err := r.Last(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "3", last.ID)
	assert.Len(t, mem.All(), 3)
}
