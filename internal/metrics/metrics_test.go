package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Converted("authors", 100, 2048, 250*time.Millisecond)
	m.Converted("authors", 50, 1024, time.Second)
	m.File("authors", OutcomeSkipped)
	m.File("works", OutcomeFailed)
	m.Reclaimed("works", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Files.WithLabelValues("authors", OutcomeConverted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Files.WithLabelValues("authors", OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Files.WithLabelValues("works", OutcomeFailed)))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.Records.WithLabelValues("authors")))
	assert.Equal(t, 3072.0, testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Orphans.WithLabelValues("works")))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.Converted("authors", 1, 1, time.Millisecond)
	m.Finish(3*time.Second, time.Unix(1735689600, 0))

	path := filepath.Join(t.TempDir(), "logs", "etl_metrics.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `strata_files_total{entity="authors",outcome="converted"} 1`)
	assert.Contains(t, string(data), "strata_run_duration_seconds 3")
}

func TestStats_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "etl_stats.json")
	in := RunStats{
		RunID:          "r1",
		Success:        true,
		FilesProcessed: 3,
		RecordsAdded:   300,
		EntityStats:    map[string]EntityCount{"authors": {Files: 3, Records: 300}},
		Timestamp:      time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, WriteStats(path, in))

	out, err := ReadStats(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
