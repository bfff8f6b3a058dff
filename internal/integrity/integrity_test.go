package integrity

import (
	"bytes"
	"context"
	"testing"

	"github.com/agentic-research/strata/internal/ingest"
	"github.com/agentic-research/strata/internal/registry"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var layout = ingest.Layout{Pattern: "**/*.gz", PartitionKey: "updated_date"}

func TestChecker(t *testing.T) {
	ctx := context.Background()
	in, out := memfs.New(), memfs.New()
	files := map[string]int{
		"authors/updated_date=2025-01-01/part_000.gz": 400,
		"authors/updated_date=2025-01-02/part_000.gz": 400,
		"authors/updated_date=2025-01-03/part_000.gz": 20,
	}
	for rel, size := range files {
		require.NoError(t, util.WriteFile(in, rel, make([]byte, size), 0o644))
	}
	require.NoError(t, util.WriteFile(out, "authors/updated_date=2025-01-01/part_000.parquet", make([]byte, 200), 0o644))
	require.NoError(t, util.WriteFile(out, "authors/updated_date=2024-12-01/part_000.parquet", make([]byte, 100), 0o644))

	reg := registry.NewMemory()
	require.NoError(t, reg.RecordSuccess(ctx, registry.Processed{
		Path:   "authors/updated_date=2025-01-03/part_000.gz",
		Entity: "authors",
	}))

	c := &Checker{In: in, Out: out, Layout: layout, Registry: reg}
	res, err := c.Check(ctx, []string{"authors", "works"})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	e := res.Entities[0]
	assert.Equal(t, 3, e.Sources)
	assert.Equal(t, 2, e.Outputs)
	assert.Equal(t, 1, e.Empty)
	assert.Equal(t, []string{"authors/updated_date=2024-12-01/part_000.parquet"}, e.Orphans)
	assert.Equal(t, []string{"authors/updated_date=2025-01-02/part_000.gz"}, e.Missing)
	assert.False(t, e.Mismatched())

	assert.False(t, res.OK())
	assert.Equal(t, int64(820), res.SourceBytes())
	assert.Equal(t, int64(300), res.OutputBytes())
	assert.InDelta(t, 2.733, res.CompressionRatio(), 0.001)

	var buf bytes.Buffer
	res.Render(&buf)
	assert.Contains(t, buf.String(), "authors")
	assert.Contains(t, buf.String(), "orphans: 1  missing: 1")
}

func TestChecker_Clean(t *testing.T) {
	in, out := memfs.New(), memfs.New()
	require.NoError(t, util.WriteFile(in, "topics/updated_date=2025-01-01/part_000.gz", []byte("x"), 0o644))
	require.NoError(t, util.WriteFile(out, "topics/updated_date=2025-01-01/part_000.parquet", []byte("y"), 0o644))

	c := &Checker{In: in, Out: out, Layout: layout}
	res, err := c.Check(context.Background(), []string{"topics"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 0, res.Missing())
	assert.Equal(t, 0, res.Mismatched())
}
