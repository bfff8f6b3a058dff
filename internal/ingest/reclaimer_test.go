package ingest

import (
	"context"
	"testing"

	"github.com/agentic-research/strata/internal/registry"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReclaimer_RemovesOrphans(t *testing.T) {
	ctx := context.Background()
	in, out := newTrees()
	reg := registry.NewMemory()
	keep := "authors/updated_date=2025-01-01/part_000.gz"
	gone := "authors/updated_date=2025-01-02/part_000.gz"
	writeInput(t, in, keep, `{"id":"A1"}`)
	writeInput(t, in, gone, `{"id":"A2"}`)

	conv := &Converter{In: in, Out: out, Registry: reg, Log: quietLog()}
	for _, rel := range []string{keep, gone} {
		_, err := conv.Convert(ctx, scanOne(t, in, reg, rel))
		require.NoError(t, err)
	}
	require.NoError(t, in.Remove(gone))

	rc := &Reclaimer{In: in, Out: out, Registry: reg, Layout: testLayout, Log: quietLog()}
	rep, err := rc.Reclaim(ctx, "authors")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 1, rep.Kept)
	assert.Nil(t, rep.Errors.ErrorOrNil())

	assert.True(t, exists(out, OutputPath(keep)))
	assert.False(t, exists(out, OutputPath(gone)))
	_, err = reg.Lookup(ctx, gone)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// Nothing left to do.
	rep, err = rc.Reclaim(ctx, "authors")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Removed)
}

func TestReclaimer_OutputAlreadyGone(t *testing.T) {
	ctx := context.Background()
	in, out := newTrees()
	reg := registry.NewMemory()
	require.NoError(t, reg.RecordSuccess(ctx, registry.Processed{
		Path:       "works/d=1/part_000.gz",
		Entity:     "works",
		OutputPath: "works/d=1/part_000.parquet",
	}))
	require.NoError(t, reg.RecordSuccess(ctx, registry.Processed{
		Path:   "works/d=1/part_001.gz",
		Entity: "works",
	}))

	rc := &Reclaimer{In: in, Out: out, Registry: reg, Layout: testLayout, Log: quietLog()}
	rep, err := rc.Reclaim(ctx, "works")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Removed)

	left, err := reg.ListProcessed(ctx, "works")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestReclaimer_FailedRecords(t *testing.T) {
	ctx := context.Background()
	in, out := newTrees()
	reg := registry.NewMemory()
	rel := "works/updated_date=2025-01-01/part_000.gz"
	conv := &Converter{In: in, Out: out, Registry: reg, Log: quietLog()}

	writeInput(t, in, rel, `{"id":"W1"}`)
	_, err := conv.Convert(ctx, scanOne(t, in, reg, rel))
	require.NoError(t, err)
	_, err = reg.RecordFailure(ctx, rel, "works", "later retry failed")
	require.NoError(t, err)
	require.NoError(t, in.Remove(rel))

	rc := &Reclaimer{In: in, Out: out, Registry: reg, Layout: testLayout, Log: quietLog()}
	_, err = rc.Reclaim(ctx, "works")
	require.NoError(t, err)

	assert.False(t, exists(out, OutputPath(rel)))
	failed, err := reg.ListFailed(ctx, "works")
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestReclaimer_Sweep(t *testing.T) {
	ctx := context.Background()
	in, out := newTrees()
	reg := registry.NewMemory()
	rel := "works/updated_date=2025-01-01/part_000.gz"
	writeInput(t, in, rel, `{"id":"W1"}`)

	// An output the registry lost track of, one with a live input, and a
	// temp file left by a crash.
	require.NoError(t, util.WriteFile(out, "works/updated_date=2024-12-01/part_009.parquet", []byte("x"), 0o644))
	require.NoError(t, util.WriteFile(out, OutputPath(rel), []byte("x"), 0o644))
	require.NoError(t, util.WriteFile(out, "works/updated_date=2025-01-01/"+tempPrefix+"42", []byte("x"), 0o644))

	rc := &Reclaimer{In: in, Out: out, Registry: reg, Layout: testLayout, Log: quietLog()}
	rep, err := rc.Reclaim(ctx, "works")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Removed, "sweep is off by default")

	rc.Sweep = true
	rep, err = rc.Reclaim(ctx, "works")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 1, rep.Temps)
	assert.Equal(t, []string{OutputPath(rel)}, listFiles(t, out, "works"))
}

func TestReclaimer_SweepMissingInputDir(t *testing.T) {
	in, out := newTrees()
	require.NoError(t, util.WriteFile(out, "concepts/d=1/part_000.parquet", []byte("x"), 0o644))

	rc := &Reclaimer{In: in, Out: out, Registry: registry.NewMemory(), Layout: testLayout, Sweep: true, Log: quietLog()}
	rep, err := rc.Reclaim(context.Background(), "concepts")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Removed)
}
