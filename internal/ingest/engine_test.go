package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentic-research/strata/internal/registry"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestEngine(in, out billy.Filesystem, reg registry.Registry, workers int, entities ...string) *Engine {
	e := NewEngine(in, out, reg, nil, Options{
		Entities: entities,
		Workers:  workers,
		Layout:   testLayout,
	})
	e.Log = quietLog()
	return e
}

func TestEngine_FaultIsolation(t *testing.T) {
	ctx := context.Background()
	in, out := newTrees()
	reg := registry.NewMemory()
	for i := range 5 {
		writeInput(t, in, fmt.Sprintf("works/updated_date=2025-01-0%d/part_000.gz", i+1), fmt.Sprintf(`{"id":"W%d"}`, i))
	}
	bad := "works/updated_date=2025-01-03/part_000.gz"
	writeInput(t, in, bad, `{"id":"W2"}`, `{broken`)

	eng := newTestEngine(in, out, reg, 1, "works")
	sum, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Converted())
	assert.Equal(t, 1, sum.Failed())
	assert.False(t, sum.Success())
	assert.Equal(t, []string{bad}, sum.Failures)
	assert.Equal(t, int64(4), sum.Cumulative.TotalRecords())

	// The failed file is retried on every run; the others are skipped.
	sum, err = eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Converted())
	assert.Equal(t, 4, sum.Skipped())
	assert.Equal(t, 1, sum.Failed())
	assert.Equal(t, 1, sum.Entities[0].Retried)

	f, err := reg.LookupFailed(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, 2, f.RetryCount)

	// Fixing the input converts it and clears the failure.
	writeInput(t, in, bad, `{"id":"W2"}`)
	sum, err = eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Converted())
	assert.True(t, sum.Success())
	_, err = reg.LookupFailed(ctx, bad)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestEngine_RerunIsNoop(t *testing.T) {
	ctx := context.Background()
	in, out := newTrees()
	reg := registry.NewMemory()
	writeInput(t, in, "authors/updated_date=2025-01-01/part_000.gz", `{"id":"A1"}`, `{"id":"A2"}`)
	writeInput(t, in, "institutions/updated_date=2025-01-01/part_000.gz", `{"id":"I1"}`)

	eng := newTestEngine(in, out, reg, 1, "authors", "institutions", "funders")
	sum, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Converted())
	assert.Len(t, sum.Entities, 3)

	before := listFiles(t, out, "authors")
	sum, err = eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Converted())
	assert.Equal(t, 2, sum.Skipped())
	assert.Equal(t, 0, sum.Reclaimed())
	assert.Equal(t, before, listFiles(t, out, "authors"))

	stats := sum.RunStats()
	assert.True(t, stats.Success)
	assert.Equal(t, int64(3), stats.RecordsAdded)
	assert.Equal(t, int64(2), stats.EntityStats["authors"].Records)
	assert.NotEmpty(t, stats.RunID)
}

func TestEngine_ReclaimsAfterDelete(t *testing.T) {
	ctx := context.Background()
	in, out := newTrees()
	reg := registry.NewMemory()
	rel := "topics/updated_date=2025-01-01/part_000.gz"
	writeInput(t, in, rel, `{"id":"T1"}`)

	eng := newTestEngine(in, out, reg, 1, "topics")
	_, err := eng.Run(ctx)
	require.NoError(t, err)
	require.True(t, exists(out, OutputPath(rel)))

	require.NoError(t, in.Remove(rel))
	sum, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Entities[0].Deleted)
	assert.Equal(t, 1, sum.Reclaimed())
	assert.False(t, exists(out, OutputPath(rel)))

	processed, err := reg.ListProcessed(ctx, "topics")
	require.NoError(t, err)
	assert.Empty(t, processed)
}

func TestEngine_ParallelWorkers(t *testing.T) {
	ctx := context.Background()
	inDir, outDir := t.TempDir(), t.TempDir()
	in, out := osfs.New(inDir), osfs.New(outDir)
	reg := registry.NewMemory()

	for i := range 24 {
		rel := fmt.Sprintf("works/updated_date=2025-01-%02d/part_000.gz", i+1)
		writeInput(t, in, rel, fmt.Sprintf(`{"id":"W%d","n":%d}`, i, i), fmt.Sprintf(`{"id":"X%d","n":%d.5}`, i, i))
	}

	eng := newTestEngine(in, out, reg, 8, "works")
	sum, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24, sum.Converted())
	assert.Equal(t, int64(48), sum.Entities[0].Records)

	outs := listFiles(t, out, "works")
	assert.Len(t, outs, 24)
	assert.False(t, hasTemp(outs))

	info, err := os.Stat(filepath.Join(outDir, "works", "updated_date=2025-01-01", "part_000.parquet"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

// fullDisk fails every temp file creation as a full disk would.
type fullDisk struct{ billy.Filesystem }

func (fullDisk) TempFile(dir, _ string) (billy.File, error) {
	return nil, &os.PathError{Op: "open", Path: dir, Err: unix.ENOSPC}
}

func TestEngine_EnvironmentFaultAborts(t *testing.T) {
	ctx := context.Background()
	in, out := newTrees()
	reg := registry.NewMemory()
	writeInput(t, in, "works/updated_date=2025-01-01/part_000.gz", `{"id":"W1"}`)
	writeInput(t, in, "works/updated_date=2025-01-02/part_000.gz", `{"id":"W2"}`)

	eng := newTestEngine(in, fullDisk{out}, reg, 1, "works")
	_, err := eng.Run(ctx)
	var env *EnvironmentError
	require.True(t, errors.As(err, &env), "got %v", err)
	assert.ErrorIs(t, err, unix.ENOSPC)

	// Environment faults are not charged to the file.
	failed, err := reg.ListFailed(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, failed)
}

// unlistable fails ReadDir for the directories in deny.
type unlistable struct {
	billy.Filesystem
	deny map[string]bool
}

func (u *unlistable) ReadDir(p string) ([]os.FileInfo, error) {
	if u.deny[filepath.ToSlash(p)] {
		return nil, &os.PathError{Op: "readdir", Path: p, Err: fs.ErrPermission}
	}
	return u.Filesystem.ReadDir(p)
}

func TestEngine_UnreadableDirectoryRecovers(t *testing.T) {
	ctx := context.Background()
	mem, out := newTrees()
	reg := registry.NewMemory()
	dir := "authors/updated_date=2025-01-01"
	writeInput(t, mem, dir+"/part_000.gz", `{"id":"A1"}`)
	in := &unlistable{Filesystem: mem, deny: map[string]bool{dir: true}}

	eng := newTestEngine(in, out, reg, 1, "authors")
	sum, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Entities[0].Unreadable)
	assert.Equal(t, []string{dir}, sum.Failures)
	assert.Equal(t, 1, sum.Cumulative.Failed["authors"])

	in.deny = nil
	sum, err = eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Converted())
	assert.True(t, sum.Success())
	assert.Equal(t, 0, sum.Cumulative.Failed["authors"])

	failed, err := reg.ListFailed(ctx, "authors")
	require.NoError(t, err)
	assert.Empty(t, failed)

	sum, err = eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped())
	assert.Equal(t, 0, sum.Failed())
}

func TestCheckRoot(t *testing.T) {
	assert.NoError(t, CheckRoot(t.TempDir()))
	err := CheckRoot(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrInputRootMissing)
}
