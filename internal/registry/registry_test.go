package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func implementations(t *testing.T) map[string]func(t *testing.T) Registry {
	t.Helper()
	return map[string]func(t *testing.T) Registry{
		"memory": func(t *testing.T) Registry { return NewMemory() },
		"sqlite": func(t *testing.T) Registry {
			t.Helper()
			r, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state", "etl_state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })
			return r
		},
	}
}

func processed(path, fp string) Processed {
	return Processed{
		Path:        path,
		Fingerprint: fp,
		Entity:      "authors",
		FileSize:    1024,
		RecordCount: 100,
		OutputPath:  path + ".parquet",
	}
}

func TestRegistryContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("lookup missing", func(t *testing.T) {
				r := open(t)
				_, err := r.Lookup(ctx, "authors/x.gz")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = r.LookupFailed(ctx, "authors/x.gz")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("success then lookup", func(t *testing.T) {
				r := open(t)
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/a.gz", "h1")))
				got, err := r.Lookup(ctx, "authors/a.gz")
				require.NoError(t, err)
				assert.Equal(t, "h1", got.Fingerprint)
				assert.Equal(t, int64(100), got.RecordCount)
				assert.Equal(t, "authors/a.gz.parquet", got.OutputPath)
				assert.False(t, got.ProcessedAt.IsZero())

				require.NoError(t, r.RecordSuccess(ctx, processed("authors/a.gz", "h2")))
				got, err = r.Lookup(ctx, "authors/a.gz")
				require.NoError(t, err)
				assert.Equal(t, "h2", got.Fingerprint, "upsert keeps one record per path")
				all, err := r.ListProcessed(ctx, "")
				require.NoError(t, err)
				assert.Len(t, all, 1)
			})

			t.Run("failure increments retry and clears success", func(t *testing.T) {
				r := open(t)
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/a.gz", "h1")))

				f, err := r.RecordFailure(ctx, "authors/a.gz", "authors", "bad json at line 3")
				require.NoError(t, err)
				assert.Equal(t, 1, f.RetryCount)
				f, err = r.RecordFailure(ctx, "authors/a.gz", "authors", "bad json at line 4")
				require.NoError(t, err)
				assert.Equal(t, 2, f.RetryCount)

				_, err = r.Lookup(ctx, "authors/a.gz")
				assert.ErrorIs(t, err, ErrNotFound)
				got, err := r.LookupFailed(ctx, "authors/a.gz")
				require.NoError(t, err)
				assert.Equal(t, "bad json at line 4", got.Error)
				assert.Equal(t, 2, got.RetryCount)
			})

			t.Run("success clears failure", func(t *testing.T) {
				r := open(t)
				_, err := r.RecordFailure(ctx, "authors/a.gz", "authors", "boom")
				require.NoError(t, err)
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/a.gz", "h1")))
				_, err = r.LookupFailed(ctx, "authors/a.gz")
				assert.ErrorIs(t, err, ErrNotFound)
				failed, err := r.ListFailed(ctx, "")
				require.NoError(t, err)
				assert.Empty(t, failed)
			})

			t.Run("list ordered and filtered", func(t *testing.T) {
				r := open(t)
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/b.gz", "h")))
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/a.gz", "h")))
				w := processed("works/a.gz", "h")
				w.Entity = "works"
				require.NoError(t, r.RecordSuccess(ctx, w))

				got, err := r.ListProcessed(ctx, "authors")
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "authors/a.gz", got[0].Path)
				assert.Equal(t, "authors/b.gz", got[1].Path)

				got, err = r.ListProcessed(ctx, "")
				require.NoError(t, err)
				assert.Len(t, got, 3)
			})

			t.Run("delete and clear", func(t *testing.T) {
				r := open(t)
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/a.gz", "h")))
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/b.gz", "h")))
				_, err := r.RecordFailure(ctx, "authors/c.gz", "authors", "x")
				require.NoError(t, err)

				require.NoError(t, r.Delete(ctx, "authors/a.gz"))
				_, err = r.Lookup(ctx, "authors/a.gz")
				assert.ErrorIs(t, err, ErrNotFound)

				n, err := r.Clear(ctx, "authors")
				require.NoError(t, err)
				assert.Equal(t, 2, n)
				st, err := r.Stats(ctx)
				require.NoError(t, err)
				assert.Empty(t, st.Processed)
				assert.Empty(t, st.Failed)
			})

			t.Run("stats", func(t *testing.T) {
				r := open(t)
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/a.gz", "h")))
				require.NoError(t, r.RecordSuccess(ctx, processed("authors/b.gz", "h")))
				_, err := r.RecordFailure(ctx, "works/x.gz", "works", "x")
				require.NoError(t, err)

				st, err := r.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, EntityStats{Files: 2, Records: 200, SourceBytes: 2048}, st.Processed["authors"])
				assert.Equal(t, 1, st.Failed["works"])
				assert.Equal(t, int64(200), st.TotalRecords())
			})

			t.Run("concurrent writers", func(t *testing.T) {
				r := open(t)
				var wg sync.WaitGroup
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						p := processed(filepath.Join("authors", "updated_date=2025-01-01", string(rune('a'+i))+".gz"), "h")
						assert.NoError(t, r.RecordSuccess(ctx, p))
					}(i)
				}
				wg.Wait()
				got, err := r.ListProcessed(ctx, "authors")
				require.NoError(t, err)
				assert.Len(t, got, 16)
			})
		})
	}
}

func TestSQLiteRegistry_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "etl_state.db")

	r, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	rec := processed("authors/a.gz", "h1")
	rec.ProcessedAt = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, r.RecordSuccess(ctx, rec))
	require.NoError(t, r.Close())

	r, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	got, err := r.Lookup(ctx, "authors/a.gz")
	require.NoError(t, err)
	assert.Equal(t, rec.ProcessedAt, got.ProcessedAt)
}

func TestSQLiteRegistry_CorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl_state.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o644))

	_, err := OpenSQLite(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSQLiteRegistry_ClosedStoreErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	r, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "etl_state.db"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	err = r.Delete(ctx, "authors/a.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete authors/a.gz")

	_, err = r.Stats(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processed stats")
}
