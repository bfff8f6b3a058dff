package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "run.lock")

	l, err := Acquire(path)
	require.NoError(t, err)

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release(), "release is idempotent")

	l2, err := Acquire(path)
	require.NoError(t, err)
	defer func() { _ = l2.Release() }()
}

func TestAcquire_GenerationAdvances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	for want := uint64(1); want <= 3; want++ {
		l, err := Acquire(path)
		require.NoError(t, err)
		assert.Equal(t, want, l.Generation())
		require.NoError(t, l.Release())
	}
}

func TestAcquire_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	require.NoError(t, os.WriteFile(path, []byte("not a lock file at all"), 0o644))

	_, err := Acquire(path)
	assert.ErrorContains(t, err, "invalid magic")
}
