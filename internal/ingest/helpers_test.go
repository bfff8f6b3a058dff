package ingest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testLayout = Layout{Pattern: "**/*.gz", PartitionKey: "updated_date"}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTrees() (billy.Filesystem, billy.Filesystem) {
	return memfs.New(), memfs.New()
}

// writeInput writes lines as a gzip-compressed JSONL file.
func writeInput(t *testing.T, fsys billy.Filesystem, rel string, lines ...string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, l := range lines {
		_, err := zw.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, util.WriteFile(fsys, rel, buf.Bytes(), 0o644))
}

func readOutput(t *testing.T, fsys billy.Filesystem, rel string) []map[string]any {
	t.Helper()
	info, err := fsys.Stat(rel)
	require.NoError(t, err)
	f, err := fsys.Open(rel)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	recs, err := ReadRecords(f, info.Size())
	require.NoError(t, err)
	return recs
}

func exists(fsys billy.Filesystem, rel string) bool {
	_, err := fsys.Stat(rel)
	return err == nil
}

// listFiles returns every regular file below dir.
func listFiles(t *testing.T, fsys billy.Filesystem, dir string) []string {
	t.Helper()
	var out []string
	err := util.Walk(fsys, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			out = append(out, filepath.ToSlash(p))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func hasTemp(paths []string) bool {
	for _, p := range paths {
		if strings.Contains(p, tempPrefix) {
			return true
		}
	}
	return false
}
