package ingest

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	outputExt = ".parquet"
	// tempPrefix marks in-progress output files. Never matches *.parquet.
	tempPrefix = ".strata-tmp-"
)

// Layout maps input paths to entity types, partition keys and output paths.
// All paths are slash separated and relative to their tree's root:
//
//	input:  authors/updated_date=2025-01-01/part_000.gz
//	output: authors/updated_date=2025-01-01/part_000.parquet
type Layout struct {
	// Pattern selects input files below an entity directory (e.g. "**/*.gz").
	Pattern string
	// PartitionKey is the key of the key=value path segment holding the
	// partition date.
	PartitionKey string
}

// Match reports whether rel (relative to the entity directory) is an input file.
func (l Layout) Match(rel string) bool {
	ok, err := doublestar.Match(l.Pattern, rel)
	return err == nil && ok
}

// Entity returns the entity type of an input or output path.
func Entity(rel string) string {
	if i := strings.IndexByte(rel, '/'); i > 0 {
		return rel[:i]
	}
	return ""
}

// Partition extracts the partition value from the first key=value segment
// whose key is the layout's partition key, or from the first key=value
// segment of any key when none matches. Empty when the path has none.
func (l Layout) Partition(rel string) string {
	var fallback string
	for _, seg := range strings.Split(path.Dir(rel), "/") {
		k, v, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		if k == l.PartitionKey {
			return v
		}
		if fallback == "" {
			fallback = v
		}
	}
	return fallback
}

// OutputPath mirrors an input path into the output tree.
func OutputPath(rel string) string {
	base := strings.TrimSuffix(rel, ".gz")
	for _, ext := range []string{".jsonl", ".ndjson", ".json"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	return base + outputExt
}

// IsOutput reports whether name is a finished output file.
func IsOutput(name string) bool {
	return strings.HasSuffix(name, outputExt) && !IsTemp(name)
}

// IsTemp reports whether name is an in-progress output file.
func IsTemp(name string) bool {
	return strings.HasPrefix(path.Base(name), tempPrefix)
}
