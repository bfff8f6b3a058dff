// Package registry is the Hash Registry: the durable record of every input
// file's fingerprint, conversion outcome and output location.
//
// A path is in at most one of the processed and failed tables. RecordSuccess
// clears any failure for the path and RecordFailure clears any success, in
// the same transaction.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("registry: record not found")
	// ErrCorrupt means the state store failed its integrity check. Callers
	// must abort before any conversion work.
	ErrCorrupt = errors.New("registry: state store corrupt")
)

// Processed is a successful conversion of one input file.
type Processed struct {
	Path        string // input path, relative to the input root
	Fingerprint string
	Entity      string
	ProcessedAt time.Time
	FileSize    int64
	RecordCount int64
	OutputPath  string // relative to the output root
}

// Failed is the last failed conversion of one input file.
type Failed struct {
	Path       string
	Entity     string
	Error      string
	FailedAt   time.Time
	RetryCount int
}

// EntityStats aggregates processed records for one entity type.
type EntityStats struct {
	Files       int   `json:"files"`
	Records     int64 `json:"records"`
	SourceBytes int64 `json:"size_bytes"`
}

// Stats is the cumulative state of the registry.
type Stats struct {
	Processed map[string]EntityStats `json:"processed"`
	Failed    map[string]int         `json:"failed"`
}

// TotalRecords sums record counts over all entity types.
func (s Stats) TotalRecords() int64 {
	var n int64
	for _, e := range s.Processed {
		n += e.Records
	}
	return n
}

// Registry is the store handle injected into the scanner, converter and
// reclaimer. Implementations must be safe for concurrent use and must make
// every write durable before returning.
type Registry interface {
	// Lookup returns the processed record for path, or ErrNotFound.
	Lookup(ctx context.Context, path string) (Processed, error)
	// LookupFailed returns the failed record for path, or ErrNotFound.
	LookupFailed(ctx context.Context, path string) (Failed, error)
	// RecordSuccess upserts the processed record and removes any failure.
	RecordSuccess(ctx context.Context, rec Processed) error
	// RecordFailure upserts the failed record, incrementing its retry
	// counter, and removes any processed record. Output files are untouched.
	RecordFailure(ctx context.Context, path, entity, errText string) (Failed, error)
	// ListProcessed returns processed records ordered by path. An empty
	// entity lists every entity type.
	ListProcessed(ctx context.Context, entity string) ([]Processed, error)
	// ListFailed returns failed records ordered by path.
	ListFailed(ctx context.Context, entity string) ([]Failed, error)
	// Delete removes path from both tables.
	Delete(ctx context.Context, path string) error
	// Clear removes every record of an entity type and returns the count.
	Clear(ctx context.Context, entity string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
