package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EntityCount is the cumulative size of one entity type.
type EntityCount struct {
	Files   int   `json:"files"`
	Records int64 `json:"records"`
}

// RunStats is the machine-readable run summary consumed by the
// notification collaborator.
type RunStats struct {
	RunID           string                 `json:"run_id"`
	Success         bool                   `json:"success"`
	FilesProcessed  int                    `json:"files_processed"`
	FilesSkipped    int                    `json:"files_skipped"`
	FilesFailed     int                    `json:"files_failed"`
	DurationSeconds int64                  `json:"duration_seconds"`
	RecordsAdded    int64                  `json:"records_added"`
	OrphansRemoved  int                    `json:"orphans_removed"`
	OrphansScanned  int                    `json:"orphans_scanned"`
	EntityStats     map[string]EntityCount `json:"entity_stats"`
	Timestamp       time.Time              `json:"timestamp"`
}

// WriteStats replaces the stats file atomically.
func WriteStats(path string, s RunStats) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir stats dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stats-*")
	if err != nil {
		return fmt.Errorf("create stats temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }() // no-op after rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write stats: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close stats: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// ReadStats loads a stats file written by WriteStats.
func ReadStats(path string) (RunStats, error) {
	var s RunStats
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse stats %s: %w", path, err)
	}
	return s, nil
}
