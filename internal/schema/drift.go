// Package schema reports physical type drift across the output files of
// each entity type: columns that one file stores as BIGINT and another as
// VARCHAR will not union cleanly and belong in the normalization ruleset.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/strata/internal/ingest"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

// DefaultSample is the number of files read per entity type.
const DefaultSample = 30

// examplesPerType caps the file paths listed per conflicting type.
const examplesPerType = 2

// Conflict lists the types one column takes across files.
type Conflict struct {
	Types    []string            `json:"types"`
	Examples map[string][]string `json:"examples"`
}

// EntityReport is the drift analysis of one entity type.
type EntityReport struct {
	Error                string              `json:"error,omitempty"`
	TotalFiles           int                 `json:"total_files"`
	AnalyzedFiles        int                 `json:"analyzed_files"`
	TotalColumns         int                 `json:"total_columns"`
	ColumnsWithConflicts int                 `json:"columns_with_conflicts"`
	Conflicts            map[string]Conflict `json:"conflicts"`
	AllColumns           map[string][]string `json:"all_columns"`
	Unreadable           []string            `json:"unreadable,omitempty"`
}

// Report maps entity type to its analysis.
type Report map[string]*EntityReport

// Conflicting returns the entity types with at least one drifting column.
func (r Report) Conflicting() []string {
	var out []string
	for entity, er := range r {
		if er.ColumnsWithConflicts > 0 {
			out = append(out, entity)
		}
	}
	sort.Strings(out)
	return out
}

// Analyzer samples output files and compares their column types.
type Analyzer struct {
	FS     billy.Filesystem
	Sample int
	Log    logrus.FieldLogger
}

// AnalyzeAll runs Analyze for every entity type.
func (a *Analyzer) AnalyzeAll(ctx context.Context, entities []string) (Report, error) {
	rep := make(Report, len(entities))
	for _, entity := range entities {
		er, err := a.Analyze(ctx, entity)
		if err != nil {
			return rep, err
		}
		rep[entity] = er
	}
	return rep, nil
}

// Analyze reads the schema of up to Sample evenly spaced output files of
// entity. A missing or empty entity directory is reported, not returned.
func (a *Analyzer) Analyze(ctx context.Context, entity string) (*EntityReport, error) {
	files, err := a.outputs(entity)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return &EntityReport{Error: "no parquet files found"}, nil
	}

	n := a.Sample
	if n <= 0 {
		n = DefaultSample
	}
	sampled := Sample(files, n)

	// column -> type -> sampled file indices
	seen := make(map[string]map[string]*roaring.Bitmap)
	er := &EntityReport{TotalFiles: len(files)}
	for i, rel := range sampled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cols, err := a.readSchema(rel)
		if err != nil {
			a.logger().WithError(err).WithField("path", rel).Warn("unreadable output file")
			er.Unreadable = append(er.Unreadable, rel)
			continue
		}
		er.AnalyzedFiles++
		for _, c := range cols {
			byType, ok := seen[c.Name]
			if !ok {
				byType = make(map[string]*roaring.Bitmap)
				seen[c.Name] = byType
			}
			bm, ok := byType[c.Type]
			if !ok {
				bm = roaring.New()
				byType[c.Type] = bm
			}
			bm.Add(uint32(i))
		}
	}

	er.TotalColumns = len(seen)
	er.Conflicts = make(map[string]Conflict)
	er.AllColumns = make(map[string][]string, len(seen))
	for name, byType := range seen {
		types := make([]string, 0, len(byType))
		for t := range byType {
			types = append(types, t)
		}
		sort.Strings(types)
		er.AllColumns[name] = types
		if len(types) < 2 {
			continue
		}
		c := Conflict{Types: types, Examples: make(map[string][]string, len(types))}
		for _, t := range types {
			it := byType[t].Iterator()
			for it.HasNext() && len(c.Examples[t]) < examplesPerType {
				c.Examples[t] = append(c.Examples[t], sampled[it.Next()])
			}
		}
		er.Conflicts[name] = c
	}
	er.ColumnsWithConflicts = len(er.Conflicts)

	a.logger().WithFields(logrus.Fields{
		"entity":    entity,
		"files":     er.TotalFiles,
		"analyzed":  er.AnalyzedFiles,
		"columns":   er.TotalColumns,
		"conflicts": er.ColumnsWithConflicts,
	}).Info("schema analyzed")
	return er, nil
}

// Sample picks at most n files at an even stride, starting with the first.
func Sample(files []string, n int) []string {
	if len(files) <= n {
		return files
	}
	step := len(files) / n
	out := make([]string, 0, n)
	for i := 0; i < len(files) && len(out) < n; i += step {
		out = append(out, files[i])
	}
	return out
}

func (a *Analyzer) outputs(entity string) ([]string, error) {
	var files []string
	err := util.Walk(a.FS, entity, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if filepath.ToSlash(p) == entity && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel := filepath.ToSlash(p)
		if !info.IsDir() && ingest.IsOutput(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s outputs: %w", entity, err)
	}
	sort.Strings(files)
	return files, nil
}

func (a *Analyzer) readSchema(rel string) ([]ingest.Column, error) {
	f, err := a.FS.Open(rel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	info, err := a.FS.Stat(rel)
	if err != nil {
		return nil, err
	}
	cols, _, err := ingest.ReadSchema(f, info.Size())
	return cols, err
}

func (a *Analyzer) logger() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}

// WriteReport stores the report as indented JSON.
func WriteReport(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
