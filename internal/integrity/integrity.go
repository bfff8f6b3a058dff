// Package integrity compares the input tree with the output tree.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentic-research/strata/internal/ingest"
	"github.com/agentic-research/strata/internal/registry"
	"github.com/dustin/go-humanize"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// listLimit caps the paths printed per entity and category.
const listLimit = 5

// EntityCheck is the comparison for one entity type.
type EntityCheck struct {
	Entity  string
	Sources int
	Outputs int
	// Empty counts sources converted without an output (no records).
	Empty       int
	Orphans     []string // outputs with no source
	Missing     []string // sources with no output
	SourceBytes int64
	OutputBytes int64
}

// Mismatched reports whether the file counts disagree.
func (e EntityCheck) Mismatched() bool {
	return e.Sources-e.Empty != e.Outputs
}

// Result is a full integrity check.
type Result struct {
	Entities []EntityCheck
}

func (r Result) sum(f func(EntityCheck) int) int {
	n := 0
	for _, e := range r.Entities {
		n += f(e)
	}
	return n
}

func (r Result) Orphans() int { return r.sum(func(e EntityCheck) int { return len(e.Orphans) }) }
func (r Result) Missing() int { return r.sum(func(e EntityCheck) int { return len(e.Missing) }) }

func (r Result) Mismatched() int {
	return r.sum(func(e EntityCheck) int {
		if e.Mismatched() {
			return 1
		}
		return 0
	})
}

func (r Result) SourceBytes() int64 {
	var n int64
	for _, e := range r.Entities {
		n += e.SourceBytes
	}
	return n
}

func (r Result) OutputBytes() int64 {
	var n int64
	for _, e := range r.Entities {
		n += e.OutputBytes
	}
	return n
}

// CompressionRatio is source bytes over output bytes, 0 without outputs.
func (r Result) CompressionRatio() float64 {
	if r.OutputBytes() == 0 {
		return 0
	}
	return float64(r.SourceBytes()) / float64(r.OutputBytes())
}

// OK reports whether the output tree is safe to query. Missing outputs
// only mean a run is pending; orphans can surface deleted entities.
func (r Result) OK() bool {
	return r.Orphans() == 0
}

// Checker walks both trees.
type Checker struct {
	In     billy.Filesystem
	Out    billy.Filesystem
	Layout ingest.Layout
	// Registry, when set, lets sources converted to zero records count
	// as complete.
	Registry registry.Registry
}

func (c *Checker) Check(ctx context.Context, entities []string) (Result, error) {
	var res Result
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ec, err := c.checkEntity(ctx, entity)
		if err != nil {
			return res, err
		}
		if ec.Sources == 0 && ec.Outputs == 0 {
			continue
		}
		res.Entities = append(res.Entities, ec)
	}
	return res, nil
}

func (c *Checker) checkEntity(ctx context.Context, entity string) (EntityCheck, error) {
	ec := EntityCheck{Entity: entity}

	empty := make(map[string]bool)
	if c.Registry != nil {
		processed, err := c.Registry.ListProcessed(ctx, entity)
		if err != nil {
			return ec, err
		}
		for _, p := range processed {
			if p.OutputPath == "" {
				empty[p.Path] = true
			}
		}
	}

	expected := make(map[string]bool)
	var sources []string
	err := walkFiles(c.In, entity, func(rel string, info os.FileInfo) {
		if !c.Layout.Match(strings.TrimPrefix(rel, entity+"/")) || ingest.IsTemp(rel) {
			return
		}
		ec.Sources++
		ec.SourceBytes += info.Size()
		sources = append(sources, rel)
		expected[ingest.OutputPath(rel)] = true
	})
	if err != nil {
		return ec, fmt.Errorf("list %s sources: %w", entity, err)
	}

	present := make(map[string]bool)
	err = walkFiles(c.Out, entity, func(rel string, info os.FileInfo) {
		if !ingest.IsOutput(rel) {
			return
		}
		ec.Outputs++
		ec.OutputBytes += info.Size()
		present[rel] = true
		if !expected[rel] {
			ec.Orphans = append(ec.Orphans, rel)
		}
	})
	if err != nil {
		return ec, fmt.Errorf("list %s outputs: %w", entity, err)
	}

	for _, src := range sources {
		switch {
		case present[ingest.OutputPath(src)]:
		case empty[src]:
			ec.Empty++
		default:
			ec.Missing = append(ec.Missing, src)
		}
	}
	sort.Strings(ec.Orphans)
	sort.Strings(ec.Missing)
	return ec, nil
}

func walkFiles(fsys billy.Filesystem, root string, fn func(rel string, info os.FileInfo)) error {
	return util.Walk(fsys, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if filepath.ToSlash(p) == root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			fn(filepath.ToSlash(p), info)
		}
		return nil
	})
}

// Render prints the check as a report.
func (r Result) Render(w io.Writer) {
	fmt.Fprintf(w, "%-15s %12s %12s  %s\n", "ENTITY", "SOURCES", "OUTPUTS", "STATUS")
	for _, e := range r.Entities {
		status := "ok"
		switch {
		case e.Outputs > e.Sources-e.Empty:
			status = "extra outputs"
		case e.Mismatched():
			status = "missing outputs"
		}
		fmt.Fprintf(w, "%-15s %12d %12d  %s\n", e.Entity, e.Sources, e.Outputs, status)
	}

	for _, e := range r.Entities {
		printPaths(w, e.Entity+" orphans", e.Orphans)
		printPaths(w, e.Entity+" missing", e.Missing)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "source data:  %s\n", humanize.IBytes(uint64(r.SourceBytes())))
	fmt.Fprintf(w, "output data:  %s\n", humanize.IBytes(uint64(r.OutputBytes())))
	if ratio := r.CompressionRatio(); ratio > 0 {
		fmt.Fprintf(w, "ratio:        %.2fx\n", ratio)
	}
	fmt.Fprintf(w, "orphans: %d  missing: %d  mismatched entities: %d\n", r.Orphans(), r.Missing(), r.Mismatched())
}

func printPaths(w io.Writer, label string, paths []string) {
	if len(paths) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d):\n", label, len(paths))
	for i, p := range paths {
		if i == listLimit {
			fmt.Fprintf(w, "  ... and %d more\n", len(paths)-listLimit)
			break
		}
		fmt.Fprintf(w, "  %s\n", p)
	}
}
