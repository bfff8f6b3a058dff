package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentic-research/strata/internal/registry"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Report summarizes one entity's reclamation.
type Report struct {
	Entity  string
	Scanned int
	Removed int // output files deleted
	Kept    int
	Temps   int // stale temp files deleted
	// Errors are per-file faults: logged, skipped and retried next run.
	Errors *multierror.Error
}

// Reclaimer deletes output files whose input no longer exists, along with
// their registry records. It must run after the conversion pass of the
// same invocation, never concurrently with it.
type Reclaimer struct {
	In       billy.Filesystem
	Out      billy.Filesystem
	Registry registry.Registry
	Layout   Layout
	// Sweep also removes output files the registry does not know about and
	// stale temp files.
	Sweep bool
	Log   logrus.FieldLogger
}

// Reclaim runs every pass for entity. The returned error is a registry
// failure; file-level problems are collected in Report.Errors.
func (r *Reclaimer) Reclaim(ctx context.Context, entity string) (Report, error) {
	rep := Report{Entity: entity}
	log := r.logger().WithField("entity", entity)

	if err := r.reclaimProcessed(ctx, entity, &rep); err != nil {
		return rep, err
	}
	if err := r.reclaimFailed(ctx, entity, &rep); err != nil {
		return rep, err
	}
	if r.Sweep {
		r.sweep(ctx, entity, &rep)
	}

	if rep.Removed > 0 || rep.Temps > 0 || rep.Errors.ErrorOrNil() != nil {
		log.WithFields(logrus.Fields{
			"scanned": rep.Scanned,
			"removed": rep.Removed,
			"temps":   rep.Temps,
			"errors":  errorCount(rep.Errors),
		}).Info("reclaimed orphan outputs")
	}
	return rep, nil
}

func (r *Reclaimer) reclaimProcessed(ctx context.Context, entity string, rep *Report) error {
	records, err := r.Registry.ListProcessed(ctx, entity)
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", entity, err)
	}
	for _, p := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Scanned++
		gone, err := r.inputGone(p.Path)
		if err != nil {
			rep.Errors = multierror.Append(rep.Errors, err)
			continue
		}
		if !gone {
			rep.Kept++
			continue
		}
		if p.OutputPath != "" {
			removed, err := r.remove(p.OutputPath)
			if err != nil {
				rep.Errors = multierror.Append(rep.Errors, err)
				continue
			}
			if removed {
				rep.Removed++
			}
		}
		if err := r.Registry.Delete(ctx, p.Path); err != nil {
			return fmt.Errorf("delete record %s: %w", p.Path, err)
		}
		r.logger().WithFields(logrus.Fields{"path": p.Path, "output": p.OutputPath}).Info("removed orphan")
	}
	return nil
}

func (r *Reclaimer) reclaimFailed(ctx context.Context, entity string, rep *Report) error {
	failed, err := r.Registry.ListFailed(ctx, entity)
	if err != nil {
		return fmt.Errorf("reclaim failed %s: %w", entity, err)
	}
	for _, f := range failed {
		gone, err := r.inputGone(f.Path)
		if err != nil {
			rep.Errors = multierror.Append(rep.Errors, err)
			continue
		}
		if !gone {
			continue
		}
		// A failed retry keeps the last good output; it is stale now.
		removed, err := r.remove(OutputPath(f.Path))
		if err != nil {
			rep.Errors = multierror.Append(rep.Errors, err)
			continue
		}
		if removed {
			rep.Removed++
		}
		if err := r.Registry.Delete(ctx, f.Path); err != nil {
			return fmt.Errorf("delete failed record %s: %w", f.Path, err)
		}
	}
	return nil
}

// sweep removes output files with no current input and stale temp files.
func (r *Reclaimer) sweep(ctx context.Context, entity string, rep *Report) {
	expected := make(map[string]struct{})
	blind := false
	err := util.Walk(r.In, entity, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if filepath.ToSlash(p) == entity && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			blind = true
			return err
		}
		rel := filepath.ToSlash(p)
		if !info.IsDir() && r.Layout.Match(strings.TrimPrefix(rel, entity+"/")) {
			expected[OutputPath(rel)] = struct{}{}
		}
		return nil
	})
	if err != nil || blind {
		// Without a complete input listing every output would look orphaned.
		rep.Errors = multierror.Append(rep.Errors, fmt.Errorf("sweep %s: list inputs: %w", entity, err))
		return
	}

	var outputs, temps []string
	err = util.Walk(r.Out, entity, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if filepath.ToSlash(p) == entity && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			rep.Errors = multierror.Append(rep.Errors, fmt.Errorf("sweep %s: %w", p, err))
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel := filepath.ToSlash(p)
		switch {
		case IsTemp(rel):
			temps = append(temps, rel)
		case IsOutput(rel):
			outputs = append(outputs, rel)
		}
		return nil
	})
	if err != nil {
		rep.Errors = multierror.Append(rep.Errors, fmt.Errorf("sweep %s: %w", entity, err))
		return
	}

	for _, rel := range temps {
		if _, err := r.remove(rel); err != nil {
			rep.Errors = multierror.Append(rep.Errors, err)
			continue
		}
		rep.Temps++
	}
	for _, rel := range outputs {
		if ctx.Err() != nil {
			return
		}
		rep.Scanned++
		if _, ok := expected[rel]; ok {
			continue
		}
		removed, err := r.remove(rel)
		if err != nil {
			rep.Errors = multierror.Append(rep.Errors, err)
			continue
		}
		if removed {
			rep.Removed++
			r.logger().WithField("output", rel).Info("removed untracked output")
		}
	}
}

func (r *Reclaimer) inputGone(rel string) (bool, error) {
	_, err := r.In.Lstat(rel)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, fs.ErrNotExist):
		return true, nil
	}
	return false, fmt.Errorf("stat input %s: %w", rel, err)
}

// remove deletes an output file, reporting whether it existed.
func (r *Reclaimer) remove(rel string) (bool, error) {
	err := r.Out.Remove(rel)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("remove output %s: %w", rel, err)
}

func (r *Reclaimer) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

func errorCount(e *multierror.Error) int {
	if e == nil {
		return 0
	}
	return len(e.Errors)
}
