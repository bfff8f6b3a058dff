package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/metrics"
	"github.com/agentic-research/strata/internal/registry"
	billy "github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options tune one run.
type Options struct {
	Entities []string
	Workers  int
	Layout   Layout
	// Force reconverts UNCHANGED files.
	Force bool
	// Sweep enables the reclaimer's untracked-output pass.
	Sweep bool
	// Generation tags the run in logs (from the run lock).
	Generation uint64
}

// EntitySummary counts one entity type's work in a run.
type EntitySummary struct {
	Entity     string `json:"entity"`
	New        int    `json:"new"`
	Changed    int    `json:"changed"`
	Unchanged  int    `json:"unchanged"`
	Deleted    int    `json:"deleted"`
	Unreadable int    `json:"unreadable"`
	Retried    int    `json:"retried"`
	Converted  int    `json:"converted"`
	Failed     int    `json:"failed"`
	Records    int64  `json:"records"`
	Reclaimed  int    `json:"reclaimed"`
	Scanned    int    `json:"orphans_scanned"`
}

// Summary is the outcome of Run.
type Summary struct {
	RunID      string
	Generation uint64
	Started    time.Time
	Duration   time.Duration
	Entities   []*EntitySummary
	// Failures lists the paths that failed in this run.
	Failures      []string
	ReclaimErrors *multierror.Error
	Cumulative    registry.Stats
}

func (s *Summary) total(f func(*EntitySummary) int) int {
	n := 0
	for _, e := range s.Entities {
		n += f(e)
	}
	return n
}

func (s *Summary) Discovered() int {
	return s.total(func(e *EntitySummary) int { return e.New + e.Changed + e.Unchanged + e.Unreadable })
}
func (s *Summary) Converted() int { return s.total(func(e *EntitySummary) int { return e.Converted }) }
func (s *Summary) Skipped() int   { return s.total(func(e *EntitySummary) int { return e.Unchanged }) }
func (s *Summary) Failed() int    { return s.total(func(e *EntitySummary) int { return e.Failed }) }
func (s *Summary) Reclaimed() int { return s.total(func(e *EntitySummary) int { return e.Reclaimed }) }

// Success reports whether every discovered file is now converted.
func (s *Summary) Success() bool { return s.Failed() == 0 }

// RunStats renders the summary as the stats file payload.
func (s *Summary) RunStats() metrics.RunStats {
	rs := metrics.RunStats{
		RunID:           s.RunID,
		Success:         s.Success(),
		FilesProcessed:  s.Converted(),
		FilesSkipped:    s.Skipped(),
		FilesFailed:     s.Failed(),
		DurationSeconds: int64(s.Duration.Seconds()),
		RecordsAdded:    s.Cumulative.TotalRecords(),
		OrphansRemoved:  s.Reclaimed(),
		OrphansScanned:  s.total(func(e *EntitySummary) int { return e.Scanned }),
		EntityStats:     make(map[string]metrics.EntityCount, len(s.Cumulative.Processed)),
		Timestamp:       s.Started.Add(s.Duration).UTC(),
	}
	for entity, st := range s.Cumulative.Processed {
		rs.EntityStats[entity] = metrics.EntityCount{Files: st.Files, Records: st.Records}
	}
	return rs
}

// Engine runs one invocation: scan every entity type, convert NEW and
// CHANGED files with a bounded worker pool, then reclaim orphans. The
// phases never overlap.
type Engine struct {
	In       billy.Filesystem
	Out      billy.Filesystem
	Registry registry.Registry
	Ruleset  *api.Ruleset
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
	Options  Options
}

func NewEngine(in, out billy.Filesystem, reg registry.Registry, rs *api.Ruleset, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{
		In:       in,
		Out:      out,
		Registry: reg,
		Ruleset:  rs,
		Metrics:  metrics.New(),
		Log:      logrus.StandardLogger(),
		Options:  opts,
	}
}

// CheckRoot verifies the input root exists before any work starts.
func CheckRoot(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInputRootMissing, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInputRootMissing, dir)
	}
	return nil
}

// Run executes the full cycle. Per-file conversion errors are recorded and
// counted, never returned. The returned error is structural: registry
// failure, environment fault, or cancellation.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		RunID:      uuid.NewString(),
		Generation: e.Options.Generation,
		Started:    time.Now(),
	}
	log := e.Log.WithFields(logrus.Fields{"run_id": sum.RunID, "generation": sum.Generation})
	log.WithFields(logrus.Fields{"entities": len(e.Options.Entities), "workers": e.Options.Workers}).Info("run started")

	work, err := e.scan(ctx, sum, log)
	if err != nil {
		return sum, err
	}
	if err := e.convert(ctx, sum, work, log); err != nil {
		return sum, err
	}
	if err := e.reclaim(ctx, sum, log); err != nil {
		return sum, err
	}

	st, err := e.Registry.Stats(ctx)
	if err != nil {
		return sum, fmt.Errorf("registry stats: %w", err)
	}
	sum.Cumulative = st
	sum.Duration = time.Since(sum.Started)
	sort.Strings(sum.Failures)
	e.Metrics.Finish(sum.Duration, time.Now())

	log.WithFields(logrus.Fields{
		"discovered": sum.Discovered(),
		"converted":  sum.Converted(),
		"skipped":    sum.Skipped(),
		"failed":     sum.Failed(),
		"reclaimed":  sum.Reclaimed(),
		"took":       sum.Duration.Round(time.Millisecond),
	}).Info("run finished")
	return sum, nil
}

func (e *Engine) scan(ctx context.Context, sum *Summary, log logrus.FieldLogger) ([]Item, error) {
	sc := &Scanner{FS: e.In, Registry: e.Registry, Layout: e.Options.Layout, Force: e.Options.Force, Log: log}

	var work []Item
	for _, entity := range e.Options.Entities {
		es := &EntitySummary{Entity: entity}
		sum.Entities = append(sum.Entities, es)

		err := sc.Scan(ctx, entity, func(it Item) error {
			switch it.Class {
			case ClassNew:
				es.New++
				if it.Retry != nil {
					es.Retried++
				}
				work = append(work, it)
			case ClassChanged:
				es.Changed++
				work = append(work, it)
			case ClassUnchanged:
				es.Unchanged++
				e.Metrics.File(entity, metrics.OutcomeSkipped)
			case ClassDeleted:
				es.Deleted++
			case ClassUnreadable:
				es.Unreadable++
				es.Failed++
				sum.Failures = append(sum.Failures, it.Path)
				e.Metrics.File(entity, metrics.OutcomeFailed)
				f, err := e.Registry.RecordFailure(ctx, it.Path, entity, it.Err.Error())
				if err != nil {
					return fmt.Errorf("record failure %s: %w", it.Path, err)
				}
				log.WithError(it.Err).WithFields(logrus.Fields{"path": it.Path, "retry_count": f.RetryCount}).Error("unreadable input")
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"entity":    entity,
			"new":       es.New,
			"changed":   es.Changed,
			"unchanged": es.Unchanged,
			"deleted":   es.Deleted,
			"retried":   es.Retried,
		}).Info("scanned")
	}
	return work, nil
}

func (e *Engine) convert(ctx context.Context, sum *Summary, work []Item, log logrus.FieldLogger) error {
	if len(work) == 0 {
		return nil
	}
	conv := &Converter{In: e.In, Out: e.Out, Registry: e.Registry, Ruleset: e.Ruleset, Log: log}
	byEntity := make(map[string]*EntitySummary, len(sum.Entities))
	for _, es := range sum.Entities {
		byEntity[es.Entity] = es
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Options.Workers)
	for _, it := range work {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := conv.Convert(gctx, it)
			mu.Lock()
			defer mu.Unlock()
			es := byEntity[it.Entity]
			var ce *ConversionError
			switch {
			case err == nil:
				es.Converted++
				es.Records += res.Records
				e.Metrics.Converted(it.Entity, res.Records, res.Size, res.Took)
				return nil
			case errors.As(err, &ce) && gctx.Err() == nil:
				es.Failed++
				sum.Failures = append(sum.Failures, it.Path)
				e.Metrics.File(it.Entity, metrics.OutcomeFailed)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// A parent cancellation may stop submission without any worker failing.
	return ctx.Err()
}

func (e *Engine) reclaim(ctx context.Context, sum *Summary, log logrus.FieldLogger) error {
	rc := &Reclaimer{In: e.In, Out: e.Out, Registry: e.Registry, Layout: e.Options.Layout, Sweep: e.Options.Sweep, Log: log}
	for _, es := range sum.Entities {
		rep, err := rc.Reclaim(ctx, es.Entity)
		if err != nil {
			return err
		}
		es.Reclaimed = rep.Removed
		es.Scanned = rep.Scanned
		e.Metrics.Reclaimed(es.Entity, rep.Removed)
		if rep.Errors != nil {
			for _, rerr := range rep.Errors.Errors {
				log.WithError(rerr).WithField("entity", es.Entity).Warn("reclamation skipped a file")
			}
			sum.ReclaimErrors = multierror.Append(sum.ReclaimErrors, rep.Errors.Errors...)
		}
	}
	return nil
}
