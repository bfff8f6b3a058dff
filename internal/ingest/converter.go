package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sync"
	"time"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/normalize"
	"github.com/agentic-research/strata/internal/registry"
	billy "github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"
)

// Result describes one successful conversion.
type Result struct {
	Path        string
	OutputPath  string // empty when the input held no records
	Fingerprint string
	Records     int64
	Size        int64
	Took        time.Duration
}

// Converter turns one JSONL.gz input file into one parquet output file at
// the mirrored path and records the outcome in the registry. Output files
// appear atomically: rows go to a temp file in the target directory that is
// renamed into place only after the footer is written.
type Converter struct {
	In       billy.Filesystem
	Out      billy.Filesystem
	Registry registry.Registry
	Ruleset  *api.Ruleset
	Log      logrus.FieldLogger

	mu    sync.Mutex
	norms map[string]*normalize.Normalizer
}

func (c *Converter) normalizer(entity string) *normalize.Normalizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.norms == nil {
		c.norms = make(map[string]*normalize.Normalizer)
	}
	n, ok := c.norms[entity]
	if !ok {
		n = normalize.NewNormalizer(c.Ruleset, entity)
		c.norms[entity] = n
	}
	return n
}

// Convert processes item and updates the registry. A *ConversionError is
// returned after the failure was recorded; the batch continues. Any other
// error (environment fault, cancellation, registry failure) is not
// recorded and must end the run.
func (c *Converter) Convert(ctx context.Context, item Item) (Result, error) {
	log := c.logger().WithFields(logrus.Fields{"path": item.Path, "entity": item.Entity, "partition": item.Partition})

	res, err := c.convert(ctx, item)
	if err != nil {
		var ce *ConversionError
		if !errors.As(err, &ce) || ctx.Err() != nil {
			return res, err
		}
		f, rerr := c.Registry.RecordFailure(ctx, item.Path, item.Entity, err.Error())
		if rerr != nil {
			return res, fmt.Errorf("record failure %s: %w", item.Path, rerr)
		}
		log.WithError(err).WithField("retry_count", f.RetryCount).Error("conversion failed")
		return res, err
	}

	if err := c.Registry.RecordSuccess(ctx, registry.Processed{
		Path:        item.Path,
		Fingerprint: res.Fingerprint,
		Entity:      item.Entity,
		FileSize:    res.Size,
		RecordCount: res.Records,
		OutputPath:  res.OutputPath,
	}); err != nil {
		return res, fmt.Errorf("record success %s: %w", item.Path, err)
	}
	log.WithFields(logrus.Fields{
		"records": res.Records,
		"output":  res.OutputPath,
		"took":    res.Took.Round(time.Millisecond),
	}).Info("converted")
	return res, nil
}

// convert reads the input twice: the first pass resolves one physical type
// per column, the second writes rows. Both passes hash the raw bytes; a
// mismatch means the file changed underneath and nothing is published.
func (c *Converter) convert(ctx context.Context, item Item) (Result, error) {
	start := time.Now()
	norm := c.normalizer(item.Entity)
	res := Result{Path: item.Path}

	shape := normalize.NewShape()
	fp, size, records, err := c.pass(ctx, item.Path, func(rec map[string]normalize.Value) error {
		return shape.ObserveRecord(rec)
	}, norm)
	if err != nil {
		return res, err
	}
	res.Fingerprint, res.Size, res.Records = fp, size, records

	outRel := OutputPath(item.Path)
	cols := shape.Columns()
	if records == 0 || len(cols) == 0 {
		// Nothing to publish; drop any output left from an earlier version.
		// Records without fields hold no rows a reader could see.
		res.Records = 0
		if err := c.Out.Remove(outRel); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, asOutputError("remove", outRel, err)
		}
		res.Took = time.Since(start)
		return res, nil
	}

	if err := c.Out.MkdirAll(path.Dir(outRel), 0o755); err != nil {
		return res, asOutputError("mkdir", path.Dir(outRel), err)
	}
	tmp, err := c.Out.TempFile(path.Dir(outRel), tempPrefix)
	if err != nil {
		return res, asOutputError("create temp", outRel, err)
	}
	// Some filesystems report only the base name.
	tmpRel := path.Join(path.Dir(outRel), path.Base(tmp.Name()))
	published := false
	defer func() {
		if !published {
			_ = tmp.Close()
			_ = c.Out.Remove(tmpRel)
		}
	}()

	cw := newColumnarWriter(tmp, cols, map[string]string{
		"strata.source":      item.Path,
		"strata.fingerprint": fp,
	})
	fp2, _, _, err := c.pass(ctx, item.Path, cw.Write, norm)
	if err != nil {
		return res, err
	}
	if fp2 != fp {
		return res, &ConversionError{Path: item.Path, Err: errors.New("input changed during conversion")}
	}
	if err := cw.Close(); err != nil {
		return res, asOutputError("write", outRel, err)
	}
	if err := tmp.Close(); err != nil {
		return res, asOutputError("close", outRel, err)
	}
	// TempFile creates 0600; outputs are read by other users.
	if ch, ok := c.Out.(billy.Chmod); ok {
		if err := ch.Chmod(tmpRel, 0o644); err != nil {
			return res, asOutputError("chmod", outRel, err)
		}
	}
	if err := c.Out.Rename(tmpRel, outRel); err != nil {
		return res, asOutputError("rename", outRel, err)
	}
	published = true

	res.OutputPath = outRel
	res.Took = time.Since(start)
	return res, nil
}

// pass streams every record of the input through the normalizer into fn.
func (c *Converter) pass(ctx context.Context, rel string, fn func(map[string]normalize.Value) error, norm *normalize.Normalizer) (string, int64, int64, error) {
	r, err := openRecords(c.In, rel)
	if err != nil {
		return "", 0, 0, err
	}
	defer func() { _ = r.Close() }()

	var n int64
	for {
		if n%rowBatch == 0 {
			if err := ctx.Err(); err != nil {
				return "", 0, n, err
			}
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, n, err
		}
		if err := fn(norm.Record(rec)); err != nil {
			var se *normalize.ShapeError
			if errors.As(err, &se) {
				return "", 0, n, &ConversionError{Path: rel, Line: r.Line(), Err: err}
			}
			return "", 0, n, asOutputError("write", OutputPath(rel), err)
		}
		n++
	}

	fp, size, err := r.Finish()
	return fp, size, n, err
}

func (c *Converter) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}
