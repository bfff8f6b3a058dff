package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/strata/internal/registry"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

// Class is the scanner's verdict on one input path.
type Class uint8

const (
	ClassNew Class = iota
	ClassChanged
	ClassUnchanged
	ClassDeleted
	// ClassUnreadable goes straight to the failure path; it never aborts a scan.
	ClassUnreadable
)

func (c Class) String() string {
	switch c {
	case ClassNew:
		return "NEW"
	case ClassChanged:
		return "CHANGED"
	case ClassUnchanged:
		return "UNCHANGED"
	case ClassDeleted:
		return "DELETED"
	case ClassUnreadable:
		return "UNREADABLE"
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// NeedsConversion reports whether the converter must process the item.
func (c Class) NeedsConversion() bool {
	return c == ClassNew || c == ClassChanged
}

// Item is one classified input path.
type Item struct {
	Path        string // relative to the input root, slash separated
	Entity      string
	Partition   string
	Class       Class
	Fingerprint string
	Size        int64
	// Prior is the registry record for CHANGED, UNCHANGED and DELETED items.
	Prior *registry.Processed
	// Retry is the previous failure when a failed path is being retried.
	Retry *registry.Failed
	// Err is why an UNREADABLE item could not be fingerprinted.
	Err error
}

// Scanner classifies every input file of an entity type against the registry.
// Classification depends only on disk and registry state at scan time.
type Scanner struct {
	FS       billy.Filesystem
	Registry registry.Registry
	Layout   Layout
	// Force reclassifies UNCHANGED files as CHANGED.
	Force bool
	Log   logrus.FieldLogger
}

type candidate struct {
	rel       string
	partition string
	size      int64
}

// Scan walks the entity's input directory and calls fn for every file,
// oldest partition first, then for every DELETED registry record. It stops
// at the first error returned by fn or by the registry.
func (s *Scanner) Scan(ctx context.Context, entity string, fn func(Item) error) error {
	prior, err := s.Registry.ListProcessed(ctx, entity)
	if err != nil {
		return fmt.Errorf("scan %s: %w", entity, err)
	}
	index := make(map[string]int, len(prior))
	for i, p := range prior {
		index[p.Path] = i
	}

	files, dirs, unreadable, err := s.walk(entity)
	if err != nil {
		return err
	}
	if err := s.clearRecovered(ctx, entity, dirs); err != nil {
		return err
	}
	for _, item := range unreadable {
		if err := fn(item); err != nil {
			return err
		}
	}

	seen := roaring.New()
	for _, c := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := s.classify(ctx, entity, c, prior, index, seen)
		if err := fn(item); err != nil {
			return err
		}
	}

	// Registry rows beneath an unreadable directory are not known to be gone.
	var blind []string
	for _, u := range unreadable {
		blind = append(blind, u.Path+"/")
	}

	missing := roaring.Flip(seen, 0, uint64(len(prior)))
	it := missing.Iterator()
	for it.HasNext() {
		p := prior[it.Next()]
		if underAny(p.Path, blind) {
			continue
		}
		if err := fn(Item{
			Path:      p.Path,
			Entity:    entity,
			Partition: s.Layout.Partition(p.Path),
			Class:     ClassDeleted,
			Prior:     &p,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ScanAll collects Scan's items.
func (s *Scanner) ScanAll(ctx context.Context, entity string) ([]Item, error) {
	var items []Item
	err := s.Scan(ctx, entity, func(it Item) error {
		items = append(items, it)
		return nil
	})
	return items, err
}

func (s *Scanner) classify(ctx context.Context, entity string, c candidate, prior []registry.Processed, index map[string]int, seen *roaring.Bitmap) Item {
	item := Item{Path: c.rel, Entity: entity, Partition: c.partition, Size: c.size}

	if i, ok := index[c.rel]; ok {
		seen.Add(uint32(i))
		item.Prior = &prior[i]
	}

	fp, size, err := s.fingerprint(c.rel)
	if err != nil {
		item.Class = ClassUnreadable
		item.Err = err
		return item
	}
	item.Fingerprint = fp
	item.Size = size

	switch {
	case item.Prior == nil:
		item.Class = ClassNew
		if f, err := s.Registry.LookupFailed(ctx, c.rel); err == nil {
			item.Retry = &f
		}
	case item.Prior.Fingerprint != fp || s.Force:
		item.Class = ClassChanged
	default:
		item.Class = ClassUnchanged
	}
	return item
}

func (s *Scanner) fingerprint(rel string) (string, int64, error) {
	f, err := s.FS.Open(rel)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }() // read-only

	return Fingerprint(f)
}

// Fingerprint hashes the raw (compressed) bytes of an input file.
func Fingerprint(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// clearRecovered drops failure records of directories that were listed
// without error. Files have their own path to recovery through the
// converter; a directory only ever fails at scan time.
func (s *Scanner) clearRecovered(ctx context.Context, entity string, dirs map[string]bool) error {
	failed, err := s.Registry.ListFailed(ctx, entity)
	if err != nil {
		return fmt.Errorf("scan %s: %w", entity, err)
	}
	for _, f := range failed {
		if !dirs[f.Path] {
			continue
		}
		if err := s.Registry.Delete(ctx, f.Path); err != nil {
			return fmt.Errorf("clear recovered %s: %w", f.Path, err)
		}
		s.logger().WithFields(logrus.Fields{"path": f.Path, "retry_count": f.RetryCount}).Info("input directory readable again")
	}
	return nil
}

// walk lists the entity's input files sorted oldest partition first, and
// the directories it listed successfully. Paths that cannot be read come
// back as UNREADABLE items.
func (s *Scanner) walk(entity string) ([]candidate, map[string]bool, []Item, error) {
	var files []candidate
	var unreadable []Item
	dirs := make(map[string]bool)

	err := util.Walk(s.FS, entity, func(p string, info os.FileInfo, err error) error {
		rel := filepath.ToSlash(p)
		if err != nil {
			if rel == entity && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			s.logger().WithError(err).WithField("path", rel).Warn("unreadable input path")
			unreadable = append(unreadable, Item{Path: rel, Entity: entity, Class: ClassUnreadable, Err: err})
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			dirs[rel] = true
			return nil
		}
		if IsTemp(rel) {
			return nil
		}
		if !s.Layout.Match(strings.TrimPrefix(rel, entity+"/")) {
			return nil
		}
		files = append(files, candidate{rel: rel, partition: s.Layout.Partition(rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("walk %s: %w", entity, err)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].partition != files[j].partition {
			return files[i].partition < files[j].partition
		}
		return files[i].rel < files[j].rel
	})
	return files, dirs, unreadable, nil
}

func (s *Scanner) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func underAny(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if strings.HasPrefix(p, pre) {
			return true
		}
	}
	return false
}
