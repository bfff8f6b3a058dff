// Package view exposes the converted output tree as one current row per
// logical entity. Files may hold several physical versions of an entity;
// the view keeps the most recently updated one. Nothing here writes to
// the output tree.
package view

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentic-research/strata/api"
	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/sirupsen/logrus"
)

// ErrNoData means the entity type has no output files yet.
var ErrNoData = errors.New("no converted data")

// fileColumn carries each row's source file through the dedup window.
const fileColumn = "__strata_file"

// View evaluates queries with an in-memory DuckDB over the output tree.
type View struct {
	OutDir  string
	Ruleset *api.Ruleset
	Log     logrus.FieldLogger

	db *sql.DB
}

// Open starts an in-memory DuckDB for querying outDir.
func Open(outDir string, rs *api.Ruleset) (*View, error) {
	abs, err := filepath.Abs(outDir)
	if err != nil {
		return nil, err
	}
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb connector: %w", err)
	}
	return &View{
		OutDir:  abs,
		Ruleset: rs,
		Log:     logrus.StandardLogger(),
		db:      sql.OpenDB(connector),
	}, nil
}

func (v *View) Close() error {
	return v.db.Close()
}

// glob is the wildcard covering every output file of the entity type.
func (v *View) glob(entity string) string {
	return filepath.ToSlash(filepath.Join(v.OutDir, entity)) + "/**/*.parquet"
}

// hasFiles reports whether any finished output exists for entity.
func (v *View) hasFiles(entity string) (bool, error) {
	found := false
	err := filepath.WalkDir(filepath.Join(v.OutDir, entity), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && p == filepath.Join(v.OutDir, entity) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}

// source is the union-by-name scan over all output files of entity.
// Partition directories look like hive keys; they must not shadow the
// record's own columns.
func (v *View) source(entity string) string {
	return fmt.Sprintf("read_parquet(%s, union_by_name = true, hive_partitioning = false, filename = %s)",
		quoteLiteral(v.glob(entity)), quoteLiteral(fileColumn))
}

// columns lists the union schema of the entity's output files.
func (v *View) columns(ctx context.Context, entity string) (map[string]bool, error) {
	rows, err := v.db.QueryContext(ctx, "SELECT column_name FROM (DESCRIBE SELECT * FROM "+v.source(entity)+")")
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", entity, err)
	}
	defer func() { _ = rows.Close() }()
	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// SQL returns the statement defining the current-state relation of entity.
//
// Versions of one id are ordered by the updated field descending (nulls
// last), then by source file name descending, so a timestamp tie resolves
// to the file from the latest partition. The order depends only on the
// file set, so repeated reads agree.
func (v *View) SQL(ctx context.Context, entity string) (string, error) {
	ok, err := v.hasFiles(entity)
	if err != nil {
		return "", fmt.Errorf("list %s outputs: %w", entity, err)
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", entity, ErrNoData)
	}

	rules := v.Ruleset.Rules(entity)
	if !rules.Deduplicated() {
		return fmt.Sprintf("SELECT * EXCLUDE (%s) FROM %s", quoteIdent(fileColumn), v.source(entity)), nil
	}

	cols, err := v.columns(ctx, entity)
	if err != nil {
		return "", err
	}
	if !cols[rules.IDField] {
		return "", fmt.Errorf("%s: id field %q not present in outputs", entity, rules.IDField)
	}
	order := quoteIdent(fileColumn) + " DESC"
	if cols[rules.UpdatedField] {
		order = quoteIdent(rules.UpdatedField) + " DESC NULLS LAST, " + order
	} else {
		v.logger().WithFields(logrus.Fields{"entity": entity, "field": rules.UpdatedField}).
			Warn("updated field missing; latest file wins")
	}
	return fmt.Sprintf(
		"SELECT * EXCLUDE (%s) FROM %s QUALIFY row_number() OVER (PARTITION BY %s ORDER BY %s) = 1",
		quoteIdent(fileColumn), v.source(entity), quoteIdent(rules.IDField), order,
	), nil
}

// Query returns the current rows of entity ordered by id. limit <= 0 means all.
func (v *View) Query(ctx context.Context, entity string, limit int) ([]map[string]any, error) {
	q, err := v.SQL(ctx, entity)
	if err != nil {
		return nil, err
	}
	rules := v.Ruleset.Rules(entity)
	stmt := fmt.Sprintf("SELECT * FROM (%s) ORDER BY %s", q, quoteIdent(rules.IDField))
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	return v.collect(ctx, stmt)
}

// Current returns the current row for one id. A bypassed entity may return
// several rows.
func (v *View) Current(ctx context.Context, entity, id string) ([]map[string]any, error) {
	q, err := v.SQL(ctx, entity)
	if err != nil {
		return nil, err
	}
	rules := v.Ruleset.Rules(entity)
	stmt := fmt.Sprintf("SELECT * FROM (%s) WHERE CAST(%s AS VARCHAR) = ?", q, quoteIdent(rules.IDField))
	return v.collect(ctx, stmt, id)
}

// Versions returns every physical row stored for id, newest first, with
// the source file of each.
func (v *View) Versions(ctx context.Context, entity, id string) ([]map[string]any, error) {
	ok, err := v.hasFiles(entity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", entity, ErrNoData)
	}
	rules := v.Ruleset.Rules(entity)
	cols, err := v.columns(ctx, entity)
	if err != nil {
		return nil, err
	}
	order := quoteIdent(fileColumn) + " DESC"
	if cols[rules.UpdatedField] {
		order = quoteIdent(rules.UpdatedField) + " DESC NULLS LAST, " + order
	}
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE CAST(%s AS VARCHAR) = ? ORDER BY %s",
		v.source(entity), quoteIdent(rules.IDField), order)
	return v.collect(ctx, stmt, id)
}

// Count returns the number of rows in the current-state relation.
func (v *View) Count(ctx context.Context, entity string) (int64, error) {
	q, err := v.SQL(ctx, entity)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := v.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+q+")").Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

func (v *View) collect(ctx context.Context, stmt string, args ...any) ([]map[string]any, error) {
	rows, err := v.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(map[string]any, len(names))
		for i, n := range names {
			if vals[i] != nil {
				rec[n] = vals[i]
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (v *View) logger() logrus.FieldLogger {
	if v.Log == nil {
		return logrus.StandardLogger()
	}
	return v.Log
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
