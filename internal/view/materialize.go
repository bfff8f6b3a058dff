package view

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/sirupsen/logrus"
)

// Materialize writes one view per entity type into a persistent DuckDB
// database so the query collaborator can read current state by name.
// Entity types without output files are skipped and dropped from the
// database. It returns the names of the views written.
func (v *View) Materialize(ctx context.Context, dbPath string, entities []string) ([]string, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	connector, err := duckdb.NewConnector(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	db := sql.OpenDB(connector)
	defer func() { _ = db.Close() }()

	var written []string
	for _, entity := range entities {
		q, err := v.SQL(ctx, entity)
		if errors.Is(err, ErrNoData) {
			if _, err := db.ExecContext(ctx, "DROP VIEW IF EXISTS "+quoteIdent(entity)); err != nil {
				return written, fmt.Errorf("drop view %s: %w", entity, err)
			}
			continue
		}
		if err != nil {
			return written, err
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", quoteIdent(entity), q)); err != nil {
			return written, fmt.Errorf("create view %s: %w", entity, err)
		}
		rules := v.Ruleset.Rules(entity)
		fields := logrus.Fields{"entity": entity, "deduplicated": rules.Deduplicated()}
		if !rules.Deduplicated() {
			fields["bypass_reason"] = rules.BypassReason
		}
		v.logger().WithFields(fields).Info("view written")
		written = append(written, entity)
	}
	return written, nil
}
