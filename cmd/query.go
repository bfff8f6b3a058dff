package cmd

import (
	"fmt"

	"github.com/agentic-research/strata/internal/view"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var (
	queryLimit    int
	queryVersions bool
	querySQL      bool
	queryCount    bool
)

func init() {
	f := queryCmd.Flags()
	f.IntVarP(&queryLimit, "limit", "n", 20, "Maximum rows when no id is given (0 = all)")
	f.BoolVar(&queryVersions, "versions", false, "Show every stored version of each id, newest first")
	f.BoolVar(&querySQL, "sql", false, "Print the view definition instead of rows")
	f.BoolVar(&queryCount, "count", false, "Print the number of current rows")
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(viewsCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query <entity> [id...]",
	Short: "Read the current state of an entity type, one row per id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(false)
		if err != nil {
			return err
		}
		defer e.Close()
		if _, err := entitiesArg(e.cfg, args[:1]); err != nil {
			return err
		}
		entity, ids := args[0], args[1:]

		v, err := view.Open(e.cfg.TargetDir, e.rs)
		if err != nil {
			return err
		}
		defer func() { _ = v.Close() }()
		v.Log = e.log
		ctx := cmd.Context()

		switch {
		case querySQL:
			q, err := v.SQL(ctx, entity)
			if err != nil {
				return err
			}
			fmt.Println(q)
			return nil
		case queryCount:
			n, err := v.Count(ctx, entity)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		}

		var rows []map[string]any
		if len(ids) == 0 {
			rows, err = v.Query(ctx, entity, queryLimit)
			if err != nil {
				return err
			}
		}
		for _, id := range ids {
			var got []map[string]any
			if queryVersions {
				got, err = v.Versions(ctx, entity, id)
			} else {
				got, err = v.Current(ctx, entity, id)
			}
			if err != nil {
				return err
			}
			if len(got) == 0 {
				e.log.WithField("id", id).Warn("not found")
			}
			rows = append(rows, got...)
		}

		opts := &ojg.Options{Sort: true, HTMLUnsafe: true}
		for _, row := range rows {
			fmt.Println(oj.JSON(row, opts))
		}
		return nil
	},
}

var viewsCmd = &cobra.Command{
	Use:   "views [entity...]",
	Short: "Write the deduplicating views into the persistent view database",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(true)
		if err != nil {
			return err
		}
		defer e.Close()
		entities, err := entitiesArg(e.cfg, args)
		if err != nil {
			return err
		}

		v, err := view.Open(e.cfg.TargetDir, e.rs)
		if err != nil {
			return err
		}
		defer func() { _ = v.Close() }()
		v.Log = e.log

		written, err := v.Materialize(cmd.Context(), e.cfg.ViewsDB, entities)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d views to %s: %v\n", len(written), e.cfg.ViewsDB, written)
		return nil
	},
}
