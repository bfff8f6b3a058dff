package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/agentic-research/strata/internal/ingest"
	"github.com/agentic-research/strata/internal/integrity"
	"github.com/agentic-research/strata/internal/registry"
	"github.com/agentic-research/strata/internal/schema"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
)

var errOrphans = errors.New("orphan outputs found; run strata to reclaim them")

var schemaSample int

func init() {
	schemaCmd.Flags().IntVar(&schemaSample, "sample", schema.DefaultSample, "Output files read per entity type")
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(schemaCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check [entity...]",
	Short: "Compare the input and output trees",
	Long: `Reports outputs without an input (orphans), inputs without an output,
per-entity file counts and storage usage. Exits non-zero on orphans.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(false)
		if err != nil {
			return err
		}
		defer e.Close()
		entities, err := entitiesArg(e.cfg, args)
		if err != nil {
			return err
		}
		if err := ingest.CheckRoot(e.cfg.SourceDir); err != nil {
			return err
		}

		c := &integrity.Checker{
			In:     osfs.New(e.cfg.SourceDir),
			Out:    osfs.New(e.cfg.TargetDir),
			Layout: ingest.Layout{Pattern: e.cfg.InputPattern, PartitionKey: e.cfg.PartitionKey},
		}
		if _, err := os.Stat(e.cfg.StateDB); err == nil {
			reg, err := registry.OpenSQLite(cmd.Context(), e.cfg.StateDB)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()
			c.Registry = reg
		}

		res, err := c.Check(cmd.Context(), entities)
		if err != nil {
			return err
		}
		res.Render(os.Stdout)
		if !res.OK() {
			return errOrphans
		}
		if res.Missing() > 0 {
			fmt.Println("\nSome inputs are not converted yet; run strata.")
		}
		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema [entity...]",
	Short: "Report columns whose physical type differs across output files",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(false)
		if err != nil {
			return err
		}
		defer e.Close()
		entities, err := entitiesArg(e.cfg, args)
		if err != nil {
			return err
		}

		a := &schema.Analyzer{FS: osfs.New(e.cfg.TargetDir), Sample: schemaSample, Log: e.log}
		rep, err := a.AnalyzeAll(cmd.Context(), entities)
		if err != nil {
			return err
		}
		if err := schema.WriteReport(e.cfg.SchemaReport(), rep); err != nil {
			return err
		}

		for _, entity := range entities {
			er := rep[entity]
			if er.Error != "" {
				fmt.Printf("%-15s %s\n", entity, er.Error)
				continue
			}
			fmt.Printf("%-15s %d/%d files, %d columns, %d conflicts\n",
				entity, er.AnalyzedFiles, er.TotalFiles, er.TotalColumns, er.ColumnsWithConflicts)
			for col, c := range er.Conflicts {
				fmt.Printf("    %s: %v\n", col, c.Types)
			}
		}
		if conflicting := rep.Conflicting(); len(conflicting) > 0 {
			fmt.Printf("\nAdd drifting columns to %s for: %v\n", e.cfg.Ruleset, conflicting)
		}
		fmt.Printf("Report written to %s\n", e.cfg.SchemaReport())
		return nil
	},
}
