package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/agentic-research/strata/internal/metrics"
	"github.com/agentic-research/strata/internal/registry"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(failedCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cumulative registry statistics and the last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(false)
		if err != nil {
			return err
		}
		defer e.Close()

		reg, err := registry.OpenSQLite(cmd.Context(), e.cfg.StateDB)
		if err != nil {
			return err
		}
		defer func() { _ = reg.Close() }()

		st, err := reg.Stats(cmd.Context())
		if err != nil {
			return err
		}

		entities := make([]string, 0, len(st.Processed))
		for entity := range st.Processed {
			entities = append(entities, entity)
		}
		for entity := range st.Failed {
			if _, ok := st.Processed[entity]; !ok {
				entities = append(entities, entity)
			}
		}
		sort.Strings(entities)

		fmt.Printf("%-15s %8s %14s %10s %7s\n", "ENTITY", "FILES", "RECORDS", "SOURCE", "FAILED")
		var files int
		var bytes int64
		for _, entity := range entities {
			p := st.Processed[entity]
			files += p.Files
			bytes += p.SourceBytes
			fmt.Printf("%-15s %8d %14s %10s %7d\n", entity, p.Files,
				humanize.Comma(p.Records), humanize.IBytes(uint64(p.SourceBytes)), st.Failed[entity])
		}
		fmt.Printf("%-15s %8d %14s %10s\n", "total", files,
			humanize.Comma(st.TotalRecords()), humanize.IBytes(uint64(bytes)))

		last, err := metrics.ReadStats(e.cfg.StatsFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			fmt.Println("\nNo run recorded yet.")
		case err != nil:
			return err
		default:
			outcome := "succeeded"
			if !last.Success {
				outcome = "finished with failures"
			}
			fmt.Printf("\nLast run %s %s: %d converted, %d skipped, %d failed, %d orphans removed, took %v.\n",
				humanize.Time(last.Timestamp), outcome, last.FilesProcessed, last.FilesSkipped,
				last.FilesFailed, last.OrphansRemoved, time.Duration(last.DurationSeconds)*time.Second)
		}
		return nil
	},
}

var failedEntity string

func init() {
	failedCmd.Flags().StringVarP(&failedEntity, "entity", "e", "", "Only this entity type")
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List input files whose last conversion failed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(false)
		if err != nil {
			return err
		}
		defer e.Close()

		reg, err := registry.OpenSQLite(cmd.Context(), e.cfg.StateDB)
		if err != nil {
			return err
		}
		defer func() { _ = reg.Close() }()

		failed, err := reg.ListFailed(cmd.Context(), failedEntity)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			fmt.Println("No failed files.")
			return nil
		}
		for _, f := range failed {
			fmt.Printf("%s\n  entity: %s  retries: %d  last failed: %s\n  error: %s\n",
				f.Path, f.Entity, f.RetryCount, humanize.Time(f.FailedAt), f.Error)
		}
		fmt.Printf("\n%d failed files.\n", len(failed))
		return nil
	},
}
