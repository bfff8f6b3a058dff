package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentic-research/strata/internal/control"
	"github.com/agentic-research/strata/internal/ingest"
	"github.com/agentic-research/strata/internal/metrics"
	"github.com/agentic-research/strata/internal/registry"
	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var force bool

func init() {
	runCmd.Flags().BoolVar(&force, "force", false, "Reconvert files even when unchanged")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan, convert changed files and reclaim orphans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCycle(cmd, force)
	},
}

// runCycle executes one invocation. File-level failures leave the exit
// status at zero; they are in the registry and the stats file.
func runCycle(cmd *cobra.Command, force bool) error {
	e, err := setup(true)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, log := e.cfg, e.log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ingest.CheckRoot(cfg.SourceDir); err != nil {
		log.WithError(err).Error("cannot start run")
		return err
	}

	lock, err := control.Acquire(cfg.LockPath())
	if err != nil {
		log.WithError(err).Error("cannot start run")
		return err
	}
	defer func() { _ = lock.Release() }()

	reg, err := registry.OpenSQLite(ctx, cfg.StateDB)
	if err != nil {
		log.WithError(err).WithField("path", cfg.StateDB).Error("state store unavailable")
		return err
	}
	defer func() { _ = reg.Close() }()
	log.WithFields(logrus.Fields{
		"lock":       lock.Path(),
		"generation": lock.Generation(),
		"state_db":   reg.Path(),
	}).Debug("state opened")

	if err := os.MkdirAll(cfg.TargetDir, 0o755); err != nil {
		return fmt.Errorf("output root: %w", err)
	}

	eng := ingest.NewEngine(osfs.New(cfg.SourceDir), osfs.New(cfg.TargetDir), reg, e.rs, ingest.Options{
		Entities:   cfg.EntityTypes,
		Workers:    cfg.Workers,
		Layout:     ingest.Layout{Pattern: cfg.InputPattern, PartitionKey: cfg.PartitionKey},
		Force:      force,
		Sweep:      cfg.Sweep(),
		Generation: lock.Generation(),
	})
	eng.Log = log

	sum, runErr := eng.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("run aborted")
		sum.Duration = time.Since(sum.Started)
	}
	stats := sum.RunStats()
	if runErr != nil {
		stats.Success = false
	}
	writeRunOutputs(cfg.StatsFile, cfg.MetricsFile, stats, eng.Metrics, log)
	if runErr != nil {
		return runErr
	}

	printSummary(sum)
	return nil
}

func writeRunOutputs(statsFile, metricsFile string, stats metrics.RunStats, m *metrics.Metrics, log logrus.FieldLogger) {
	if err := metrics.WriteStats(statsFile, stats); err != nil {
		log.WithError(err).WithField("path", statsFile).Warn("could not write run stats")
	}
	if err := m.WriteTextfile(metricsFile); err != nil {
		log.WithError(err).WithField("path", metricsFile).Warn("could not write metrics")
	}
}

func printSummary(sum *ingest.Summary) {
	fmt.Printf("Run %s (generation %d) finished in %v.\n", sum.RunID, sum.Generation, sum.Duration.Round(time.Millisecond))
	fmt.Printf("%-15s %6s %8s %9s %8s %7s %9s\n", "ENTITY", "NEW", "CHANGED", "UNCHANGED", "DELETED", "FAILED", "RECLAIMED")
	for _, es := range sum.Entities {
		fmt.Printf("%-15s %6d %8d %9d %8d %7d %9d\n",
			es.Entity, es.New, es.Changed, es.Unchanged, es.Deleted, es.Failed, es.Reclaimed)
	}
	fmt.Printf("\nConverted %d files (%s records), skipped %d, failed %d.\n",
		sum.Converted(), humanize.Comma(sumRecords(sum)), sum.Skipped(), sum.Failed())
	fmt.Printf("Total: %s records in %s files.\n",
		humanize.Comma(sum.Cumulative.TotalRecords()), humanize.Comma(int64(totalFiles(sum.Cumulative))))
	if sum.Failed() > 0 {
		fmt.Println("Run `strata failed` for details.")
	}
}

func sumRecords(sum *ingest.Summary) int64 {
	var n int64
	for _, es := range sum.Entities {
		n += es.Records
	}
	return n
}

func totalFiles(st registry.Stats) int {
	n := 0
	for _, es := range st.Processed {
		n += es.Files
	}
	return n
}

// openState acquires the run lock and opens the registry for commands
// that mutate state outside a run.
func openState(ctx context.Context, e *env) (*control.Lock, *registry.SQLiteRegistry, error) {
	lock, err := control.Acquire(e.cfg.LockPath())
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.OpenSQLite(ctx, e.cfg.StateDB)
	if err != nil {
		_ = lock.Release()
		return nil, nil, err
	}
	return lock, reg, nil
}
