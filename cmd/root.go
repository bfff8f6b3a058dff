package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/config"
	"github.com/agentic-research/strata/internal/logging"
	"github.com/agentic-research/strata/internal/normalize"
	"github.com/spf13/cobra"
)

var (
	rootDir    string
	configPath string
	workers    int
	logLevel   string
	logFormat  string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootDir, "root", ".", "Project root; relative config paths resolve against it")
	pf.StringVarP(&configPath, "config", "c", "", "Config file (default <root>/"+config.DefaultFile+")")
	pf.IntVarP(&workers, "workers", "w", 0, "Parallel conversions (overrides config)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")
}

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata: incremental JSONL.gz to parquet conversion with a deduplicating view",
	Long: `Strata converts a mirrored tree of gzip-compressed JSON Lines files into a
mirrored tree of parquet files, reprocessing only what changed since the
last run and reclaiming outputs whose inputs were deleted.

Run without a subcommand to execute one full cycle.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCycle(cmd, false)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every command needs: configuration, logger and ruleset.
type env struct {
	cfg config.Config
	log *logging.Logger
	rs  *api.Ruleset
}

func (e *env) Close() {
	_ = e.log.Close()
}

// setup loads configuration, applies flag overrides and opens the logs.
// fileLogs is false for read-only commands so they leave the run logs alone.
func setup(fileLogs bool) (*env, error) {
	cfg, err := config.Load(rootDir, configPath)
	if err != nil {
		return nil, err
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}
	if fileLogs {
		opts.ProcessLog = cfg.ProcessLog()
		opts.ErrorLog = cfg.ErrorLog()
	}
	log, err := logging.New(opts)
	if err != nil {
		return nil, err
	}

	rs, err := normalize.LoadRuleset(cfg.Ruleset)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.WithField("path", cfg.Ruleset).Warn("no normalization ruleset; fields pass through unchanged")
		rs = &api.Ruleset{}
	case err != nil:
		_ = log.Close()
		return nil, fmt.Errorf("ruleset: %w", err)
	}
	return &env{cfg: cfg, log: log, rs: rs}, nil
}

// entitiesArg restricts the configured entity types to args, if any.
func entitiesArg(cfg config.Config, args []string) ([]string, error) {
	if len(args) == 0 {
		return cfg.EntityTypes, nil
	}
	known := make(map[string]bool, len(cfg.EntityTypes))
	for _, e := range cfg.EntityTypes {
		known[e] = true
	}
	for _, a := range args {
		if !known[a] {
			return nil, fmt.Errorf("unknown entity type %q", a)
		}
	}
	return args, nil
}
