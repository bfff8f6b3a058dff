// Package config holds the narrow configuration surface of the engine: a
// handful of well-known paths, the entity list and the worker bound.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	// DefaultFile is the config file looked up under the project root.
	DefaultFile    = "config/etl.hcl"
	DefaultWorkers = 4
)

// EntityTypes is the default corpus layout: one top-level input directory each.
var EntityTypes = []string{
	"authors",
	"concepts",
	"domains",
	"fields",
	"funders",
	"institutions",
	"publishers",
	"sources",
	"subfields",
	"topics",
	"works",
}

// Config is decoded from HCL. Relative paths resolve against Root.
type Config struct {
	Root string

	SourceDir    string   `hcl:"source_dir,optional"`
	TargetDir    string   `hcl:"target_dir,optional"`
	StateDB      string   `hcl:"state_db,optional"`
	Ruleset      string   `hcl:"ruleset,optional"`
	LogDir       string   `hcl:"log_dir,optional"`
	Workers      int      `hcl:"workers,optional"`
	EntityTypes  []string `hcl:"entity_types,optional"`
	InputPattern string   `hcl:"input_pattern,optional"`
	PartitionKey string   `hcl:"partition_key,optional"`
	LogLevel     string   `hcl:"log_level,optional"`
	LogFormat    string   `hcl:"log_format,optional"`
	// SweepUntracked enables the reclaimer's pass over output files the
	// registry does not know about. Nil means true.
	SweepUntracked *bool  `hcl:"sweep_untracked,optional"`
	MetricsFile    string `hcl:"metrics_file,optional"`
	StatsFile      string `hcl:"stats_file,optional"`
	ViewsDB        string `hcl:"views_db,optional"`
}

// Default returns the built-in configuration rooted at root.
func Default(root string) Config {
	c := Config{Root: root}
	c.applyDefaults()
	c.resolve()
	return c
}

// Load reads the HCL file at path (DefaultFile under root when empty).
// A missing default file yields the defaults; a missing explicit file is an error.
func Load(root, path string) (Config, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("resolve root: %w", err)
	}

	c := Config{Root: abs}
	explicit := path != ""
	if !explicit {
		path = filepath.Join(abs, DefaultFile)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(abs, path)
	}

	if err := hclsimple.DecodeFile(path, nil, &c); err != nil {
		if _, statErr := os.Stat(path); explicit || !errors.Is(statErr, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	c.Root = abs
	c.applyDefaults()
	c.resolve()
	return c, c.Validate()
}

func (c *Config) applyDefaults() {
	if c.SourceDir == "" {
		c.SourceDir = filepath.Join("data", "source")
	}
	if c.TargetDir == "" {
		c.TargetDir = filepath.Join("data", "parquet")
	}
	if c.StateDB == "" {
		c.StateDB = filepath.Join("state", "etl_state.db")
	}
	if c.Ruleset == "" {
		c.Ruleset = filepath.Join("config", "schema_normalization.json")
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if len(c.EntityTypes) == 0 {
		c.EntityTypes = append([]string(nil), EntityTypes...)
	}
	if c.InputPattern == "" {
		c.InputPattern = "**/*.gz"
	}
	if c.PartitionKey == "" {
		c.PartitionKey = "updated_date"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.SweepUntracked == nil {
		t := true
		c.SweepUntracked = &t
	}
	if c.MetricsFile == "" {
		c.MetricsFile = filepath.Join(c.LogDir, "etl_metrics.prom")
	}
	if c.StatsFile == "" {
		c.StatsFile = filepath.Join(c.LogDir, "etl_stats.json")
	}
	if c.ViewsDB == "" {
		c.ViewsDB = filepath.Join("state", "views.duckdb")
	}
}

func (c *Config) resolve() {
	for _, p := range []*string{
		&c.SourceDir, &c.TargetDir, &c.StateDB, &c.Ruleset, &c.LogDir,
		&c.MetricsFile, &c.StatsFile, &c.ViewsDB,
	} {
		*p = c.Path(*p)
	}
}

// Path resolves p against the project root.
func (c Config) Path(p string) string {
	if filepath.IsAbs(p) || c.Root == "" {
		return p
	}
	return filepath.Join(c.Root, p)
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if len(c.EntityTypes) == 0 {
		return errors.New("entity_types is empty")
	}
	seen := make(map[string]bool, len(c.EntityTypes))
	for _, e := range c.EntityTypes {
		if e == "" || e != filepath.Base(e) {
			return fmt.Errorf("invalid entity type %q", e)
		}
		if seen[e] {
			return fmt.Errorf("entity type %q listed twice", e)
		}
		seen[e] = true
	}
	if !doublestar.ValidatePattern(c.InputPattern) {
		return fmt.Errorf("invalid input_pattern %q", c.InputPattern)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Sweep reports whether untracked output files are reclaimed.
func (c Config) Sweep() bool {
	return c.SweepUntracked == nil || *c.SweepUntracked
}

// LockPath is the run lock beside the state store.
func (c Config) LockPath() string {
	return filepath.Join(filepath.Dir(c.StateDB), "etl.lock")
}

// ProcessLog is the log file every run appends to.
func (c Config) ProcessLog() string {
	return filepath.Join(c.LogDir, "etl_process.log")
}

// ErrorLog receives error-level entries only.
func (c Config) ErrorLog() string {
	return filepath.Join(c.LogDir, "etl_errors.log")
}

// SchemaReport is where schema drift analysis is written.
func (c Config) SchemaReport() string {
	return filepath.Join(c.LogDir, "schema_analysis.json")
}
