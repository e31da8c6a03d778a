// Package config resolves the engine's configuration through the same
// precedence chain the teacher CLI used for its own settings: flags >
// env > project config > home config > defaults. The resolved Config
// is what cmd/engctl hands to session.Open and cycle.Config; a snapshot
// of it is also what session.Open persists into .state/config.json so
// `status`/`doctor` can show an operator exactly what is in effect.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilnforge/engine/internal/types"
)

// SchemaVersion is written into every persisted config.json so a future
// engine version can detect and migrate an older sidecar layout.
const SchemaVersion = 1

// QAConfig lists the verification commands run after an agent reports
// success, before delivery.
type QAConfig struct {
	Commands []string `yaml:"commands" json:"commands"`
}

// SpindleConfig holds loop-detector settings (spec §4.4). The spindle
// package does not read them; it uses its own constants (spindle.Window,
// spindle.AbortConfidence).
type SpindleConfig struct {
	WindowSize     int     `yaml:"window_size" json:"window_size"`
	AbortThreshold float64 `yaml:"abort_threshold" json:"abort_threshold"`
	MaxRecoveries  int     `yaml:"max_recoveries" json:"max_recoveries"`
}

// AutoConfig holds the subflags of the `auto` verb (spec §6): continuous
// mode's time/cycle budget, active formula, delivery mode, parallelism,
// backend selection, and whether a docs-audit pass is interleaved.
type AutoConfig struct {
	TimeBudgetMinutes int                `yaml:"time_budget_minutes" json:"time_budget_minutes"`
	CycleBudget       int                `yaml:"cycle_budget" json:"cycle_budget"`
	Formula           string             `yaml:"formula" json:"formula"`
	DeliveryMode      types.DeliveryMode `yaml:"delivery_mode" json:"delivery_mode"`
	Parallelism       int                `yaml:"parallelism" json:"parallelism"`
	Backend           string             `yaml:"backend" json:"backend"`
	DocsAudit         bool               `yaml:"docs_audit" json:"docs_audit"`
	PullEveryNCycles  int                `yaml:"pull_every_n_cycles" json:"pull_every_n_cycles"`
}

// RetentionConfig bounds how much history the sidecar stores keep.
type RetentionConfig struct {
	MaxRuns        int `yaml:"max_runs" json:"max_runs"`
	MaxCycleDigest int `yaml:"max_cycle_digest" json:"max_cycle_digest"`
}

// SetupConfig records one-time bootstrap choices made by `init`.
type SetupConfig struct {
	Completed   bool   `yaml:"completed" json:"completed"`
	ProjectName string `yaml:"project_name" json:"project_name"`
}

// Config is the engine's fully resolved configuration.
type Config struct {
	Version        int             `yaml:"-" json:"version"`
	CreatedAt      time.Time       `yaml:"-" json:"created_at"`
	DBPath         string          `yaml:"db_path" json:"db_path"`
	AllowedRemote  string          `yaml:"allowed_remote" json:"allowed_remote"`
	ProjectAllowed []string        `yaml:"project_allowed" json:"project_allowed"`
	AlwaysDenied   []string        `yaml:"always_denied" json:"always_denied"`
	QA             QAConfig        `yaml:"qa" json:"qa"`
	Spindle        SpindleConfig   `yaml:"spindle" json:"spindle"`
	Auto           AutoConfig      `yaml:"auto" json:"auto"`
	Retention      RetentionConfig `yaml:"retention" json:"retention"`
	Setup          SetupConfig     `yaml:"setup" json:"setup"`
	CodexModel     string          `yaml:"codex_model" json:"codex_model"`
	Daemon         bool            `yaml:"daemon" json:"daemon"`
	Verbose        bool            `yaml:"verbose" json:"verbose"`
}

// EnvPrefix namespaces every environment variable the engine reads.
const EnvPrefix = "ENGCTL_"

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		Version:       SchemaVersion,
		DBPath:        ".state/state.sqlite",
		AllowedRemote: "origin",
		QA: QAConfig{
			Commands: []string{"go build ./...", "go vet ./...", "go test ./..."},
		},
		Spindle: SpindleConfig{
			WindowSize:     20,
			AbortThreshold: 0.9,
			MaxRecoveries:  3,
		},
		Auto: AutoConfig{
			TimeBudgetMinutes: 60,
			CycleBudget:       0,
			Formula:           "default",
			DeliveryMode:      types.DeliveryPR,
			Parallelism:       0,
			Backend:           "claude",
			DocsAudit:         false,
			PullEveryNCycles:  5,
		},
		Retention: RetentionConfig{
			MaxRuns:        500,
			MaxCycleDigest: 50,
		},
	}
}

// Load resolves configuration with precedence flags > env > project >
// home > defaults, mirroring the teacher's config.go layering.
func Load(repoRoot string, flagOverrides *Config) (*Config, error) {
	cfg := Default()

	if homeConfig, _ := loadFromPath(homeConfigPath()); homeConfig != nil {
		cfg = merge(cfg, homeConfig)
	}
	if projectConfig, _ := loadFromPath(projectConfigPath(repoRoot)); projectConfig != nil {
		cfg = merge(cfg, projectConfig)
	}
	cfg = applyEnv(cfg)
	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}
	return cfg, nil
}

func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".engctl", "config.yaml")
}

// projectConfigPath returns the project-level config path under
// <repoRoot>/.engctl/config.yaml, honoring an ENGCTL_CONFIG override.
func projectConfigPath(repoRoot string) string {
	if override := strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG")); override != "" {
		return override
	}
	return filepath.Join(repoRoot, ".engctl", "config.yaml")
}

func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) *Config {
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "ALLOWED_REMOTE"); v != "" {
		cfg.AllowedRemote = v
	}
	if v := os.Getenv(EnvPrefix + "VERBOSE"); v == "true" || v == "1" {
		cfg.Verbose = true
	}
	if v := os.Getenv(EnvPrefix + "AUTO_BACKEND"); v != "" {
		cfg.Auto.Backend = v
	}
	if v := os.Getenv(EnvPrefix + "AUTO_FORMULA"); v != "" {
		cfg.Auto.Formula = v
	}
	if v := os.Getenv(EnvPrefix + "AUTO_DELIVERY_MODE"); v != "" {
		cfg.Auto.DeliveryMode = types.DeliveryMode(v)
	}
	if v := os.Getenv(EnvPrefix + "AUTO_TIME_BUDGET_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auto.TimeBudgetMinutes = n
		}
	}
	if v := os.Getenv(EnvPrefix + "AUTO_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auto.Parallelism = n
		}
	}
	if v := os.Getenv(EnvPrefix + "CODEX_MODEL"); v != "" {
		cfg.CodexModel = v
	}
	if v := os.Getenv(EnvPrefix + "DAEMON"); v == "true" || v == "1" {
		cfg.Daemon = true
	}
	return cfg
}

// merge overlays non-zero fields of src onto dst, with src winning.
func merge(dst, src *Config) *Config {
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.AllowedRemote != "" {
		dst.AllowedRemote = src.AllowedRemote
	}
	if len(src.ProjectAllowed) > 0 {
		dst.ProjectAllowed = src.ProjectAllowed
	}
	if len(src.AlwaysDenied) > 0 {
		dst.AlwaysDenied = src.AlwaysDenied
	}
	if src.Verbose {
		dst.Verbose = true
	}
	if len(src.QA.Commands) > 0 {
		dst.QA.Commands = src.QA.Commands
	}
	if src.Spindle.WindowSize != 0 {
		dst.Spindle.WindowSize = src.Spindle.WindowSize
	}
	if src.Spindle.AbortThreshold != 0 {
		dst.Spindle.AbortThreshold = src.Spindle.AbortThreshold
	}
	if src.Spindle.MaxRecoveries != 0 {
		dst.Spindle.MaxRecoveries = src.Spindle.MaxRecoveries
	}
	if src.Auto.TimeBudgetMinutes != 0 {
		dst.Auto.TimeBudgetMinutes = src.Auto.TimeBudgetMinutes
	}
	if src.Auto.CycleBudget != 0 {
		dst.Auto.CycleBudget = src.Auto.CycleBudget
	}
	if src.Auto.Formula != "" {
		dst.Auto.Formula = src.Auto.Formula
	}
	if src.Auto.DeliveryMode != "" {
		dst.Auto.DeliveryMode = src.Auto.DeliveryMode
	}
	if src.Auto.Parallelism != 0 {
		dst.Auto.Parallelism = src.Auto.Parallelism
	}
	if src.Auto.Backend != "" {
		dst.Auto.Backend = src.Auto.Backend
	}
	if src.Auto.DocsAudit {
		dst.Auto.DocsAudit = true
	}
	if src.Auto.PullEveryNCycles != 0 {
		dst.Auto.PullEveryNCycles = src.Auto.PullEveryNCycles
	}
	if src.Retention.MaxRuns != 0 {
		dst.Retention.MaxRuns = src.Retention.MaxRuns
	}
	if src.Retention.MaxCycleDigest != 0 {
		dst.Retention.MaxCycleDigest = src.Retention.MaxCycleDigest
	}
	if src.CodexModel != "" {
		dst.CodexModel = src.CodexModel
	}
	if src.Daemon {
		dst.Daemon = true
	}
	return dst
}

// Source records where a resolved value came from, for `doctor`/`status`
// transparency — the same provenance-tracking idea as the teacher's
// Resolve(), narrowed to the one setting operators most often need to
// debug when a run uses an unexpected coding-agent backend.
type Source string

const (
	SourceDefault Source = "default"
	SourceHome    Source = "home config"
	SourceProject Source = "project config"
	SourceEnv     Source = "environment"
	SourceFlag    Source = "flag"
)

// Resolved is a value paired with the precedence tier that produced it.
type Resolved struct {
	Value  string `json:"value"`
	Source Source `json:"source"`
}

// ResolveBackend reports where the effective `auto` backend setting came
// from, without threading provenance tracking through the whole Config.
func ResolveBackend(repoRoot string, flag string) Resolved {
	val, src := "claude", SourceDefault
	if home, _ := loadFromPath(homeConfigPath()); home != nil && home.Auto.Backend != "" {
		val, src = home.Auto.Backend, SourceHome
	}
	if project, _ := loadFromPath(projectConfigPath(repoRoot)); project != nil && project.Auto.Backend != "" {
		val, src = project.Auto.Backend, SourceProject
	}
	if env := os.Getenv(EnvPrefix + "AUTO_BACKEND"); env != "" {
		val, src = env, SourceEnv
	}
	if flag != "" {
		val, src = flag, SourceFlag
	}
	return Resolved{Value: val, Source: src}
}
