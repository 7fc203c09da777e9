// Package config loads the release pipeline configuration.
//
// Values are resolved in three layers, each overriding the previous one:
//
//  1. Defaults (Default)
//  2. The repository config file: .release.yml, .release.yaml or
//     .release.jsonc in the repository root, or the file named by --config
//  3. RELEASE_* environment variables
//
// The environment layer makes every setting overridable from CI without
// editing the committed config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// DefaultFileNames are searched, in order, in the repository root when no
// config file is given explicitly.
var DefaultFileNames = []string{".release.yml", ".release.yaml", ".release.jsonc"}

// Config is the complete pipeline configuration.
type Config struct {
	// ManifestPath is the manifest holding the version declaration,
	// relative to the repository root.
	ManifestPath string `yaml:"manifest" json:"manifest" env:"RELEASE_MANIFEST"`

	// TagPrefix prefixes versions in release tags.
	TagPrefix string `yaml:"tagPrefix" json:"tagPrefix" env:"RELEASE_TAG_PREFIX"`

	// StateDir holds the run database and the verification logs. A
	// relative path is resolved against the repository root.
	StateDir string `yaml:"stateDir" json:"stateDir" env:"RELEASE_STATE_DIR"`

	Analyzer  AnalyzerConfig  `yaml:"analyzer" json:"analyzer"`
	Verify    VerifyConfig    `yaml:"verify" json:"verify"`
	GitHub    GitHubConfig    `yaml:"github" json:"github"`
	Registry  RegistryConfig  `yaml:"registry" json:"registry"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts" json:"timeouts"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// AnalyzerConfig configures the external commit analyzer.
type AnalyzerConfig struct {
	// Command is the analyzer command line. It receives the commit log as
	// JSON on stdin and prints its decision as JSON on stdout.
	Command []string `yaml:"command" json:"command" env:"RELEASE_ANALYZER_COMMAND" envSeparator:" "`
}

// VerifyConfig configures the verification stage.
type VerifyConfig struct {
	// Script is run with `sh -lc` in the work tree.
	Script string `yaml:"script" json:"script" env:"RELEASE_VERIFY_SCRIPT"`

	// Image runs the script inside this container image instead of on the
	// host. Empty means run on the host.
	Image string `yaml:"image" json:"image" env:"RELEASE_VERIFY_IMAGE"`

	// Pull pulls Image before every run.
	Pull bool `yaml:"pull" json:"pull" env:"RELEASE_VERIFY_PULL"`

	// Env holds extra KEY=VALUE entries for the script.
	Env []string `yaml:"env" json:"env" env:"RELEASE_VERIFY_ENV" envSeparator:","`
}

// GitHubConfig configures the source-control release.
type GitHubConfig struct {
	// Repo is OWNER/REPO. Empty means the repository gh infers from the
	// work tree.
	Repo string `yaml:"repo" json:"repo" env:"RELEASE_GITHUB_REPO"`
}

// RegistryConfig configures the package registry publish.
type RegistryConfig struct {
	// Command is the publish command line.
	Command []string `yaml:"command" json:"command" env:"RELEASE_REGISTRY_COMMAND" envSeparator:" "`

	// TokenEnv names the variable the publish command reads its token from.
	TokenEnv string `yaml:"tokenEnv" json:"tokenEnv" env:"RELEASE_REGISTRY_TOKEN_ENV"`

	// Token is only read from the environment; it never belongs in a
	// committed file.
	Token string `yaml:"-" json:"-" env:"RELEASE_REGISTRY_TOKEN"`
}

// TimeoutsConfig bounds each stage. Zero disables the limit.
type TimeoutsConfig struct {
	DryRun          Duration `yaml:"dryRun" json:"dryRun" env:"RELEASE_TIMEOUT_DRY_RUN"`
	Verify          Duration `yaml:"verify" json:"verify" env:"RELEASE_TIMEOUT_VERIFY"`
	PublishVCS      Duration `yaml:"publishVcs" json:"publishVcs" env:"RELEASE_TIMEOUT_PUBLISH_VCS"`
	PublishRegistry Duration `yaml:"publishRegistry" json:"publishRegistry" env:"RELEASE_TIMEOUT_PUBLISH_REGISTRY"`
}

// TelemetryConfig configures OpenTelemetry tracing. Tracing is off unless
// Endpoint is set.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"RELEASE_OTEL_ENDPOINT"`
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"RELEASE_OTEL_ENABLED"`
}

// Duration is a time.Duration written as a Go duration string ("15m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler, which yaml.v3,
// encoding/json and env all honour.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration for a Rust crate released
// to GitHub and crates.io.
func Default() *Config {
	return &Config{
		ManifestPath: "Cargo.toml",
		TagPrefix:    "v",
		StateDir:     ".release",
		Verify: VerifyConfig{
			Script: "cargo test --all-features",
		},
		Registry: RegistryConfig{
			Command:  []string{"cargo", "publish", "--allow-dirty"},
			TokenEnv: "CARGO_REGISTRY_TOKEN",
		},
		Timeouts: TimeoutsConfig{
			DryRun:          Duration(2 * time.Minute),
			Verify:          Duration(30 * time.Minute),
			PublishVCS:      Duration(2 * time.Minute),
			PublishRegistry: Duration(10 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// Load resolves the configuration for the repository at repoRoot.
//
// When path is empty, the first of DefaultFileNames present in repoRoot
// is used, and a missing file is not an error. When path is set, the file
// must exist. The file format follows the extension: .json and .jsonc
// are parsed as JSONC, everything else as YAML.
func Load(repoRoot, path string) (*Config, error) {
	cfg := Default()

	// Step 1: Locate the config file.
	file := path
	if file == "" {
		for _, name := range DefaultFileNames {
			candidate := filepath.Join(repoRoot, name)
			if _, err := os.Stat(candidate); err == nil {
				file = candidate
				break
			}
		}
	}

	// Step 2: Overlay the file on the defaults.
	if file != "" {
		if err := loadFile(file, cfg); err != nil {
			return nil, err
		}
	}

	// Step 3: Overlay the environment.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes the config file at path into cfg. Keys missing from
// the file keep their current value.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// Comments and trailing commas are allowed, as in devcontainer.json.
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ManifestPath) == "" {
		return fmt.Errorf("config: manifest path is required")
	}
	if filepath.IsAbs(c.ManifestPath) {
		return fmt.Errorf("config: manifest path %q must be relative to the repository root", c.ManifestPath)
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("config: state directory is required")
	}
	if len(c.Registry.Command) == 0 {
		return fmt.Errorf("config: registry command is required")
	}
	for name, d := range map[string]Duration{
		"dryRun":          c.Timeouts.DryRun,
		"verify":          c.Timeouts.Verify,
		"publishVcs":      c.Timeouts.PublishVCS,
		"publishRegistry": c.Timeouts.PublishRegistry,
	} {
		if d < 0 {
			return fmt.Errorf("config: timeouts.%s must not be negative", name)
		}
	}
	return nil
}

// ResolveStateDir returns StateDir as an absolute path.
func (c *Config) ResolveStateDir(repoRoot string) string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(repoRoot, c.StateDir)
}

// DatabasePath is the SQLite run store inside the state directory.
func (c *Config) DatabasePath(repoRoot string) string {
	return filepath.Join(c.ResolveStateDir(repoRoot), "runs.db")
}

// LogDir is the directory of the verification logs.
func (c *Config) LogDir(repoRoot string) string {
	return filepath.Join(c.ResolveStateDir(repoRoot), "logs")
}

// RegistryEnv returns the environment for the registry command.
func (c *Config) RegistryEnv() map[string]string {
	if c.Registry.Token == "" || c.Registry.TokenEnv == "" {
		return nil
	}
	return map[string]string{c.Registry.TokenEnv: c.Registry.Token}
}
