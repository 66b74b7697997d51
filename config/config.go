// Package config loads sysds's daemon configuration: where Main/Ext shared
// memory and the coordination lock file live, their initial sizes, and the
// Main lock timeout. Precedence (highest wins): built-in defaults, the
// global user config, the project config file (or, when one is given, an
// explicit config file in its place), then CLI flag overrides (grounded in
// the teacher's deleted root config.go's layering).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

var (
	ErrConfigFileNotFound = errors.New("config: file not found")
	ErrConfigFileRead     = errors.New("config: could not read file")
	ErrConfigInvalid      = errors.New("config: invalid")
	ErrRunDirEmpty        = errors.New("config: run_dir must not be empty")
)

// ConfigFileName is the default project config file name, looked for in
// the working directory.
const ConfigFileName = ".sysds.json"

// Config is sysds's daemon configuration.
type Config struct {
	// RunDir holds main.shm, ext.shm, and main.lock. Defaults to
	// /var/run/sysds or $XDG_RUNTIME_DIR/sysds when unset.
	RunDir string `json:"run_dir"` //nolint:tagliatelle // snake_case for config file

	MainInitialSizeBytes int `json:"main_initial_size_bytes,omitempty"` //nolint:tagliatelle
	ExtInitialSizeBytes  int `json:"ext_initial_size_bytes,omitempty"`  //nolint:tagliatelle

	LockTimeoutMillis int `json:"lock_timeout_millis,omitempty"` //nolint:tagliatelle
}

// Sources tracks which config files were loaded, for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RunDir:               defaultRunDir(),
		MainInitialSizeBytes: 64 * 1024,
		ExtInitialSizeBytes:  256 * 1024,
		LockTimeoutMillis:    5000,
	}
}

func defaultRunDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "sysds")
	}

	return filepath.Join(string(filepath.Separator), "var", "run", "sysds")
}

func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "sysds", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sysds", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "sysds", "config.json")
}

// Load resolves Config with the documented precedence. workDir is where a
// project config file (ConfigFileName) is looked for; configPath, if
// non-empty, names an explicit config file that must exist; overrides is
// applied last, field by field, for every non-zero field it sets.
func Load(workDir, configPath string, overrides Config, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadOptional(globalConfigPath(env))
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectPath := configPath
	mustExist := configPath != ""

	if projectPath == "" {
		projectPath = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(workDir, projectPath)
	}

	var projectCfg Config

	if mustExist {
		if _, err := os.Stat(projectPath); err != nil {
			return Config{}, Sources{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}

		projectCfg, err = loadFile(projectPath)
	} else {
		projectCfg, projectPath, err = loadOptional(projectPath)
	}

	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)
	cfg = merge(cfg, overrides)

	if err := validate(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

// loadOptional loads path if it exists, returning a zero Config and empty
// path (no error) if it does not.
func loadOptional(path string) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	cfg, err := loadFile(path)
	if err != nil {
		if errors.Is(err, ErrConfigFileNotFound) {
			return Config{}, "", nil
		}

		return Config{}, "", err
	}

	return cfg, path, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled, not request input
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, ErrConfigFileNotFound
		}

		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.RunDir != "" {
		base.RunDir = overlay.RunDir
	}

	if overlay.MainInitialSizeBytes != 0 {
		base.MainInitialSizeBytes = overlay.MainInitialSizeBytes
	}

	if overlay.ExtInitialSizeBytes != 0 {
		base.ExtInitialSizeBytes = overlay.ExtInitialSizeBytes
	}

	if overlay.LockTimeoutMillis != 0 {
		base.LockTimeoutMillis = overlay.LockTimeoutMillis
	}

	return base
}

func validate(cfg Config) error {
	if cfg.RunDir == "" {
		return ErrRunDirEmpty
	}

	return nil
}

// LockTimeout returns LockTimeoutMillis as a time.Duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// MainPath, ExtPath, and LockPath are the three files a Store needs,
// derived from RunDir.
func (c Config) MainPath() string { return filepath.Join(c.RunDir, "main.shm") }
func (c Config) ExtPath() string  { return filepath.Join(c.RunDir, "ext.shm") }
func (c Config) LockPath() string { return filepath.Join(c.RunDir, "main.lock") }

// Format returns cfg as formatted JSON, for `sysdsctl config` diagnostics.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: formatting: %w", err)
	}

	return string(data), nil
}
