package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	dir := t.TempDir()

	cfg, sources, err := Load(dir, "", Config{}, nil)
	require.NoError(t, err)

	want := Default()
	require.Equal(t, want.MainInitialSizeBytes, cfg.MainInitialSizeBytes)
	require.Equal(t, want.ExtInitialSizeBytes, cfg.ExtInitialSizeBytes)
	require.Equal(t, want.LockTimeoutMillis, cfg.LockTimeoutMillis)
	require.Empty(t, sources.Global)
	require.Empty(t, sources.Project)
}

func TestLoad_ProjectConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()

	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{
		// trailing comma and comments are fine, this is hujson
		"run_dir": "/tmp/sysds-project",
		"lock_timeout_millis": 1234,
	}`)

	cfg, sources, err := Load(dir, "", Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, "/tmp/sysds-project", cfg.RunDir)
	require.Equal(t, 1234, cfg.LockTimeoutMillis)
	require.Equal(t, filepath.Join(dir, ConfigFileName), sources.Project)
}

func TestLoad_GlobalConfigOverriddenByProjectConfig(t *testing.T) {
	dir := t.TempDir()
	globalDir := t.TempDir()

	globalPath := filepath.Join(globalDir, "sysds", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(globalPath), 0o755))
	writeConfigFile(t, globalPath, `{"run_dir": "/tmp/global", "main_initial_size_bytes": 111}`)

	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{"run_dir": "/tmp/project"}`)

	env := []string{"XDG_CONFIG_HOME=" + globalDir}

	cfg, sources, err := Load(dir, "", Config{}, env)
	require.NoError(t, err)
	require.Equal(t, "/tmp/project", cfg.RunDir)
	require.Equal(t, 111, cfg.MainInitialSizeBytes)
	require.Equal(t, globalPath, sources.Global)
}

func TestLoad_ExplicitConfigPathMustExist(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Load(dir, "does-not-exist.json", Config{}, nil)
	require.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_ExplicitConfigPathIsUsedOverProjectDefault(t *testing.T) {
	dir := t.TempDir()

	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{"run_dir": "/tmp/default-named"}`)
	writeConfigFile(t, filepath.Join(dir, "other.json"), `{"run_dir": "/tmp/explicit"}`)

	cfg, sources, err := Load(dir, "other.json", Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, "/tmp/explicit", cfg.RunDir)
	require.Equal(t, filepath.Join(dir, "other.json"), sources.Project)
}

func TestLoad_OverridesTakeFinalPrecedence(t *testing.T) {
	dir := t.TempDir()

	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{"run_dir": "/tmp/project", "lock_timeout_millis": 1234}`)

	cfg, _, err := Load(dir, "", Config{RunDir: "/tmp/cli-override"}, nil)
	require.NoError(t, err)
	require.Equal(t, "/tmp/cli-override", cfg.RunDir)
	require.Equal(t, 1234, cfg.LockTimeoutMillis)
}

func TestValidate_RejectsEmptyRunDir(t *testing.T) {
	require.ErrorIs(t, validate(Config{RunDir: ""}), ErrRunDirEmpty)
	require.NoError(t, validate(Config{RunDir: "/var/run/sysds"}))
}

func TestLoad_EmptyRunDirInFileDoesNotOverrideDefault(t *testing.T) {
	dir := t.TempDir()

	// merge only applies non-zero overlay fields, so an explicit "" in the
	// project file leaves the built-in default RunDir in place.
	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{"run_dir": ""}`)

	cfg, _, err := Load(dir, "", Config{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.RunDir)
}

func TestLoad_InvalidJSONIsRejected(t *testing.T) {
	dir := t.TempDir()

	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{not valid json`)

	_, _, err := Load(dir, "", Config{}, nil)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestDerivedPaths(t *testing.T) {
	cfg := Config{RunDir: "/var/run/sysds"}
	require.Equal(t, "/var/run/sysds/main.shm", cfg.MainPath())
	require.Equal(t, "/var/run/sysds/ext.shm", cfg.ExtPath())
	require.Equal(t, "/var/run/sysds/main.lock", cfg.LockPath())
}

func TestFormat_IncludesRunDirField(t *testing.T) {
	cfg := Default()

	out, err := Format(cfg)
	require.NoError(t, err)
	require.Contains(t, out, "run_dir")
}

func writeConfigFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
