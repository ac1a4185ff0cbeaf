package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dagexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_agents: 20
task_timeout_secs: 60
store_path: /tmp/custom.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 20, cfg.MaxAgents)
	require.Equal(t, 60*time.Second, cfg.TaskTimeout)
	require.Equal(t, "/tmp/custom.db", cfg.StorePath)
	require.Equal(t, 4, cfg.MaxConcurrentTasks, "unset knobs keep their default")
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dagexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`max_agents: 20`), 0o644))

	t.Setenv("DAGEXEC_MAX_AGENTS", "99")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 99, cfg.MaxAgents)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestValidateRejectsNonPositiveMaxAgents(t *testing.T) {
	cfg := Defaults()
	cfg.MaxAgents = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyStorePath(t *testing.T) {
	cfg := Defaults()
	cfg.StorePath = ""
	require.Error(t, cfg.Validate())
}
