package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melih/mlflow-ami/internal/config"
)

func TestParseFlagsOverridesConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	flags, err := parseFlags([]string{"--backend", "docker", "--log-level", "debug", "--addr", ":8080"})
	require.NoError(t, err)

	cfg, err := flags.load()
	require.NoError(t, err)
	require.Equal(t, config.BackendDocker, cfg.Backend)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestParseFlagsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MLFLOW_AMI_BACKEND", "docker")

	flags, err := parseFlags(nil)
	require.NoError(t, err)

	cfg, err := flags.load()
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.Server.Addr)
	require.Equal(t, config.BackendDocker, cfg.Backend)
}

func TestParseFlagsErrors(t *testing.T) {
	_, err := parseFlags([]string{"--unknown"})
	require.Error(t, err)

	t.Chdir(t.TempDir())
	flags, err := parseFlags([]string{"-c", "missing.yaml"})
	require.NoError(t, err)
	_, err = flags.load()
	require.ErrorContains(t, err, "config file not found")
}
