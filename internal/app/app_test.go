package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/config"
)

func dockerConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("MLFLOW_AMI_BACKEND", "docker")
	t.Setenv("MLFLOW_AMI_STORE_IN_MEMORY", "true")
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	return cfg
}

func TestNewWiresDockerBackend(t *testing.T) {
	cfg := dockerConfig(t)

	a, err := New(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NotNil(t, a.Builds)
	require.NotNil(t, a.Deploys)

	deploys, err := a.Deploys.Deploys(context.Background())
	require.NoError(t, err)
	require.Empty(t, deploys)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
}

func TestNewRejectsUnreachableNATS(t *testing.T) {
	cfg := dockerConfig(t)
	cfg.NATS.URL = "nats://127.0.0.1:1"

	_, err := New(cfg, zap.NewNop(), nil)
	require.Error(t, err)
}

func TestNewBackendUnknown(t *testing.T) {
	cfg := dockerConfig(t)
	cfg.Backend = "gcp"
	_, err := NewBackend(cfg, zap.NewNop())
	require.Error(t, err)
}
