package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

func TestBuildRecordsRoundTrip(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	start := time.Date(2019, 11, 24, 10, 0, 0, 0, time.UTC)
	older := &domain.BuildRecord{ID: "b1", Status: domain.StatusSucceeded, ImageName: "jack20191124-mlflow", ImageID: "ami-1", StartedAt: start}
	newer := &domain.BuildRecord{ID: "b2", Status: domain.StatusRunning, ImageName: "jack20191124-mlflow", StartedAt: start.Add(time.Hour)}
	require.NoError(t, store.SaveBuild(ctx, older))
	require.NoError(t, store.SaveBuild(ctx, newer))

	newer.Status = domain.StatusFailed
	newer.Error = "boom"
	require.NoError(t, store.SaveBuild(ctx, newer))

	got, err := store.GetBuild(ctx, "b2")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Equal(t, "boom", got.Error)

	all, err := store.ListBuilds(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "b2", all[0].ID)
	require.Equal(t, "b1", all[1].ID)

	_, err = store.GetBuild(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeployRecordsAreSeparateFromBuilds(t *testing.T) {
	store, err := NewInMemoryStore()
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.SaveBuild(ctx, &domain.BuildRecord{ID: "b1", StartedAt: time.Now()}))
	require.NoError(t, store.SaveDeploy(ctx, &domain.DeployRecord{ID: "d1", InstanceID: "i-1", StartedAt: time.Now()}))

	deploys, err := store.ListDeploys(ctx)
	require.NoError(t, err)
	require.Len(t, deploys, 1)
	require.Equal(t, "i-1", deploys[0].InstanceID)

	got, err := store.GetDeploy(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, "d1", got.ID)

	builds, err := store.ListBuilds(ctx)
	require.NoError(t, err)
	require.Len(t, builds, 1)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badger")
	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveDeploy(context.Background(), &domain.DeployRecord{ID: "d1", StartedAt: time.Now()}))
	require.NoError(t, store.Close())

	store, err = NewStore(path)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.GetDeploy(context.Background(), "d1")
	require.NoError(t, err)
}
