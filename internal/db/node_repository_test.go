package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tOgg1/scanfleet/internal/models"
)

func TestNodeRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(setupTestDB(t))

	node := &models.Node{
		Name:      "edge-1",
		IPAddress: "10.0.0.5",
		SSHPort:   2222,
		Username:  "scan",
		Password:  "hunter2",
		Status:    models.NodeStatusPending,
	}
	require.NoError(t, repo.Create(ctx, node))
	require.NotZero(t, node.ID)

	got, err := repo.Get(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, "edge-1", got.Name)
	require.Equal(t, 2222, got.SSHPort)
	require.Equal(t, "hunter2", got.Password)
	require.False(t, got.IsLocal)
	require.Nil(t, got.LastHeartbeatAt)

	heartbeat := time.Now().UTC().Add(-1500 * time.Millisecond)
	got.Status = models.NodeStatusOnline
	got.LastHeartbeatAt = &heartbeat
	got.LastVersion = "v1.1.0"
	require.NoError(t, repo.Update(ctx, got))

	byName, err := repo.GetByName(ctx, "edge-1")
	require.NoError(t, err)
	require.Equal(t, models.NodeStatusOnline, byName.Status)
	require.NotNil(t, byName.LastHeartbeatAt)
	require.WithinDuration(t, heartbeat, *byName.LastHeartbeatAt, time.Microsecond)
	require.Equal(t, "v1.1.0", byName.LastVersion)

	require.NoError(t, repo.Delete(ctx, node.ID))
	_, err = repo.Get(ctx, node.ID)
	require.True(t, errors.Is(err, ErrNodeNotFound))
	require.True(t, errors.Is(repo.Delete(ctx, node.ID), ErrNodeNotFound))
}

func TestNodeRepositoryUniqueName(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(setupTestDB(t))

	require.NoError(t, repo.Create(ctx, &models.Node{Name: "local", IsLocal: true, Status: models.NodeStatusOffline}))
	err := repo.Create(ctx, &models.Node{Name: "local", IsLocal: true, Status: models.NodeStatusOffline})
	require.ErrorIs(t, err, ErrNodeAlreadyExists)
}

func TestNodeRepositoryListAndCount(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(setupTestDB(t))

	for _, node := range []*models.Node{
		{Name: "b", IsLocal: true, Status: models.NodeStatusOnline},
		{Name: "a", IPAddress: "10.0.0.1", SSHPort: 22, Username: "root", Status: models.NodeStatusPending},
		{Name: "c", IPAddress: "10.0.0.2", SSHPort: 22, Username: "root", Status: models.NodeStatusOnline},
	} {
		require.NoError(t, repo.Create(ctx, node))
	}

	nodes, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	require.Equal(t, "b", nodes[0].Name, "list is ordered by id")

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[models.NodeStatusOnline])
	require.Equal(t, 1, counts[models.NodeStatusPending])
}

func TestNodeRepositoryRejectsInvalid(t *testing.T) {
	repo := NewNodeRepository(setupTestDB(t))
	err := repo.Create(context.Background(), &models.Node{Name: "remote-without-ip", SSHPort: 22, Username: "root"})
	require.ErrorIs(t, err, models.ErrInvalidNodeAddress)
}

func TestNodeRepositoryGetOrCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(setupTestDB(t))

	first, created, err := repo.GetOrCreate(ctx, &models.Node{Name: "local-1", IsLocal: true, Status: models.NodeStatusOffline})
	require.NoError(t, err)
	require.True(t, created)
	require.NotZero(t, first.ID)

	second, created, err := repo.GetOrCreate(ctx, &models.Node{Name: "local-1", IsLocal: true, Status: models.NodeStatusOffline})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}
