package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

func newTestRegistry(t *testing.T) *WorkerRegistry {
	t.Helper()
	return NewWorkerRegistry(openTestDB(t), testLogger())
}

func testWorker(id domain.WorkerID) domain.Worker {
	return domain.Worker{
		ID:        id,
		Name:      "studio-" + string(id),
		Purpose:   domain.PurposeImageToVideo,
		Status:    domain.WorkerStatusDeploying,
		CreatedAt: time.Now(),
	}
}

func TestWorkerRegistry_AddAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, testWorker("w1")))

	w, err := r.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStatusDeploying, w.Status)

	_, err = r.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestWorkerRegistry_AddRequiresID(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Add(context.Background(), domain.Worker{})
	assert.Error(t, err)
}

func TestWorkerRegistry_UpdatePartial(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, testWorker("w1")))

	status := domain.WorkerStatusRunning
	engineURL := "https://w1-8188.proxy.example.net"
	require.NoError(t, r.Update(ctx, "w1", ports.WorkerUpdate{
		Status:    &status,
		EngineURL: &engineURL,
	}))

	w, err := r.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStatusRunning, w.Status)
	assert.Equal(t, engineURL, w.EngineURL)
	assert.Empty(t, w.LogServerURL)
	assert.Equal(t, "studio-w1", w.Name)
}

func TestWorkerRegistry_UpdateUnknownIgnored(t *testing.T) {
	r := newTestRegistry(t)
	status := domain.WorkerStatusRunning
	err := r.Update(context.Background(), "ghost", ports.WorkerUpdate{Status: &status})
	assert.NoError(t, err)
}

func TestWorkerRegistry_ActiveRef(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Active(ctx)
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)

	require.NoError(t, r.Add(ctx, testWorker("w1")))
	require.NoError(t, r.Add(ctx, testWorker("w2")))

	require.NoError(t, r.SetActive(ctx, "w2"))
	active, err := r.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerID("w2"), active.ID)

	assert.ErrorIs(t, r.SetActive(ctx, "ghost"), domain.ErrWorkerNotFound)
}

func TestWorkerRegistry_RemoveClearsActiveRef(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, testWorker("w1")))
	require.NoError(t, r.SetActive(ctx, "w1"))

	require.NoError(t, r.Remove(ctx, "w1"))

	_, err := r.Get(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
	_, err = r.Active(ctx)
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestWorkerRegistry_ListOrderedByCreation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	older := testWorker("w1")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testWorker("w2")

	require.NoError(t, r.Add(ctx, newer))
	require.NoError(t, r.Add(ctx, older))

	workers, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, domain.WorkerID("w1"), workers[0].ID)
	assert.Equal(t, domain.WorkerID("w2"), workers[1].ID)
}
