package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagerypipeline/internal/config"
	"imagerypipeline/internal/datasetprocessor"
	"imagerypipeline/internal/metadatastore"
	"imagerypipeline/internal/model"
	"imagerypipeline/internal/objectstore"
)

func newTestManager(t *testing.T) (*Manager, *metadatastore.Store) {
	t.Helper()
	store, err := metadatastore.Open(filepath.Join(t.TempDir(), "test.db"), metadatastore.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.TilesDir = t.TempDir()
	cfg.DatasetsDir = t.TempDir()
	objects := objectstore.New(objectstore.Config{Enabled: false})
	processor := datasetprocessor.New(store, objects, cfg)

	return New(store, processor, 50*time.Millisecond), store
}

func insertExpired(t *testing.T, store *metadatastore.Store, id string, expired bool) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	owner := "owner-1"
	exp := now.Add(-time.Hour)
	if !expired {
		exp = now.Add(time.Hour)
	}
	d := &model.Dataset{
		ID:                 id,
		Name:               id,
		Category:           model.CategoryEarth,
		OwnerID:            &owner,
		ExpiresAt:          &exp,
		TileBasePath:       filepath.Join(t.TempDir(), id),
		ExtraMetadata:      map[string]any{},
		ProcessingStatus:   model.StatusCompleted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, os.MkdirAll(d.TileBasePath, 0o755))
	require.NoError(t, store.InsertDataset(context.Background(), d))
}

func TestSweepOnce_DeletesOnlyExpiredDatasets(t *testing.T) {
	m, store := newTestManager(t)
	insertExpired(t, store, "expired-1", true)
	insertExpired(t, store, "fresh-1", false)

	require.NoError(t, m.sweepOnce(context.Background()))

	_, err := store.GetDataset(context.Background(), "expired-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	fresh, err := store.GetDataset(context.Background(), "fresh-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", fresh.ID)
}

func TestSweepOnce_DeletesEveryExpiredDataset(t *testing.T) {
	m, store := newTestManager(t)
	insertExpired(t, store, "expired-a", true)
	insertExpired(t, store, "expired-b", true)

	// Neither delete fails here; this checks that one pass sweeps every
	// expired dataset, not just the first one found.
	require.NoError(t, m.sweepOnce(context.Background()))

	_, err := store.GetDataset(context.Background(), "expired-a")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = store.GetDataset(context.Background(), "expired-b")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStartAndStop_RunsReconciliationAndExitsCleanly(t *testing.T) {
	m, _ := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
