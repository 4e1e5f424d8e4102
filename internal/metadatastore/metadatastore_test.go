package metadatastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagerypipeline/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newDataset(id, name string) *model.Dataset {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Dataset{
		ID:                 id,
		Name:               name,
		Category:           model.CategoryEarth,
		TileSize:           256,
		MaxZoom:            4,
		ExtraMetadata:      map[string]any{},
		ProcessingStatus:   model.StatusPending,
		ProcessingProgress: 0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestInsertAndGetDataset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := newDataset("ds-1", "alpha")
	require.NoError(t, s.InsertDataset(ctx, d))

	got, err := s.GetDataset(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, d.Name, got.Name)
	assert.Equal(t, d.Category, got.Category)
	assert.Equal(t, d.ProcessingStatus, got.ProcessingStatus)
	assert.Equal(t, d.MaxZoom, got.MaxZoom)
}

func TestGetDataset_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDataset(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetDatasetByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDataset(ctx, newDataset("ds-1", "unique-name")))

	got, err := s.GetDatasetByName(ctx, "unique-name")
	require.NoError(t, err)
	assert.Equal(t, "ds-1", got.ID)

	_, err = s.GetDatasetByName(ctx, "does-not-exist")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateDataset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := newDataset("ds-1", "alpha")
	require.NoError(t, s.InsertDataset(ctx, d))

	d.Name = "alpha-renamed"
	d.ProcessingStatus = model.StatusCompleted
	d.ProcessingProgress = 100
	d.ExtraMetadata["tiles_count"] = 42
	require.NoError(t, s.UpdateDataset(ctx, d))

	got, err := s.GetDataset(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha-renamed", got.Name)
	assert.Equal(t, model.StatusCompleted, got.ProcessingStatus)
	assert.Equal(t, 100, got.ProcessingProgress)
	assert.EqualValues(t, 42, got.ExtraMetadata["tiles_count"])
}

func TestUpdateDataset_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateDataset(context.Background(), newDataset("missing", "x"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteDataset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDataset(ctx, newDataset("ds-1", "alpha")))

	require.NoError(t, s.DeleteDataset(ctx, "ds-1"))
	_, err := s.GetDataset(ctx, "ds-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = s.DeleteDataset(ctx, "ds-1")
	assert.ErrorIs(t, err, model.ErrNotFound, "deleting an already-absent dataset reports not-found")
}

func TestDeleteDataset_CascadesAnnotationsAndJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDataset(ctx, newDataset("ds-1", "alpha")))

	require.NoError(t, s.InsertAnnotation(ctx, &model.Annotation{
		ID: "an-1", DatasetID: "ds-1", Geometry: map[string]any{"type": "Point"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, s.InsertJob(ctx, &model.ProcessingJob{
		ID: "job-1", DatasetID: "ds-1", Status: model.StatusPending, CreatedAt: time.Now(),
	}))

	require.NoError(t, s.DeleteDataset(ctx, "ds-1"), "delete must not be blocked by a foreign-key violation")

	annotations, err := s.ListAnnotations(ctx, "ds-1")
	require.NoError(t, err)
	assert.Empty(t, annotations, "annotations cascade-delete with their parent dataset")
}

func TestListDatasets_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	owner := "u1"
	d1 := newDataset("ds-1", "earth-one")
	d1.OwnerID = &owner
	d2 := newDataset("ds-2", "mars-one")
	d2.Category = model.CategoryMars
	d2.IsDemo = true
	require.NoError(t, s.InsertDataset(ctx, d1))
	require.NoError(t, s.InsertDataset(ctx, d2))

	owned, err := s.ListDatasets(ctx, ListDatasetsOpts{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "ds-1", owned[0].ID)

	demoTrue := true
	demos, err := s.ListDatasets(ctx, ListDatasetsOpts{IsDemo: &demoTrue})
	require.NoError(t, err)
	require.Len(t, demos, 1)
	assert.Equal(t, "ds-2", demos[0].ID)

	mars := model.CategoryMars
	marsDatasets, err := s.ListDatasets(ctx, ListDatasetsOpts{Category: &mars})
	require.NoError(t, err)
	require.Len(t, marsDatasets, 1)
	assert.Equal(t, "ds-2", marsDatasets[0].ID)
}

func TestExpiredDatasets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := newDataset("ds-expired", "expired")
	expired.ExpiresAt = &past
	notYet := newDataset("ds-active", "active")
	notYet.ExpiresAt = &future
	demo := newDataset("ds-demo", "demo")
	demo.IsDemo = true // expires_at stays nil per invariant

	require.NoError(t, s.InsertDataset(ctx, expired))
	require.NoError(t, s.InsertDataset(ctx, notYet))
	require.NoError(t, s.InsertDataset(ctx, demo))

	got, err := s.ExpiredDatasets(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ds-expired", got[0].ID)
}

func TestAnnotationsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDataset(ctx, newDataset("ds-1", "alpha")))

	a := &model.Annotation{
		ID:         "an-1",
		DatasetID:  "ds-1",
		UserID:     "u1",
		Geometry:   map[string]any{"type": "Polygon"},
		Properties: map[string]any{"note": "test"},
		Confidence: 0.75,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, s.InsertAnnotation(ctx, a))

	list, err := s.ListAnnotations(ctx, "ds-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "u1", list[0].UserID)
	assert.InDelta(t, 0.75, list[0].Confidence, 0.0001)

	require.NoError(t, s.DeleteAnnotation(ctx, "an-1"))
	list, err = s.ListAnnotations(ctx, "ds-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProcessingJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDataset(ctx, newDataset("ds-1", "alpha")))

	j := &model.ProcessingJob{ID: "job-1", DatasetID: "ds-1", Status: model.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, s.InsertJob(ctx, j))

	j.Status = model.StatusProcessing
	j.Progress = 50
	require.NoError(t, s.UpdateJob(ctx, j))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, 50, got.Progress)
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &model.User{ID: "u1", Email: "a@example.com", Username: "alice", CredentialHash: "hash", IsActive: true, CreatedAt: time.Now()}
	require.NoError(t, s.InsertUser(ctx, u))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.IsActive)

	byEmail, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
