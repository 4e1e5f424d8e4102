package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledStore(t *testing.T) {
	s := New(Config{Enabled: false})
	ctx := context.Background()

	assert.False(t, s.Enabled())
	assert.False(t, s.Exists(ctx, "tiles/d1/0/0/0.png"))

	err := s.Put(ctx, "tiles/d1/0/0/0.png", []byte("x"), "image/png")
	assert.Error(t, err, "a disabled store must refuse uploads rather than silently drop them")

	n, err := s.DeletePrefix(ctx, "tiles/d1/")
	require.NoError(t, err, "deleting against a disabled store is a no-op, not an error")
	assert.Equal(t, 0, n)

	assert.NoError(t, s.Delete(ctx, "tiles/d1/0/0/0.png"))

	_, _, err = s.GetStream(ctx, "tiles/d1/0/0/0.png")
	assert.Error(t, err)
}

func TestPublicURL(t *testing.T) {
	s := New(Config{Enabled: true, PublicURLBase: "https://tiles.example.com/"})
	url, ok := s.PublicURL("tiles/d1/0/0/0.png")
	assert.True(t, ok)
	assert.Equal(t, "https://tiles.example.com/tiles/d1/0/0/0.png", url)

	unconfigured := New(Config{Enabled: true})
	_, ok = unconfigured.PublicURL("tiles/d1/0/0/0.png")
	assert.False(t, ok)
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "tiles/d1/3/2/1.jpg", TileKey("d1", 3, 2, 1, "jpg"))
	assert.Equal(t, "tiles/d1/", TilePrefix("d1"))
	assert.Equal(t, "previews/d1_preview.jpg", PreviewKey("d1"))
	assert.Equal(t, "metadata/datasets/d1.json", DatasetMetadataKey("d1"))
}
