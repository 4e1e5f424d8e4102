package tilecache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagerypipeline/internal/model"
)

type staticResolver struct{ base string }

func (r staticResolver) PublicURL(key string) (string, bool) {
	if r.base == "" {
		return "", false
	}
	return r.base + "/" + key, true
}

func TestGetPutAndStats(t *testing.T) {
	c, err := New(2, 4, staticResolver{})
	require.NoError(t, err)

	key := model.TileKey{DatasetID: "d1", Z: 0, X: 0, Y: 0, Format: model.FormatPNG}

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, []byte("tile-bytes"))
	data, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "tile-bytes", string(data))

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCapacityEviction(t *testing.T) {
	c, err := New(1, 1, staticResolver{})
	require.NoError(t, err)

	k1 := model.TileKey{DatasetID: "d1", Z: 0, X: 0, Y: 0, Format: model.FormatPNG}
	k2 := model.TileKey{DatasetID: "d1", Z: 0, X: 0, Y: 1, Format: model.FormatPNG}

	c.Put(k1, []byte("a"))
	c.Put(k2, []byte("b"))

	_, ok := c.Get(k1)
	assert.False(t, ok, "capacity 1 must evict the oldest entry")
	_, ok = c.Get(k2)
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	c, err := New(10, 4, staticResolver{})
	require.NoError(t, err)

	c.Put(model.TileKey{DatasetID: "d1", Z: 0, X: 0, Y: 0, Format: model.FormatPNG}, []byte("a"))
	c.Put(model.TileKey{DatasetID: "d2", Z: 0, X: 0, Y: 0, Format: model.FormatPNG}, []byte("b"))

	removed := c.Clear("d1")
	assert.Equal(t, 1, removed)

	_, ok := c.Get(model.TileKey{DatasetID: "d1", Z: 0, X: 0, Y: 0, Format: model.FormatPNG})
	assert.False(t, ok)
	_, ok = c.Get(model.TileKey{DatasetID: "d2", Z: 0, X: 0, Y: 0, Format: model.FormatPNG})
	assert.True(t, ok)

	all := c.Clear("")
	assert.Equal(t, 1, all)
}

func TestFetchMany_RejectsOversizedBatch(t *testing.T) {
	c, err := New(500, 4, staticResolver{})
	require.NoError(t, err)

	keys := make([]model.TileKey, MaxBatch+1)
	_, err = c.FetchMany(context.Background(), keys)
	assert.ErrorIs(t, err, ErrTooManyKeys)
}

func TestFetchMany_FetchesMissesFromResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "remote-bytes")
	}))
	defer srv.Close()

	c, err := New(500, 4, staticResolver{base: srv.URL})
	require.NoError(t, err)

	key := model.TileKey{DatasetID: "d1", Z: 0, X: 0, Y: 0, Format: model.FormatPNG}
	results, err := c.FetchMany(context.Background(), []model.TileKey{key})
	require.NoError(t, err)
	assert.Equal(t, "remote-bytes", string(results[key]))

	// A second fetch should now come straight from the cache.
	cached, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "remote-bytes", string(cached))
}

func TestFetchMany_MissingKeyIsNotAHardFailure(t *testing.T) {
	c, err := New(500, 4, staticResolver{}) // no base: resolver always returns ok=false
	require.NoError(t, err)

	key := model.TileKey{DatasetID: "d1", Z: 0, X: 0, Y: 0, Format: model.FormatPNG}
	results, err := c.FetchMany(context.Background(), []model.TileKey{key})
	require.NoError(t, err, "an unresolved tile is a partial miss, not a batch error")
	assert.NotContains(t, results, key)
}
