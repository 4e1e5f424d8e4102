package tilegenerator

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagerypipeline/internal/imagereader"
)

// solidDriver serves every window as a solid color, optionally failing
// for a configured set of (top, left) origins to exercise the
// corrupted-tile fallback path.
type solidDriver struct {
	c      color.RGBA
	failAt map[[2]int]bool
	closed bool
}

func (d *solidDriver) ReadWindow(top, left, height, width int) (*image.RGBA, error) {
	if d.failAt[[2]int{top, left}] {
		return nil, errors.New("simulated corrupt window")
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, d.c)
		}
	}
	return img, nil
}

func (d *solidDriver) Close() error {
	d.closed = true
	return nil
}

func TestGenerate_WritesFullPyramid(t *testing.T) {
	driver := &solidDriver{c: color.RGBA{R: 200, G: 10, B: 10, A: 255}}
	h := imagereader.Handle{Width: 8, Height: 8}
	tileBase := t.TempDir()

	var lastPct int
	opts := Options{
		TileSize:     4,
		Concurrency:  2,
		TileBasePath: tileBase,
		Progress:     func(pct int) { lastPct = pct },
	}

	stats, err := Generate(h, driver, 1, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CorruptedTiles)
	assert.Empty(t, stats.SkippedZooms)
	assert.Greater(t, lastPct, 0)

	for _, p := range []string{
		filepath.Join(tileBase, "1", "0", "0.png"),
		filepath.Join(tileBase, "1", "1", "0.png"),
		filepath.Join(tileBase, "1", "0", "1.png"),
		filepath.Join(tileBase, "1", "1", "1.png"),
		filepath.Join(tileBase, "0", "0", "0.png"),
	} {
		_, err := os.Stat(p)
		assert.NoError(t, err, "expected tile %s to exist", p)
	}
}

func TestGenerate_CorruptWindowFallsBackToBlackTile(t *testing.T) {
	driver := &solidDriver{
		c:      color.RGBA{R: 50, G: 50, B: 50, A: 255},
		failAt: map[[2]int]bool{{0, 0}: true},
	}
	h := imagereader.Handle{Width: 4, Height: 4}
	tileBase := t.TempDir()

	stats, err := Generate(h, driver, 0, Options{TileSize: 4, TileBasePath: tileBase})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CorruptedTiles)
	assert.Equal(t, int64(1), stats.TilesWritten)

	f, err := os.Open(filepath.Join(tileBase, "0", "0", "0.png"))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.Equal(t, uint32(0), g)
	assert.Equal(t, uint32(0), b)
	assert.NotEqual(t, uint32(0), a)
}

func TestGenerate_RequiresTileBasePath(t *testing.T) {
	driver := &solidDriver{c: color.RGBA{A: 255}}
	_, err := Generate(imagereader.Handle{Width: 4, Height: 4}, driver, 0, Options{})
	assert.Error(t, err)
}

func TestEncodeTilePNG_RoundTrips(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	data, err := EncodeTilePNG(img, png.DefaultCompression)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(0, 0).RGBA()
	assert.Equal(t, uint32(1*257), r)
	assert.Equal(t, uint32(2*257), g)
	assert.Equal(t, uint32(3*257), b)
}

func TestGeneratePreview_ProducesJPEGFromZeroZeroZero(t *testing.T) {
	tileBase := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tileBase, "0", "0"), 0o755))

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	f, err := os.Create(filepath.Join(tileBase, "0", "0", "0.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	datasetsDir := t.TempDir()
	require.NoError(t, GeneratePreview(tileBase, datasetsDir, "ds1"))

	_, err = os.Stat(filepath.Join(datasetsDir, "ds1_preview.jpg"))
	assert.NoError(t, err)
}
