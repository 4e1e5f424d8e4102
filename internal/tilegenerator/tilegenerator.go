// Package tilegenerator produces the §4.6 PNG tile pyramid from an
// ImageReader. Grounded on pspoerri-geotiff2pmtiles's internal/tile
// (generator.go's "render max zoom, downsample the rest" pyramid loop
// and downsample.go's 4-quadrant compositing), adapted from a
// projection-aware (lat/lon-bounded, COG-backed) generator to the
// spec's flat "raster" profile keyed purely by (z, x, y) in pixel
// space, and from per-zoom goroutine fan-out over a fixed tile set to
// a bounded worker pool sized per job (§5) using the teacher's
// taskqueue worker-pool shape.
package tilegenerator

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/gift"
	"github.com/sunshineplan/imgconv"

	"imagerypipeline/internal/imagereader"
	"imagerypipeline/internal/model"
)

// DefaultTileSize is the canonical tile edge length (§3).
const DefaultTileSize = 256

// maxCorruptLogs caps per-job corrupted-tile log lines (§4.6: "suppress
// per-tile logging after the 5th corrupted tile").
const maxCorruptLogs = 5

// previewMaxDim and previewQuality are the §4.6 preview parameters.
const (
	previewMaxDim   = 512
	previewQuality  = 90
)

// ProgressFunc mirrors the teacher's TileProgressCallback shape,
// retargeted from (completed, total) tile counts to the §4.6 percent
// mapping the caller is responsible for computing. Must be idempotent
// and non-blocking.
type ProgressFunc func(percent int)

// Stats mirrors pspoerri's tile.Stats, trimmed to the counters §4.6's
// failure-mode rules reference.
type Stats struct {
	TilesWritten   int64
	CorruptedTiles int64
	SkippedZooms   []int
}

// Options configures a single generation job.
type Options struct {
	TileSize         int
	Concurrency      int
	TileBasePath     string
	CompressionLevel png.CompressionLevel
	EmitWebPSiblings bool
	Progress         ProgressFunc
}

func (o Options) withDefaults() Options {
	if o.TileSize <= 0 {
		o.TileSize = DefaultTileSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Generate renders the full pyramid z ∈ [0, maxZoom] for a single
// source driver. Both streaming and in-memory/composite modes share
// this code path: imagereader.Driver.ReadWindow already performs the
// black-padding §4.6 requires for edge-clipped windows, so the only
// difference between "streaming mode" and "in-memory mode" (§4.6) is
// which driver imagereader.Open picked -- not the pyramid algorithm.
func Generate(h imagereader.Handle, driver imagereader.Driver, maxZoom int, opts Options) (Stats, error) {
	opts = opts.withDefaults()
	if opts.TileBasePath == "" {
		return Stats{}, fmt.Errorf("tilegenerator: TileBasePath is required")
	}

	var stats Stats
	var corruptLogged atomic.Int64

	levels := make([]*levelStore, maxZoom+1)

	totalLevels := maxZoom + 1
	for z := maxZoom; z >= 0; z-- {
		across := model.TilesAcross(h.Width, opts.TileSize, z, maxZoom)
		down := model.TilesAcross(h.Height, opts.TileSize, z, maxZoom)
		if across <= 0 {
			across = 1
		}
		if down <= 0 {
			down = 1
		}

		store := newLevelStore()
		levels[z] = store

		var childStore *levelStore
		if z < maxZoom {
			childStore = levels[z+1]
		}

		if err := generateLevel(z, across, down, maxZoom, h, driver, opts, store, childStore, &stats, &corruptLogged); err != nil {
			log.Printf("tilegenerator: zoom %d failed, skipping: %v", z, err)
			stats.SkippedZooms = append(stats.SkippedZooms, z)
		}

		if z < maxZoom {
			levels[z+1] = nil // release memory for the level we no longer need
		}

		if opts.Progress != nil {
			done := totalLevels - z
			pct := 10 + int(float64(done)/float64(totalLevels)*85)
			opts.Progress(pct)
		}
	}

	return stats, nil
}

// levelStore holds decoded tile images for one zoom level so the next
// (lower) level can composite its 2x2 children, mirroring pspoerri's
// TileImageStore.
type levelStore struct {
	mu    sync.Mutex
	tiles map[[2]int]*image.RGBA
}

func newLevelStore() *levelStore {
	return &levelStore{tiles: make(map[[2]int]*image.RGBA)}
}

func (s *levelStore) get(x, y int) *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tiles[[2]int{x, y}]
}

func (s *levelStore) put(x, y int, img *image.RGBA) {
	s.mu.Lock()
	s.tiles[[2]int{x, y}] = img
	s.mu.Unlock()
}

type tileJob struct{ x, y int }

func generateLevel(z, across, down, maxZoom int, h imagereader.Handle, driver imagereader.Driver, opts Options, store, childStore *levelStore, stats *Stats, corruptLogged *atomic.Int64) error {
	jobs := make(chan tileJob, opts.Concurrency*2)
	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for w := 0; w < opts.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				var img *image.RGBA
				var err error

				if z == maxZoom {
					img, err = renderMaxZoomTile(driver, opts.TileSize, j.x, j.y)
				} else {
					img = downsampleTile(childStore, opts.TileSize, j.x, j.y)
				}

				if err != nil {
					n := corruptLogged.Add(1)
					if n <= maxCorruptLogs {
						log.Printf("tilegenerator: corrupt window at z%d/%d/%d: %v", z, j.x, j.y, err)
					}
					atomic.AddInt64(&stats.CorruptedTiles, 1)
					img = blackTile(opts.TileSize)
				}

				store.put(j.x, j.y, img)

				if err := writeTilePNG(opts.TileBasePath, z, j.x, j.y, img, opts.CompressionLevel); err != nil {
					select {
					case errCh <- err:
					default:
					}
					return
				}
				atomic.AddInt64(&stats.TilesWritten, 1)

				if opts.EmitWebPSiblings {
					if err := writeTileWebP(opts.TileBasePath, z, j.x, j.y, img); err != nil {
						// A missing webp sibling still leaves the PNG tile
						// servable; log and continue rather than fail the job.
						log.Printf("tilegenerator: webp sibling z%d/%d/%d: %v", z, j.x, j.y, err)
					}
				}
			}
		}()
	}

	for x := 0; x < across; x++ {
		for y := 0; y < down; y++ {
			jobs <- tileJob{x: x, y: y}
		}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func renderMaxZoomTile(driver imagereader.Driver, tileSize, x, y int) (*image.RGBA, error) {
	top := y * tileSize
	left := x * tileSize
	return driver.ReadWindow(top, left, tileSize, tileSize)
}

// downsampleTile composites the four z+1 children into a 2*tileSize
// canvas (black where a child is missing) and Lanczos-downscales to
// tileSize, per §4.6's lower-zoom algorithm.
func downsampleTile(childStore *levelStore, tileSize, x, y int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, 2*tileSize, 2*tileSize))
	draw := func(child *image.RGBA, ox, oy int) {
		if child == nil {
			fillBlack(canvas, ox, oy, tileSize, tileSize)
			return
		}
		for py := 0; py < tileSize; py++ {
			for px := 0; px < tileSize; px++ {
				canvas.Set(ox+px, oy+py, child.At(px, py))
			}
		}
	}

	if childStore != nil {
		draw(childStore.get(2*x, 2*y), 0, 0)
		draw(childStore.get(2*x+1, 2*y), tileSize, 0)
		draw(childStore.get(2*x, 2*y+1), 0, tileSize)
		draw(childStore.get(2*x+1, 2*y+1), tileSize, tileSize)
	} else {
		fillBlack(canvas, 0, 0, 2*tileSize, 2*tileSize)
	}

	dst := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	g := gift.New(gift.Resize(tileSize, tileSize, gift.LanczosResampling))
	g.Draw(dst, canvas)
	return dst
}

func fillBlack(img *image.RGBA, ox, oy, w, h int) {
	for y := oy; y < oy+h; y++ {
		for x := ox; x < ox+w; x++ {
			img.SetRGBA(x, y, color.RGBA{A: 255})
		}
	}
}

func blackTile(tileSize int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	fillBlack(img, 0, 0, tileSize, tileSize)
	return img
}

func writeTilePNG(tileBasePath string, z, x, y int, img *image.RGBA, level png.CompressionLevel) error {
	dir := filepath.Join(tileBasePath, fmt.Sprint(z), fmt.Sprint(x))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tilegenerator: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.png", y))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tilegenerator: create %s: %w", path, err)
	}
	defer f.Close()

	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(f, img); err != nil {
		return fmt.Errorf("tilegenerator: encode %s: %w", path, err)
	}
	return nil
}

func writeTileWebP(tileBasePath string, z, x, y int, img *image.RGBA) error {
	path := filepath.Join(tileBasePath, fmt.Sprint(z), fmt.Sprint(x), fmt.Sprintf("%d.webp", y))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tilegenerator: create %s: %w", path, err)
	}
	defer f.Close()

	if err := nativewebp.Encode(f, img, nil); err != nil {
		return fmt.Errorf("tilegenerator: encode %s: %w", path, err)
	}
	return nil
}

// GeneratePreview produces the §4.6 JPEG thumbnail (max dimension 512,
// quality 90) from the already-rendered tile at (0, 0, 0) -- the
// lowest zoom level always covers the whole image in one tile.
func GeneratePreview(tileBasePath, datasetsDir, datasetID string) error {
	srcPath := filepath.Join(tileBasePath, "0", "0", "0.png")
	src, err := imgconv.Open(srcPath)
	if err != nil {
		return fmt.Errorf("tilegenerator: open %s: %w", srcPath, err)
	}

	thumb := imgconv.Resize(src, &imgconv.ResizeOption{Width: previewMaxDim, Height: previewMaxDim})

	outPath := filepath.Join(datasetsDir, datasetID+"_preview.jpg")
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("tilegenerator: create %s: %w", outPath, err)
	}
	defer f.Close()

	if err := imgconv.Write(f, thumb, &imgconv.FormatOption{Format: imgconv.JPEG, JPEGQuality: previewQuality}); err != nil {
		return fmt.Errorf("tilegenerator: encode preview: %w", err)
	}
	return nil
}

// EncodeTilePNG is a small helper exposed for tests; Generate encodes its
// tiles, including black fallback tiles, without it.
func EncodeTilePNG(img *image.RGBA, level png.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
