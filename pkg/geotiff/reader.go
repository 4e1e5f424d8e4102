package geotiff

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	lzw "github.com/hhrutter/lzw"
)

// ErrUnsupportedSampleFormat is returned by Open when the IFD's
// SampleFormat/BitsPerSample combination isn't {uint8, uint16}: this
// reader's band-to-RGB conversion (sampleAt) only knows how to right-
// shift an unsigned 16-bit sample to 8-bit, so float or signed samples,
// or any bit depth outside {8,16}, are rejected before a window read is
// ever attempted rather than silently misread.
var ErrUnsupportedSampleFormat = errors.New("geotiff: unsupported sample format")

// Handle is the metadata ImageReader.Open returns (§4.5).
type Handle struct {
	Width        int
	Height       int
	Bands        int
	BitsPerSample int
	Projection   string
	Geotransform []float64 // [originX, pixelW, 0, originY, 0, -pixelH]
	Bounds       []float64 // [minX, minY, maxX, maxY] in the source CRS
}

// Reader is a streaming, windowed TIFF/GeoTIFF reader. It never loads the
// full raster into memory; ReadWindow decodes only the strips/tiles that
// intersect the requested rectangle.
type Reader struct {
	f    *os.File
	size int64
	bo   binary.ByteOrder
	ifd  *ifd

	tiled bool // true if the source is tile-organized rather than strip-organized
}

// Open parses the TIFF header and first IFD, validating that the raster
// layout (strip or tile) is one this reader can decode.
func Open(path string) (*Reader, Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Handle{}, fmt.Errorf("geotiff: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Handle{}, fmt.Errorf("geotiff: stat %s: %w", path, err)
	}

	d, bo, err := parseTIFF(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, Handle{}, err
	}

	if d.Width == 0 || d.Height == 0 {
		f.Close()
		return nil, Handle{}, fmt.Errorf("geotiff: %s: missing image dimensions", path)
	}

	tiled := d.TileWidth > 0 && d.TileHeight > 0
	if !tiled && d.RowsPerStrip == 0 {
		d.RowsPerStrip = d.Height
	}
	if !tiled && len(d.StripOffsets) == 0 {
		f.Close()
		return nil, Handle{}, fmt.Errorf("geotiff: %s: no tile or strip layout found", path)
	}

	switch d.Compression {
	case 0, 1, 5, 8, 32946:
		// none, LZW, deflate/zlib -- supported
	default:
		f.Close()
		return nil, Handle{}, fmt.Errorf("geotiff: %s: unsupported compression %d", path, d.Compression)
	}

	if err := validateSampleFormat(d); err != nil {
		f.Close()
		return nil, Handle{}, fmt.Errorf("geotiff: %s: %w", path, err)
	}

	r := &Reader{f: f, size: fi.Size(), bo: bo, ifd: d, tiled: tiled}

	bps := 8
	if len(d.BitsPerSample) > 0 {
		bps = int(d.BitsPerSample[0])
	}

	h := Handle{
		Width:         int(d.Width),
		Height:        int(d.Height),
		Bands:         int(d.SamplesPerPixel),
		BitsPerSample: bps,
	}
	h.Geotransform, h.Bounds = geoTransformAndBounds(d)
	if d.GeoAsciiParams != "" {
		h.Projection = d.GeoAsciiParams
	}

	return r, h, nil
}

// validateSampleFormat rejects any IFD whose samples aren't unsigned
// 8-bit or 16-bit integers. TIFF SampleFormat 1 (unsigned integer) is
// the default when the tag is absent; 2 (signed), 3 (float), and 4
// (undefined) are all unsupported here.
func validateSampleFormat(d *ifd) error {
	for _, sf := range d.SampleFormat {
		if sf != 1 {
			return fmt.Errorf("%w: sample format %d", ErrUnsupportedSampleFormat, sf)
		}
	}

	bps := 8
	if len(d.BitsPerSample) > 0 {
		bps = int(d.BitsPerSample[0])
	}
	for _, b := range d.BitsPerSample {
		if int(b) != bps {
			return fmt.Errorf("%w: mixed bits-per-sample %v", ErrUnsupportedSampleFormat, d.BitsPerSample)
		}
	}
	if bps != 8 && bps != 16 {
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupportedSampleFormat, bps)
	}
	return nil
}

func geoTransformAndBounds(d *ifd) (gt []float64, bounds []float64) {
	if len(d.ModelPixelScale) < 2 || len(d.ModelTiepoint) < 6 {
		return nil, nil
	}
	pixelW := d.ModelPixelScale[0]
	pixelH := d.ModelPixelScale[1]
	originX := d.ModelTiepoint[3]
	originY := d.ModelTiepoint[4]

	gt = []float64{originX, pixelW, 0, originY, 0, -pixelH}

	minX := originX
	maxX := originX + float64(d.Width)*pixelW
	maxY := originY
	minY := originY - float64(d.Height)*pixelH
	bounds = []float64{minX, minY, maxX, maxY}
	return gt, bounds
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadWindow decodes the rectangle [top, top+height) x [left, left+width)
// from the source raster and returns it as RGBA, applying the band-count
// and bit-depth conversion rules from §4.5:
//   - 16-bit samples are right-shifted to 8-bit (value/256).
//   - a single band is replicated across R/G/B.
//   - 3+ bands use the first three as R/G/B.
//   - any other band count (e.g. 2) returns an opaque black window.
func (r *Reader) ReadWindow(top, left, height, width int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("geotiff: invalid window size %dx%d", width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255 // opaque black wherever no source sample is copied
	}

	clipW := width
	clipH := height
	if left+clipW > int(r.ifd.Width) {
		clipW = int(r.ifd.Width) - left
	}
	if top+clipH > int(r.ifd.Height) {
		clipH = int(r.ifd.Height) - top
	}
	if clipW <= 0 || clipH <= 0 {
		return dst, nil // fully outside the raster: opaque-black per padding rule
	}

	spp := int(r.ifd.SamplesPerPixel)
	if spp != 1 && spp < 3 {
		// Unsupported band layout (e.g. 2 bands, no defined RGB mapping).
		return dst, nil
	}

	bps := 8
	if len(r.ifd.BitsPerSample) > 0 {
		bps = int(r.ifd.BitsPerSample[0])
	}

	var readErr error
	if r.tiled {
		readErr = r.readTiled(dst, top, left, clipW, clipH, spp, bps)
	} else {
		readErr = r.readStriped(dst, top, left, clipW, clipH, spp, bps)
	}
	if readErr != nil {
		return nil, fmt.Errorf("geotiff: read window: %w", readErr)
	}
	return dst, nil
}

func (r *Reader) readTiled(dst *image.RGBA, top, left, w, h, spp, bps int) error {
	tw := int(r.ifd.TileWidth)
	th := int(r.ifd.TileHeight)
	tilesAcross := (int(r.ifd.Width) + tw - 1) / tw

	colStart := left / tw
	colEnd := (left + w - 1) / tw
	rowStart := top / th
	rowEnd := (top + h - 1) / th

	for row := rowStart; row <= rowEnd; row++ {
		for col := colStart; col <= colEnd; col++ {
			idx := row*tilesAcross + col
			if idx < 0 || idx >= len(r.ifd.TileOffsets) || idx >= len(r.ifd.TileByteCounts) {
				continue
			}
			raw, err := r.readAndDecompress(r.ifd.TileOffsets[idx], r.ifd.TileByteCounts[idx], tw, spp)
			if err != nil {
				return err
			}

			tileMinX := col * tw
			tileMinY := row * th
			copyBandRect(dst, raw, tw, th, spp, bps, tileMinX, tileMinY, top, left, w, h)
		}
	}
	return nil
}

func (r *Reader) readStriped(dst *image.RGBA, top, left, w, h, spp, bps int) error {
	rps := int(r.ifd.RowsPerStrip)
	if rps <= 0 {
		rps = int(r.ifd.Height)
	}

	stripStart := top / rps
	stripEnd := (top + h - 1) / rps

	for s := stripStart; s <= stripEnd; s++ {
		if s < 0 || s >= len(r.ifd.StripOffsets) || s >= len(r.ifd.StripByteCounts) {
			continue
		}
		stripRows := rps
		if (s+1)*rps > int(r.ifd.Height) {
			stripRows = int(r.ifd.Height) - s*rps
		}
		if stripRows <= 0 {
			continue
		}

		raw, err := r.readAndDecompress(r.ifd.StripOffsets[s], r.ifd.StripByteCounts[s], int(r.ifd.Width), spp)
		if err != nil {
			return err
		}

		stripMinY := s * rps
		copyBandRect(dst, raw, int(r.ifd.Width), stripRows, spp, bps, 0, stripMinY, top, left, w, h)
	}
	return nil
}

// readAndDecompress reads `size` bytes at `offset` and decompresses them
// per the IFD's compression tag, undoing horizontal-differencing
// prediction if set.
func (r *Reader) readAndDecompress(offset, size uint64, rowWidth, spp int) ([]byte, error) {
	raw := make([]byte, size)
	if _, err := r.f.ReadAt(raw, int64(offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read at offset %d: %w", offset, err)
	}

	var out []byte
	switch r.ifd.Compression {
	case 0, 1:
		out = raw
	case 5:
		rc := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer rc.Close()
		var err error
		out, err = io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("lzw decode: %w", err)
		}
	case 8, 32946:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			out, err = io.ReadAll(fr)
			if err != nil {
				return nil, fmt.Errorf("deflate decode: %w", err)
			}
		} else {
			defer zr.Close()
			out, err = io.ReadAll(zr)
			if err != nil {
				return nil, fmt.Errorf("zlib decode: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported compression %d", r.ifd.Compression)
	}

	if r.ifd.Predictor == 2 {
		undoHorizontalDifferencing(out, rowWidth, spp)
	}
	return out, nil
}

func undoHorizontalDifferencing(data []byte, width, spp int) {
	rowBytes := width * spp
	for off := 0; off+rowBytes <= len(data); off += rowBytes {
		row := data[off : off+rowBytes]
		for x := spp; x < rowBytes; x++ {
			row[x] += row[x-spp]
		}
	}
}

// copyBandRect copies the overlap between a decoded source block (origin
// srcMinX/srcMinY, size srcW x srcH, spp bands, bps bits-per-sample) and
// the destination window (top/left/w/h in raster coordinates) into dst,
// applying the §4.5 band-to-RGB conversion.
func copyBandRect(dst *image.RGBA, raw []byte, srcW, srcH, spp, bps int, srcMinX, srcMinY, top, left, w, h int) {
	bytesPerSample := bps / 8
	if bytesPerSample < 1 {
		bytesPerSample = 1
	}

	x0 := max(left, srcMinX)
	y0 := max(top, srcMinY)
	x1 := min(left+w, srcMinX+srcW)
	y1 := min(top+h, srcMinY+srcH)

	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			localX := x - srcMinX
			localY := y - srcMinY
			if localX < 0 || localY < 0 || localX >= srcW || localY >= srcH {
				continue
			}
			pixelOffset := (localY*srcW + localX) * spp * bytesPerSample
			if pixelOffset+spp*bytesPerSample > len(raw) {
				continue
			}

			var r8, g8, b8 uint8
			switch {
			case spp == 1:
				v := sampleAt(raw, pixelOffset, bytesPerSample)
				r8, g8, b8 = v, v, v
			default:
				r8 = sampleAt(raw, pixelOffset, bytesPerSample)
				g8 = sampleAt(raw, pixelOffset+bytesPerSample, bytesPerSample)
				b8 = sampleAt(raw, pixelOffset+2*bytesPerSample, bytesPerSample)
			}

			dst.SetRGBA(x-left, y-top, color.RGBA{R: r8, G: g8, B: b8, A: 255})
		}
	}
}

// sampleAt extracts one sample and converts 16-bit depth to 8-bit by
// right shift (value/256), per §4.5.
func sampleAt(raw []byte, offset, bytesPerSample int) uint8 {
	if bytesPerSample <= 1 {
		return raw[offset]
	}
	v := binary.LittleEndian.Uint16(raw[offset : offset+2])
	return uint8(v >> 8)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
