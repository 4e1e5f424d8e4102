package geotiff

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawTag is one IFD entry awaiting assembly. Values of 4 bytes or less
// are written inline; longer ones go to the value-data area and the
// entry holds an offset instead.
type rawTag struct {
	id    uint16
	typ   uint16
	count uint32
	data  []byte
}

// tiffFixture assembles a minimal single-strip, uncompressed TIFF byte
// for byte, the same raw-byte-fixture approach pkg/psd's buildRawRGB
// uses -- Open/ReadWindow only ever see what's actually on disk, so
// there's no need for an in-package encoder to produce it.
type tiffFixture struct {
	tags []rawTag
}

func (f *tiffFixture) addShort(id uint16, vs ...uint16) {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	f.tags = append(f.tags, rawTag{id, dtShort, uint32(len(vs)), b})
}

func (f *tiffFixture) addLong(id uint16, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	f.tags = append(f.tags, rawTag{id, dtLong, 1, b})
}

func (f *tiffFixture) addDouble(id uint16, vs ...float64) {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	f.tags = append(f.tags, rawTag{id, dtDouble, uint32(len(vs)), b})
}

func (f *tiffFixture) addASCII(id uint16, s string) {
	b := append([]byte(s), 0)
	f.tags = append(f.tags, rawTag{id, dtASCII, uint32(len(b)), b})
}

// newStripFixture seeds the standard tags for a single-strip,
// uncompressed raster: width/height/compression=none/photometric=RGB/
// samplesPerPixel/rowsPerStrip=height, plus placeholder strip offset
// and byte-count entries that write fills in once the data layout is
// known.
func newStripFixture(width, height, spp int, bitsPerSample, sampleFormat []uint16) *tiffFixture {
	f := &tiffFixture{}
	f.addLong(tagImageWidth, uint32(width))
	f.addLong(tagImageLength, uint32(height))
	f.addShort(tagBitsPerSample, bitsPerSample...)
	f.addShort(tagCompression, 1)
	f.addShort(tagPhotometric, 2)
	f.addShort(tagSamplesPerPixel, uint16(spp))
	f.addLong(tagRowsPerStrip, uint32(height))
	f.addLong(tagStripOffsets, 0)
	f.addLong(tagStripByteCounts, 0)
	if len(sampleFormat) > 0 {
		f.addShort(tagSampleFormat, sampleFormat...)
	}
	return f
}

// write lays out the header, IFD, tag value area, and strip bytes into
// a temp file and returns its path.
func (f *tiffFixture) write(t *testing.T, pixels []byte) string {
	t.Helper()
	tags := append([]rawTag(nil), f.tags...)
	sort.Slice(tags, func(i, j int) bool { return tags[i].id < tags[j].id })

	const ifdBase = 8
	ifdSize := 2 + 12*len(tags) + 4
	dataAreaOffset := ifdBase + ifdSize

	var dataArea bytes.Buffer
	resolved := make([]rawTag, len(tags))
	for i, tg := range tags {
		if len(tg.data) <= 4 {
			resolved[i] = tg
			continue
		}
		off := uint32(dataAreaOffset + dataArea.Len())
		dataArea.Write(tg.data)
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, off)
		resolved[i] = rawTag{tg.id, tg.typ, tg.count, b}
	}

	stripOffset := uint32(dataAreaOffset + dataArea.Len())
	for i := range resolved {
		switch resolved[i].id {
		case tagStripOffsets:
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, stripOffset)
			resolved[i].data = b
		case tagStripByteCounts:
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, uint32(len(pixels)))
			resolved[i].data = b
		}
	}

	var buf bytes.Buffer
	buf.WriteString("II")
	binary.Write(&buf, binary.LittleEndian, uint16(42))
	binary.Write(&buf, binary.LittleEndian, uint32(ifdBase))

	binary.Write(&buf, binary.LittleEndian, uint16(len(resolved)))
	for _, tg := range resolved {
		binary.Write(&buf, binary.LittleEndian, tg.id)
		binary.Write(&buf, binary.LittleEndian, tg.typ)
		binary.Write(&buf, binary.LittleEndian, tg.count)
		var val [4]byte
		copy(val[:], tg.data)
		buf.Write(val[:])
	}
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // next IFD offset

	dataArea.WriteTo(&buf)
	buf.Write(pixels)

	path := filepath.Join(t.TempDir(), "fixture.tif")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// rgb8Pixels synthesizes an interleaved 8-bit RGB strip (R=x*10, G=y*10,
// B=128) for a w x h raster.
func rgb8Pixels(w, h int) []byte {
	out := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out = append(out, byte(x*10), byte(y*10), 128)
		}
	}
	return out
}

func TestOpen_RoundTripsDimensions(t *testing.T) {
	path := newStripFixture(16, 12, 3, []uint16{8, 8, 8}, nil).write(t, rgb8Pixels(16, 12))

	r, h, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 16, h.Width)
	assert.Equal(t, 12, h.Height)
	assert.Equal(t, 3, h.Bands)
	assert.Equal(t, 8, h.BitsPerSample)
}

func TestReadWindow_RoundTripsPixels(t *testing.T) {
	const w, h = 8, 8
	path := newStripFixture(w, h, 3, []uint16{8, 8, 8}, nil).write(t, rgb8Pixels(w, h))

	r, _, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	window, err := r.ReadWindow(0, 0, h, w)
	require.NoError(t, err)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			got := window.RGBAAt(x, y)
			assert.Equal(t, uint8(x*10), got.R, "x=%d y=%d", x, y)
			assert.Equal(t, uint8(y*10), got.G, "x=%d y=%d", x, y)
			assert.Equal(t, uint8(128), got.B, "x=%d y=%d", x, y)
		}
	}
}

func TestReadWindow_PartiallyOutOfBoundsPadsOpaqueBlack(t *testing.T) {
	path := newStripFixture(4, 4, 3, []uint16{8, 8, 8}, nil).write(t, rgb8Pixels(4, 4))

	r, _, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	window, err := r.ReadWindow(2, 2, 4, 4)
	require.NoError(t, err)

	// (3,3) in window coordinates maps to source (5,5), outside the 4x4 raster.
	pix := window.RGBAAt(3, 3)
	assert.Equal(t, uint8(0), pix.R)
	assert.Equal(t, uint8(0), pix.G)
	assert.Equal(t, uint8(0), pix.B)
	assert.Equal(t, uint8(255), pix.A)
}

func TestOpen_GeoTagsPopulateGeotransformAndBounds(t *testing.T) {
	f := newStripFixture(4, 4, 3, []uint16{8, 8, 8}, nil)
	f.addDouble(tagModelPixelScaleTag, 2.0, 2.0, 0)
	f.addDouble(tagModelTiepointTag, 0, 0, 0, 100.0, 200.0, 0)
	f.addASCII(tagGeoAsciiParamsTag, "WGS 84|")
	path := f.write(t, rgb8Pixels(4, 4))

	_, h, err := Open(path)
	require.NoError(t, err)

	require.Len(t, h.Geotransform, 6)
	assert.Equal(t, 100.0, h.Geotransform[0])
	assert.Equal(t, 2.0, h.Geotransform[1])
	assert.Equal(t, "WGS 84|", h.Projection)

	require.Len(t, h.Bounds, 4)
	assert.Equal(t, 100.0, h.Bounds[0]) // minX
	assert.Equal(t, 108.0, h.Bounds[2]) // maxX = originX + width*pixelW
}

func TestOpen_MissingFile(t *testing.T) {
	_, _, err := Open(filepath.Join(t.TempDir(), "missing.tif"))
	assert.Error(t, err)
}

func TestOpen_Accepts16BitUnsignedSamples(t *testing.T) {
	const w, h = 2, 2
	pixels := make([]byte, 0, w*h*3*2)
	for i := 0; i < w*h*3; i++ {
		var sample [2]byte
		binary.LittleEndian.PutUint16(sample[:], uint16(i)*4096)
		pixels = append(pixels, sample[:]...)
	}
	path := newStripFixture(w, h, 3, []uint16{16, 16, 16}, []uint16{1, 1, 1}).write(t, pixels)

	r, hdr, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 16, hdr.BitsPerSample)

	window, err := r.ReadWindow(0, 0, h, w)
	require.NoError(t, err)
	// First pixel's R sample is 0, its G sample is 4096 -> 4096>>8 = 16.
	got := window.RGBAAt(0, 0)
	assert.Equal(t, uint8(0), got.R)
	assert.Equal(t, uint8(16), got.G)
}

func TestOpen_RejectsFloatSampleFormat(t *testing.T) {
	path := newStripFixture(2, 2, 3, []uint16{32, 32, 32}, []uint16{3, 3, 3}).write(t, make([]byte, 2*2*3*4))

	_, _, err := Open(path)
	assert.ErrorIs(t, err, ErrUnsupportedSampleFormat)
}

func TestOpen_RejectsSignedSampleFormat(t *testing.T) {
	path := newStripFixture(2, 2, 3, []uint16{16, 16, 16}, []uint16{2, 2, 2}).write(t, make([]byte, 2*2*3*2))

	_, _, err := Open(path)
	assert.ErrorIs(t, err, ErrUnsupportedSampleFormat)
}

func TestOpen_RejectsUnsupportedBitsPerSample(t *testing.T) {
	path := newStripFixture(2, 2, 3, []uint16{32, 32, 32}, nil).write(t, make([]byte, 2*2*3*4))

	_, _, err := Open(path)
	assert.ErrorIs(t, err, ErrUnsupportedSampleFormat)
}
