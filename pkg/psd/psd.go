// Package psd implements just enough of the Adobe Photoshop PSD/PSB
// file format (the public "8BPS" layout) to serve as ImageReader's
// composite driver (§4.5): a cheap header-only read for metadata
// extraction, and a full-image composite decode for tile generation.
// Hand-rolled against the published Adobe file-format specification --
// no pack example or ecosystem library decodes PSD/PSB composites, so
// this is the one stdlib-only component of the image-reading layer
// (justified in DESIGN.md's internal/imagereader entry).
package psd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
)

// Version identifies whether a file is a classic PSD (version 1, 2 GiB
// limit, 4-byte length fields) or a "large document" PSB (version 2,
// 8-byte length fields in the layer/mask section).
type Version uint16

const (
	VersionPSD Version = 1
	VersionPSB Version = 2
)

// ColorMode mirrors the header's 2-byte color-mode field.
type ColorMode uint16

const (
	ColorModeBitmap       ColorMode = 0
	ColorModeGrayscale    ColorMode = 1
	ColorModeIndexed      ColorMode = 2
	ColorModeRGB          ColorMode = 3
	ColorModeCMYK         ColorMode = 4
	ColorModeMultichannel ColorMode = 7
	ColorModeDuotone      ColorMode = 8
	ColorModeLab          ColorMode = 9
)

// Header is the fixed-size PSD/PSB file header (26 bytes), readable
// without touching the rest of the file.
type Header struct {
	Version   Version
	Channels  int
	Width     int
	Height    int
	Depth     int // bits per channel: 1, 8, 16, or 32
	ColorMode ColorMode
}

const signature = "8BPS"

// ReadHeader reads and validates the 4-byte signature plus the fixed
// header fields, without parsing anything past it. This is the cheap
// path ImageReader.Open uses for {width, height, bands} metadata.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("psd: open %s: %w", path, err)
	}
	defer f.Close()

	return readHeader(f)
}

func readHeader(r io.Reader) (Header, error) {
	var buf [26]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("psd: read header: %w", err)
	}

	if string(buf[0:4]) != signature {
		return Header{}, fmt.Errorf("psd: bad signature %q, want %q", buf[0:4], signature)
	}

	ver := Version(binary.BigEndian.Uint16(buf[4:6]))
	if ver != VersionPSD && ver != VersionPSB {
		return Header{}, fmt.Errorf("psd: unsupported version %d", ver)
	}

	// buf[6:12] is 6 reserved bytes, must be zero per spec; not enforced
	// here since some exporters leave stale data.

	h := Header{
		Version:   ver,
		Channels:  int(binary.BigEndian.Uint16(buf[12:14])),
		Height:    int(binary.BigEndian.Uint32(buf[14:18])),
		Width:     int(binary.BigEndian.Uint32(buf[18:22])),
		Depth:     int(binary.BigEndian.Uint16(buf[22:24])),
		ColorMode: ColorMode(binary.BigEndian.Uint16(buf[24:26])),
	}

	if h.Width <= 0 || h.Height <= 0 || h.Channels <= 0 {
		return Header{}, fmt.Errorf("psd: invalid dimensions %dx%d, %d channels", h.Width, h.Height, h.Channels)
	}

	return h, nil
}

// lengthFieldSize returns the width of a section's length prefix: 4
// bytes everywhere in PSD, and for PSB's layer-and-mask-info section
// specifically, 8 bytes (the one place PSB's "large document" framing
// actually matters for a composite-only reader).
func lengthFieldSize(ver Version, psbWide bool) int {
	if ver == VersionPSB && psbWide {
		return 8
	}
	return 4
}

func readSectionLength(r *bufio.Reader, ver Version, psbWide bool) (int64, error) {
	n := lengthFieldSize(ver, psbWide)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	if n == 8 {
		return int64(binary.BigEndian.Uint64(buf)), nil
	}
	return int64(binary.BigEndian.Uint32(buf)), nil
}

// DecodeComposite renders the full composite image: color mode data,
// image resources, and layer/mask info are skipped over via their
// length prefixes, and the trailing "image data" section (the merged,
// flattened composite every PSD/PSB carries) is decoded into an RGBA
// image. This is the O(width*height) step §4.5 and §5 budget against
// available RAM before calling it.
func DecodeComposite(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("psd: open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<20)

	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	if err := skipSection(br, h.Version, false); err != nil { // color mode data
		return nil, fmt.Errorf("psd: skip color mode data: %w", err)
	}
	if err := skipSection(br, h.Version, false); err != nil { // image resources
		return nil, fmt.Errorf("psd: skip image resources: %w", err)
	}
	if err := skipSection(br, h.Version, true); err != nil { // layer and mask info
		return nil, fmt.Errorf("psd: skip layer and mask info: %w", err)
	}

	var compressionBuf [2]byte
	if _, err := io.ReadFull(br, compressionBuf[:]); err != nil {
		return nil, fmt.Errorf("psd: read image data compression marker: %w", err)
	}
	compression := binary.BigEndian.Uint16(compressionBuf[:])

	return decodeImageData(br, h, compression)
}

func skipSection(r *bufio.Reader, ver Version, psbWide bool) error {
	n, err := readSectionLength(r, ver, psbWide)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	_, err = io.CopyN(io.Discard, r, n)
	return err
}

const (
	compressionRaw    = 0
	compressionRLE    = 1
	compressionZIP    = 2
	compressionZIPPred = 3
)

func decodeImageData(r io.Reader, h Header, compression uint16) (*image.RGBA, error) {
	if compression == compressionZIP || compression == compressionZIPPred {
		return nil, fmt.Errorf("psd: ZIP-compressed image data not supported")
	}
	if h.Depth != 8 && h.Depth != 16 {
		return nil, fmt.Errorf("psd: unsupported bit depth %d", h.Depth)
	}

	bytesPerSample := h.Depth / 8
	planeSamples := h.Width * h.Height
	planeBytes := planeSamples * bytesPerSample

	channels := h.Channels
	if channels > 4 {
		// Extra alpha/spot channels beyond RGBA are present in the file
		// but irrelevant to a flattened composite; only read what we use.
		channels = 4
	}

	planes := make([][]byte, channels)

	if compression == compressionRLE {
		// Per-row byte counts for every channel precede the channel data,
		// one uint16 (PSD) or uint32 (PSB) per row per channel.
		rowCounts, err := readRLERowCounts(r, h, h.Channels)
		if err != nil {
			return nil, fmt.Errorf("psd: read RLE row counts: %w", err)
		}
		for c := 0; c < h.Channels; c++ {
			plane, err := decodeRLEChannel(r, rowCounts[c], h.Width, h.Height, bytesPerSample)
			if err != nil {
				return nil, fmt.Errorf("psd: decode RLE channel %d: %w", c, err)
			}
			if c < channels {
				planes[c] = plane
			}
		}
	} else {
		for c := 0; c < h.Channels; c++ {
			buf := make([]byte, planeBytes)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("psd: read raw channel %d: %w", c, err)
			}
			if c < channels {
				planes[c] = buf
			}
		}
	}

	return compositeToRGBA(h, planes, bytesPerSample)
}

func readRLERowCounts(r io.Reader, h Header, channels int) ([][]uint32, error) {
	rowCounts := make([][]uint32, channels)
	wide := h.Version == VersionPSB
	for c := 0; c < channels; c++ {
		rowCounts[c] = make([]uint32, h.Height)
		for row := 0; row < h.Height; row++ {
			if wide {
				var buf [4]byte
				if _, err := io.ReadFull(r, buf[:]); err != nil {
					return nil, err
				}
				rowCounts[c][row] = binary.BigEndian.Uint32(buf[:])
			} else {
				var buf [2]byte
				if _, err := io.ReadFull(r, buf[:]); err != nil {
					return nil, err
				}
				rowCounts[c][row] = uint32(binary.BigEndian.Uint16(buf[:]))
			}
		}
	}
	return rowCounts, nil
}

// decodeRLEChannel inflates one channel's PackBits-compressed rows into
// a flat byte plane of width*height*bytesPerSample bytes.
func decodeRLEChannel(r io.Reader, rowCounts []uint32, width, height, bytesPerSample int) ([]byte, error) {
	rowBytes := width * bytesPerSample
	out := make([]byte, 0, rowBytes*height)

	for _, count := range rowCounts {
		compressed := make([]byte, count)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return nil, err
		}
		row, err := unpackBits(compressed, rowBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, row...)
	}
	return out, nil
}

// unpackBits decodes Apple PackBits run-length encoding: a signed
// control byte n is followed either by n+1 literal bytes (n >= 0) or
// one byte repeated 1-n times (n < 0, n != -128); -128 is a no-op.
func unpackBits(src []byte, wantLen int) ([]byte, error) {
	out := make([]byte, 0, wantLen)
	for i := 0; i < len(src) && len(out) < wantLen; {
		n := int8(src[i])
		i++
		switch {
		case n >= 0:
			count := int(n) + 1
			if i+count > len(src) {
				return nil, fmt.Errorf("packbits: literal run overruns buffer")
			}
			out = append(out, src[i:i+count]...)
			i += count
		case n != -128:
			if i >= len(src) {
				return nil, fmt.Errorf("packbits: repeat run missing value byte")
			}
			count := 1 - int(n)
			for k := 0; k < count; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	if len(out) > wantLen {
		out = out[:wantLen]
	}
	return out, nil
}

// compositeToRGBA maps the decoded channel planes onto an RGBA image
// per §4.5's band rules: grayscale is replicated across R/G/B, RGB(A)
// color mode uses the first three channels directly, anything else
// (CMYK, multichannel, ...) produces an opaque black image since no
// defined RGB mapping exists.
func compositeToRGBA(h Header, planes [][]byte, bytesPerSample int) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, h.Width, h.Height))

	switch h.ColorMode {
	case ColorModeGrayscale, ColorModeBitmap:
		if len(planes) < 1 || planes[0] == nil {
			return img, nil
		}
		for i := 0; i < h.Width*h.Height; i++ {
			v := sampleAt(planes[0], i, bytesPerSample)
			img.Pix[i*4+0] = v
			img.Pix[i*4+1] = v
			img.Pix[i*4+2] = v
			img.Pix[i*4+3] = 255
		}
	case ColorModeRGB:
		if len(planes) < 3 || planes[0] == nil || planes[1] == nil || planes[2] == nil {
			return img, nil
		}
		for i := 0; i < h.Width*h.Height; i++ {
			r := sampleAt(planes[0], i, bytesPerSample)
			g := sampleAt(planes[1], i, bytesPerSample)
			b := sampleAt(planes[2], i, bytesPerSample)
			a := uint8(255)
			if h.Channels >= 4 && len(planes) >= 4 && planes[3] != nil {
				a = sampleAt(planes[3], i, bytesPerSample)
			}
			img.Set(i%h.Width, i/h.Width, color.NRGBA{R: r, G: g, B: b, A: a})
		}
	default:
		// CMYK, Lab, indexed, multichannel: no defined RGB mapping: fill
		// the image with opaque black, matching the streaming driver's
		// unsupported-band-layout behavior.
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 255
		}
	}

	return img, nil
}

func sampleAt(plane []byte, sampleIndex, bytesPerSample int) uint8 {
	off := sampleIndex * bytesPerSample
	if off+bytesPerSample > len(plane) {
		return 0
	}
	if bytesPerSample == 1 {
		return plane[off]
	}
	v := binary.BigEndian.Uint16(plane[off : off+2])
	return uint8(v >> 8)
}
