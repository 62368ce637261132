package raster

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
)

// Format is an output encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// DefaultJPEGQuality matches what phone galleries consider "high".
const DefaultJPEGQuality = 90

// ParseFormat accepts png, jpg and jpeg (case-insensitive); empty means png.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// MimeType returns the MIME type of encoded output.
func (f Format) MimeType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Extension returns the file extension, dot included.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// DetectFormat detects the MIME type from magic bytes. It returns "" when the
// bytes match nothing known.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "application/pdf"
	}

	return ""
}

var decodable = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
	"image/tiff": true,
	"image/bmp":  true,
}

// DefaultMaxPixels bounds decoded images to about 160 MB of RGBA.
const DefaultMaxPixels = 40_000_000

// Decode turns encoded image bytes into a buffer using DefaultMaxPixels.
func Decode(data []byte) (*Buffer, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited turns encoded image bytes into a buffer. JPEG EXIF orientation
// is applied so phone photos come out the way they were shot. Images with more
// than maxPixels pixels are rejected from their header, before any pixel
// memory is allocated; maxPixels <= 0 disables the check.
func DecodeLimited(data []byte, maxPixels int) (*Buffer, error) {
	mime := DetectFormat(data)
	if mime != "" && !decodable[mime] {
		return nil, scanerrors.NewUnsupportedFormatError(mime)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, scanerrors.NewDecodeError(err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 ||
		(maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels)) {
		return nil, scanerrors.NewInvalidDimensionsError(cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, scanerrors.NewDecodeError(err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, scanerrors.NewInvalidDimensionsError(b.Dx(), b.Dy())
	}
	return FromImage(img)
}

// Encode writes the buffer in the requested format. JPEG drops alpha.
func Encode(buf *Buffer, format Format) ([]byte, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		err = imaging.Encode(&out, buf.NRGBA(), imaging.JPEG, imaging.JPEGQuality(DefaultJPEGQuality))
	case FormatPNG, "":
		err = imaging.Encode(&out, buf.NRGBA(), imaging.PNG)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return nil, scanerrors.NewEncodeError(string(format), err)
	}
	return out.Bytes(), nil
}
