/**
 * Pixel buffer tests
 *
 * Covers buffer invariants, codec round trips, clockwise rotation and flips.
 */

package raster

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
)

func setRGBA(b *Buffer, x, y int, r, g, bl, a uint8) {
	i := b.Offset(x, y)
	b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3] = r, g, bl, a
}

func pixel(b *Buffer, x, y int) [4]uint8 {
	i := b.Offset(x, y)
	return [4]uint8{b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3]}
}

func TestNewRejectsZeroSize(t *testing.T) {
	testCases := []struct {
		name          string
		width, height int
	}{
		{"zero width", 0, 10},
		{"zero height", 10, 0},
		{"negative", -1, 5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.width, tc.height)
			if !scanerrors.Is(err, scanerrors.ErrorInvalidDimensions) {
				t.Errorf("New(%d, %d) error = %v, want INVALID_DIMENSIONS", tc.width, tc.height, err)
			}
		})
	}
}

func TestValidateLengthMismatch(t *testing.T) {
	b := &Buffer{Width: 2, Height: 2, Pix: make([]uint8, 15)}
	if err := b.Validate(); err == nil {
		t.Fatal("expected length mismatch error")
	}
	b.Pix = make([]uint8, 16)
	if err := b.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	b, _ := NewFilled(3, 3, 10, 20, 30, 255)
	c := b.Clone()
	c.Pix[0] = 99
	if b.Pix[0] != 10 {
		t.Error("clone shares pixel storage with the original")
	}
}

func TestLumaAndSaturation(t *testing.T) {
	if got := Luma(255, 255, 255); got < 254.99 || got > 255.01 {
		t.Errorf("Luma(white) = %v", got)
	}
	if got := Saturation(0, 0, 0); got != 0 {
		t.Errorf("Saturation(black) = %v, want 0", got)
	}
	if got := Saturation(200, 100, 100); got != 0.5 {
		t.Errorf("Saturation(200,100,100) = %v, want 0.5", got)
	}
	b, _ := NewFilled(2, 1, 255, 255, 255, 255)
	if g := b.Gray(); g[0] != 255 || g[1] != 255 {
		t.Errorf("Gray(white) = %v", g)
	}
}

func TestEncodeDecodeRoundTripPNG(t *testing.T) {
	b, _ := NewFilled(4, 3, 255, 255, 255, 255)
	setRGBA(b, 1, 1, 12, 34, 56, 255)
	setRGBA(b, 3, 2, 0, 0, 0, 128)

	data, err := Encode(b, FormatPNG)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if mime := DetectFormat(data); mime != "image/png" {
		t.Fatalf("DetectFormat = %q, want image/png", mime)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Width != 4 || got.Height != 3 {
		t.Fatalf("decoded size %dx%d, want 4x3", got.Width, got.Height)
	}
	if p := pixel(got, 1, 1); p != [4]uint8{12, 34, 56, 255} {
		t.Errorf("pixel (1,1) = %v", p)
	}
	if p := pixel(got, 3, 2); p[3] != 128 {
		t.Errorf("alpha at (3,2) = %d, want 128", p[3])
	}
}

func TestEncodeJPEG(t *testing.T) {
	b, _ := NewFilled(8, 8, 200, 200, 200, 255)
	data, err := Encode(b, FormatJPEG)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if mime := DetectFormat(data); mime != "image/jpeg" {
		t.Errorf("DetectFormat = %q, want image/jpeg", mime)
	}
}

func TestDecodeErrors(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		code scanerrors.ErrorCode
	}{
		{"garbage", []byte("definitely not an image"), scanerrors.ErrorDecodeFailed},
		{"empty", nil, scanerrors.ErrorDecodeFailed},
		{"pdf", []byte("%PDF-1.7 rest of file"), scanerrors.ErrorUnsupportedFormat},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if !scanerrors.Is(err, tc.code) {
				t.Errorf("Decode error = %v, want %s", err, tc.code)
			}
		})
	}
}

// hugeHeaderPNG returns a valid PNG whose IHDR claims width x height pixels.
func hugeHeaderPNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	b, _ := NewFilled(8, 8, 255, 255, 255, 255)
	data, err := Encode(b, FormatPNG)
	if err != nil {
		t.Fatal(err)
	}
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodePixelLimit(t *testing.T) {
	b, _ := NewFilled(20, 20, 255, 255, 255, 255)
	small, err := Encode(b, FormatPNG)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name      string
		data      []byte
		maxPixels int
		code      scanerrors.ErrorCode
	}{
		{"within limit", small, 400, ""},
		{"over limit", small, 399, scanerrors.ErrorInvalidDimensions},
		{"limit disabled", small, 0, ""},
		{"header claims 100000x100000", hugeHeaderPNG(t, 100000, 100000), DefaultMaxPixels, scanerrors.ErrorInvalidDimensions},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := DecodeLimited(tc.data, tc.maxPixels)
			if tc.code == "" {
				if err != nil || buf.Width != 20 {
					t.Errorf("DecodeLimited() = %v, %v", buf, err)
				}
				return
			}
			if !scanerrors.Is(err, tc.code) {
				t.Errorf("DecodeLimited() error = %v, want %s", err, tc.code)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	testCases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatPNG, false},
		{"PNG", FormatPNG, false},
		{"jpg", FormatJPEG, false},
		{"jpeg", FormatJPEG, false},
		{"gif", "", true},
	}

	for _, tc := range testCases {
		got, err := ParseFormat(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestRotateIsClockwise(t *testing.T) {
	// A single row [red, blue] turned clockwise becomes a column with red on top.
	b, _ := New(2, 1)
	setRGBA(b, 0, 0, 255, 0, 0, 255)
	setRGBA(b, 1, 0, 0, 0, 255, 255)

	testCases := []struct {
		degrees       int
		width, height int
		top           [4]uint8
	}{
		{0, 2, 1, [4]uint8{255, 0, 0, 255}},
		{90, 1, 2, [4]uint8{255, 0, 0, 255}},
		{180, 2, 1, [4]uint8{0, 0, 255, 255}},
		{270, 1, 2, [4]uint8{0, 0, 255, 255}},
	}

	for _, tc := range testCases {
		got, err := Rotate(b, tc.degrees)
		if err != nil {
			t.Fatalf("Rotate(%d) failed: %v", tc.degrees, err)
		}
		if got.Width != tc.width || got.Height != tc.height {
			t.Errorf("Rotate(%d) size = %dx%d, want %dx%d", tc.degrees, got.Width, got.Height, tc.width, tc.height)
			continue
		}
		if p := pixel(got, 0, 0); p != tc.top {
			t.Errorf("Rotate(%d) first pixel = %v, want %v", tc.degrees, p, tc.top)
		}
	}

	if _, err := Rotate(b, 45); err == nil {
		t.Error("Rotate(45) should fail")
	}
}

func TestFlips(t *testing.T) {
	b, _ := NewFilled(2, 2, 255, 255, 255, 255)
	setRGBA(b, 0, 0, 0, 0, 0, 255)

	h := FlipHorizontal(b)
	if !h.IsBlack(1, 0) || h.IsBlack(0, 0) {
		t.Error("FlipHorizontal did not mirror left to right")
	}
	v := FlipVertical(b)
	if !v.IsBlack(0, 1) || v.IsBlack(0, 0) {
		t.Error("FlipVertical did not mirror top to bottom")
	}
}

func TestResizeHelpers(t *testing.T) {
	b, _ := NewFilled(2000, 1000, 255, 255, 255, 255)

	r := ResizeToWidth(b, 1181)
	if r.Width != 1181 || r.Height != 591 {
		t.Errorf("ResizeToWidth = %dx%d, want 1181x591", r.Width, r.Height)
	}
	if c := CapWidth(b, 1600); c.Width != 1600 || c.Height != 800 {
		t.Errorf("CapWidth = %dx%d, want 1600x800", c.Width, c.Height)
	}
	if same := CapWidth(r, 1600); same != r {
		t.Error("CapWidth should return narrow buffers unchanged")
	}
	f := FitWithin(b, 1160, 300)
	if f.Width > 1160 || f.Height > 300 {
		t.Errorf("FitWithin = %dx%d, exceeds 1160x300", f.Width, f.Height)
	}

	strip, _ := NewFilled(10, 1000, 255, 255, 255, 255)
	tall := ResizeToWidth(strip, 1000)
	if tall.Height != MaxDimension || tall.Width != 164 {
		t.Errorf("ResizeToWidth of a 10x1000 strip = %dx%d, want 164x%d", tall.Width, tall.Height, MaxDimension)
	}
}

func TestFingerprint(t *testing.T) {
	blank, _ := NewFilled(64, 64, 255, 255, 255, 255)
	fp := Fingerprint(blank)
	if len(fp) != FingerprintSize {
		t.Fatalf("len = %d, want %d", len(fp), FingerprintSize)
	}
	if !IsBlankFingerprint(fp) {
		t.Error("white page should have a blank fingerprint")
	}

	inked := blank.Clone()
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			setRGBA(inked, x, y, 0, 0, 0, 255)
		}
	}
	if IsBlankFingerprint(Fingerprint(inked)) {
		t.Error("half-black page should not have a blank fingerprint")
	}
}
