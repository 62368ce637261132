package normalize

import (
	"testing"

	"github.com/adverant/nexus/scanprocess-worker/internal/mask"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

func uniform(t *testing.T, w, h int, v uint8) *raster.Buffer {
	t.Helper()
	b, err := raster.NewFilled(w, h, v, v, v, 255)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func setRGB(b *raster.Buffer, x, y int, r, g, bl uint8) {
	i := b.Offset(x, y)
	b.Pix[i], b.Pix[i+1], b.Pix[i+2] = r, g, bl
}

// gradientPage darkens from 255 on the left to about 155 on the right and has
// a four pixel wide ink stroke in the middle.
func gradientPage(t *testing.T) *raster.Buffer {
	t.Helper()
	b := uniform(t, 400, 100, 255)
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			v := uint8(255 - x/4)
			if x >= 200 && x < 204 {
				v = 40
			}
			setRGB(b, x, y, v, v, v)
		}
	}
	return b
}

func TestParseAlgorithm(t *testing.T) {
	testCases := []struct {
		in   string
		want Algorithm
		ok   bool
	}{
		{"", AdaptiveSubtraction, true},
		{"selective", Selective, true},
		{"v1", Selective, true},
		{"adaptiveSubtraction", AdaptiveSubtraction, true},
		{"V2", AdaptiveSubtraction, true},
		{"magic", "", false},
	}
	for _, tc := range testCases {
		got, err := ParseAlgorithm(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("ParseAlgorithm(%q) = %q, %v", tc.in, got, err)
		}
	}
	if _, err := For("magic"); err == nil {
		t.Error("For should reject unknown algorithms")
	}
}

func TestForDispatch(t *testing.T) {
	testCases := []struct {
		alg  Algorithm
		want Normalizer
	}{
		{Selective, SelectiveBrightening{}},
		{AdaptiveSubtraction, NewAdaptiveSubtraction()},
		{"", NewAdaptiveSubtraction()},
	}
	for _, tc := range testCases {
		t.Run(string(tc.alg), func(t *testing.T) {
			got, err := For(tc.alg)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("For(%q) = %#v, want %#v", tc.alg, got, tc.want)
			}
		})
	}

	if a := NewAdaptiveSubtraction(); a.SampleWidth != 200 || a.BlurSigma != 6 || a.Contrast != 1.5 || a.TargetWhite != 255 {
		t.Errorf("unexpected default tuning %+v", a)
	}
}

func TestNormalizersKeepAlpha(t *testing.T) {
	for _, alg := range []Algorithm{Selective, AdaptiveSubtraction} {
		t.Run(string(alg), func(t *testing.T) {
			b := gradientPage(t)
			for p := 0; p < b.Width*b.Height; p++ {
				b.Pix[p*4+3] = uint8(p % 251)
			}
			masks, err := mask.Build(b)
			if err != nil {
				t.Fatal(err)
			}
			n, err := For(alg)
			if err != nil {
				t.Fatal(err)
			}
			if err := n.Normalize(b, masks); err != nil {
				t.Fatal(err)
			}
			for p := 0; p < b.Width*b.Height; p++ {
				if b.Pix[p*4+3] != uint8(p%251) {
					t.Fatalf("alpha changed at pixel %d", p)
				}
				if r, g, bl := b.Pix[p*4], b.Pix[p*4+1], b.Pix[p*4+2]; r != g || g != bl {
					t.Fatalf("pixel %d is not gray: %d %d %d", p, r, g, bl)
				}
			}
		})
	}
}

func TestSelectiveBands(t *testing.T) {
	testCases := []struct {
		in, want uint8
	}{
		{200, 216},
		{250, 255},
		{150, 156},
		{100, 96},
		{2, 0},
	}
	for _, tc := range testCases {
		b := uniform(t, 12, 12, tc.in)
		if err := (SelectiveBrightening{}).Normalize(b, mask.Set{}); err != nil {
			t.Fatal(err)
		}
		if got := b.Pix[b.Offset(6, 6)]; got != tc.want {
			t.Errorf("luma %d -> %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestAdaptiveSubtractionFlattensLighting(t *testing.T) {
	b := gradientPage(t)
	if err := NewAdaptiveSubtraction().Normalize(b, mask.Set{}); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			v := b.Pix[b.Offset(x, y)]
			stroke := x >= 200 && x < 204
			if stroke && v > 100 {
				t.Fatalf("ink at (%d,%d) washed out to %d", x, y, v)
			}
			if !stroke && (x < 190 || x > 214) && v < 240 {
				t.Fatalf("paper at (%d,%d) only reached %d", x, y, v)
			}
		}
	}
}

func TestAdaptiveSubtractionWhitePage(t *testing.T) {
	b := uniform(t, 300, 120, 255)
	if err := NewAdaptiveSubtraction().Normalize(b, mask.Set{}); err != nil {
		t.Fatal(err)
	}
	for p := 0; p < b.Width*b.Height; p++ {
		if b.Pix[p*4] != 255 {
			t.Fatalf("pixel %d = %d, want 255", p, b.Pix[p*4])
		}
	}
}

func TestParseProfile(t *testing.T) {
	testCases := []struct {
		in        string
		threshold float64
	}{
		{"", 220},
		{"whiten-soft", 210},
		{"soft", 210},
		{"auto", 220},
		{"whiten", 220},
		{"enhance", 235},
		{"whiten-strong", 235},
	}
	for _, tc := range testCases {
		p, err := ParseProfile(tc.in)
		if err != nil {
			t.Errorf("ParseProfile(%q) failed: %v", tc.in, err)
			continue
		}
		if p.Threshold() != tc.threshold {
			t.Errorf("ParseProfile(%q).Threshold() = %v, want %v", tc.in, p.Threshold(), tc.threshold)
		}
	}
	if _, err := ParseProfile("bleach"); err == nil {
		t.Error("unknown profile should fail")
	}
}

func TestWhiten(t *testing.T) {
	b := uniform(t, 6, 1, 255)
	setRGB(b, 0, 0, 225, 225, 225) // above threshold
	setRGB(b, 1, 0, 205, 205, 205) // neutral bleed-through
	setRGB(b, 2, 0, 195, 195, 195) // below the bleed band
	setRGB(b, 3, 0, 230, 200, 190) // coloured, inside the band
	setRGB(b, 4, 0, 250, 250, 250) // bright but protected
	b.Pix[1*4+3] = 77

	protected := mask.NewMask(6, 1)
	protected.Bits[4] = 1

	if err := Whiten(b, protected, Standard.Threshold()); err != nil {
		t.Fatal(err)
	}

	want := []uint8{255, 255, 195, 230, 250, 255}
	for x, v := range want {
		if got := b.Pix[x*4]; got != v {
			t.Errorf("pixel %d red = %d, want %d", x, got, v)
		}
	}
	if b.Pix[1*4+3] != 77 {
		t.Error("Whiten changed alpha")
	}

	if err := Whiten(b, mask.NewMask(2, 2), 220); err == nil {
		t.Error("mismatched mask should be rejected")
	}
}

func TestDenoiseBackground(t *testing.T) {
	b := uniform(t, 7, 7, 200)
	setRGB(b, 2, 2, 0, 0, 0)
	setRGB(b, 4, 4, 0, 0, 0)

	protected := mask.NewMask(7, 7)
	protected.Bits[4*7+4] = 1

	if err := DenoiseBackground(b, protected); err != nil {
		t.Fatal(err)
	}
	if v := b.Pix[b.Offset(2, 2)]; v != 200 {
		t.Errorf("unprotected speck = %d, want 200", v)
	}
	if v := b.Pix[b.Offset(4, 4)]; v != 0 {
		t.Errorf("protected speck = %d, want 0", v)
	}
}
