// Package orient decides which way up a photographed page of writing is.
//
// Each of the four cardinal rotations is scored by how strongly its row
// profile looks like lines of text. The winning axis leaves two candidates
// that score alike (a page and its 180 degree turn); those are separated by
// TopBottomBalance, which assumes ink is denser near the top of a page. That
// assumption holds for titled or partially filled pages and is a heuristic
// only, so the tie policy is exposed on Corrector.
package orient

import (
	"math"

	"github.com/adverant/nexus/scanprocess-worker/internal/binarize"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
	"github.com/adverant/nexus/scanprocess-worker/internal/speckle"
)

// Rotations lists the candidate clockwise turns in scan order.
var Rotations = [4]int{0, 90, 180, 270}

const smoothRadius = 2 // moving-average window of 5 rows

// HorizontalLineScore counts pure-black pixels per row, smooths the profile
// with a window-5 moving average and returns its variance divided by its
// peak. Horizontal text lines give a high score.
func HorizontalLineScore(ink *raster.Buffer) float64 {
	h := ink.Height
	rows := make([]float64, h)
	for y := 0; y < h; y++ {
		n := 0
		for x := 0; x < ink.Width; x++ {
			if ink.IsBlack(x, y) {
				n++
			}
		}
		rows[y] = float64(n)
	}

	smoothed := make([]float64, h)
	for y := range smoothed {
		sum, c := 0.0, 0
		for yy := max(y-smoothRadius, 0); yy <= min(y+smoothRadius, h-1); yy++ {
			sum += rows[yy]
			c++
		}
		smoothed[y] = sum / float64(c)
	}

	mean, peak := 0.0, 0.0
	for _, v := range smoothed {
		mean += v
		peak = math.Max(peak, v)
	}
	mean /= float64(h)

	variance := 0.0
	for _, v := range smoothed {
		d := v - mean
		variance += d * d
	}
	variance /= float64(h)

	if peak == 0 {
		peak = 1
	}
	return variance / peak
}

// TopBottomBalance is the number of black pixels in the top third of the page
// minus the number in the bottom third.
func TopBottomBalance(ink *raster.Buffer) int {
	third := ink.Height / 3
	top, bottom := 0, 0
	for y := 0; y < third; y++ {
		for x := 0; x < ink.Width; x++ {
			if ink.IsBlack(x, y) {
				top++
			}
		}
	}
	for y := ink.Height - third; y < ink.Height; y++ {
		for x := 0; x < ink.Width; x++ {
			if ink.IsBlack(x, y) {
				bottom++
			}
		}
	}
	return top - bottom
}

// Decision is the outcome of Detect.
type Decision struct {
	// Rotation is the clockwise turn that makes the page upright.
	Rotation int
	// Scores holds HorizontalLineScore per entry of Rotations.
	Scores [4]float64
	// Balances holds TopBottomBalance for the two members of the winning axis.
	Balances [2]int
	// Tie is set when the balances were equal and the policy decided.
	Tie bool
}

// Corrector picks the upright orientation of a page.
type Corrector struct {
	// PreferPrimaryOnTie makes an exact balance tie resolve to 0 (or 90)
	// instead of 180 (or 270). The default keeps the page turned.
	PreferPrimaryOnTie bool
}

// Detect scores the four rotations of an ink map (pure black on white).
func (c Corrector) Detect(ink *raster.Buffer) (Decision, error) {
	if err := ink.Validate(); err != nil {
		return Decision{}, err
	}

	var d Decision
	if !hasInk(ink) {
		// Nothing to read; leave the page as it is.
		return d, nil
	}

	var candidates [4]*raster.Buffer
	best := 0
	for i, deg := range Rotations {
		cand, err := raster.Rotate(ink, deg)
		if err != nil {
			return Decision{}, err
		}
		candidates[i] = cand
		d.Scores[i] = HorizontalLineScore(cand)
		if d.Scores[i] > d.Scores[best] {
			best = i
		}
	}

	// Index i and i+2 are the same axis turned upside down.
	primary := best % 2
	secondary := primary + 2
	d.Balances[0] = TopBottomBalance(candidates[primary])
	d.Balances[1] = TopBottomBalance(candidates[secondary])

	switch {
	case d.Balances[0] > d.Balances[1]:
		d.Rotation = Rotations[primary]
	case d.Balances[0] < d.Balances[1]:
		d.Rotation = Rotations[secondary]
	default:
		d.Tie = true
		d.Rotation = Rotations[secondary]
		if c.PreferPrimaryOnTie {
			d.Rotation = Rotations[primary]
		}
	}
	return d, nil
}

func hasInk(ink *raster.Buffer) bool {
	for p := 0; p < ink.Width*ink.Height; p++ {
		i := p * 4
		if ink.Pix[i] == 0 && ink.Pix[i+1] == 0 && ink.Pix[i+2] == 0 {
			return true
		}
	}
	return false
}

// Upright detects the orientation from ink and applies it to buf. ink must
// have the same size as buf.
func (c Corrector) Upright(buf, ink *raster.Buffer) (*raster.Buffer, Decision, error) {
	d, err := c.Detect(ink)
	if err != nil {
		return nil, Decision{}, err
	}
	out, err := raster.Rotate(buf, d.Rotation)
	if err != nil {
		return nil, Decision{}, err
	}
	return out, d, nil
}

// InkMap binarizes and despeckles a copy of buf for scoring.
func InkMap(buf *raster.Buffer, strictness binarize.Strictness) (*raster.Buffer, error) {
	ink := buf.Clone()
	if err := binarize.ForStrictness(strictness).Apply(ink); err != nil {
		return nil, err
	}
	if _, err := speckle.Remove(ink); err != nil {
		return nil, err
	}
	return ink, nil
}

// ApplyManual applies a user-chosen clockwise rotation, then a horizontal
// flip, then a vertical flip.
func ApplyManual(buf *raster.Buffer, degrees int, flipH, flipV bool) (*raster.Buffer, error) {
	out, err := raster.Rotate(buf, NormalizeDegrees(degrees))
	if err != nil {
		return nil, err
	}
	if flipH {
		out = raster.FlipHorizontal(out)
	}
	if flipV {
		out = raster.FlipVertical(out)
	}
	return out, nil
}

// NormalizeDegrees folds any multiple of 90 into [0, 360). Other values are
// returned unchanged so Rotate can reject them.
func NormalizeDegrees(deg int) int {
	if deg%90 != 0 {
		return deg
	}
	return ((deg % 360) + 360) % 360
}
