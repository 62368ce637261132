package pipeline

import (
	"fmt"

	"github.com/adverant/nexus/scanprocess-worker/internal/binarize"
	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
	"github.com/adverant/nexus/scanprocess-worker/internal/normalize"
	"github.com/adverant/nexus/scanprocess-worker/internal/orient"
)

// MaxTargetWidth bounds targetWidthPixels.
const MaxTargetWidth = 10000

// Options controls how one image is processed. Decode a payload over
// DefaultOptions so that missing fields keep their defaults.
type Options struct {
	Algorithm       normalize.Algorithm `json:"algorithmVersion"`
	Binarize        bool                `json:"binarize"`
	Strictness      binarize.Strictness `json:"strictness"`
	Profile         normalize.Profile   `json:"profile"`
	AutoOrient      bool                `json:"autoOrient"`
	RotationDegrees int                 `json:"manualRotationDegrees"`
	FlipHorizontal  bool                `json:"flipHorizontal"`
	FlipVertical    bool                `json:"flipVertical"`
	TargetWidth     int                 `json:"targetWidthPixels,omitempty"`
}

// DefaultOptions returns adaptive subtraction, no binarization, strict bias,
// standard whitening and automatic orientation.
func DefaultOptions() Options {
	return Options{
		Algorithm:  normalize.DefaultAlgorithm,
		Strictness: binarize.Strict,
		Profile:    normalize.Standard,
		AutoOrient: true,
	}
}

// Validate checks every field once, before any pixel work starts.
func (o Options) Validate() error {
	if _, err := normalize.For(o.Algorithm); err != nil {
		return scanerrors.NewInvalidOptionsError(err.Error())
	}
	if _, err := binarize.ParseStrictness(string(o.Strictness)); err != nil {
		return scanerrors.NewInvalidOptionsError(err.Error())
	}
	if _, err := normalize.ParseProfile(string(o.Profile)); err != nil {
		return scanerrors.NewInvalidOptionsError(err.Error())
	}
	switch orient.NormalizeDegrees(o.RotationDegrees) {
	case 0, 90, 180, 270:
	default:
		return scanerrors.NewInvalidOptionsError(fmt.Sprintf("manualRotationDegrees must be a multiple of 90, got %d", o.RotationDegrees))
	}
	if o.TargetWidth < 0 || o.TargetWidth > MaxTargetWidth {
		return scanerrors.NewInvalidOptionsError(fmt.Sprintf("targetWidthPixels must be between 0 and %d, got %d", MaxTargetWidth, o.TargetWidth))
	}
	return nil
}

// strictness and profile resolve the empty values to their defaults.
func (o Options) strictness() binarize.Strictness {
	s, _ := binarize.ParseStrictness(string(o.Strictness))
	return s
}

func (o Options) profile() normalize.Profile {
	p, _ := normalize.ParseProfile(string(o.Profile))
	return p
}
