// Package normalize flattens uneven paper illumination towards white.
//
// Two algorithms are offered behind the Normalizer interface. Both write the
// result to R, G and B and never touch alpha.
package normalize

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/scanprocess-worker/internal/mask"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// Algorithm names a background normalization variant.
type Algorithm string

const (
	Selective           Algorithm = "selective"
	AdaptiveSubtraction Algorithm = "adaptiveSubtraction"
)

// DefaultAlgorithm is used when none is requested.
const DefaultAlgorithm = AdaptiveSubtraction

// ParseAlgorithm accepts the algorithm names plus the short forms "v1"
// (selective) and "v2"/"adaptive" (adaptive subtraction).
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultAlgorithm, nil
	case "selective", "v1":
		return Selective, nil
	case "adaptivesubtraction", "adaptive", "v2":
		return AdaptiveSubtraction, nil
	}
	return "", fmt.Errorf("unknown normalization algorithm %q", s)
}

// UnmarshalText lets Algorithm appear directly in JSON payloads.
func (a *Algorithm) UnmarshalText(text []byte) error {
	v, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Normalizer rewrites buf in place. Masks are built from buf before the call.
type Normalizer interface {
	Normalize(buf *raster.Buffer, masks mask.Set) error
}

// For returns the normalizer implementing alg.
func For(alg Algorithm) (Normalizer, error) {
	switch alg {
	case Selective:
		return SelectiveBrightening{}, nil
	case AdaptiveSubtraction, "":
		return NewAdaptiveSubtraction(), nil
	}
	return nil, fmt.Errorf("unknown normalization algorithm %q", alg)
}
