package raster

import "github.com/disintegration/imaging"

// FingerprintSide is the edge length of the thumbnail behind Fingerprint.
const FingerprintSide = 32

// FingerprintSize is the vector length produced by Fingerprint.
const FingerprintSize = FingerprintSide * FingerprintSide

// Fingerprint reduces the buffer to a 32x32 luminance thumbnail scaled to
// [0, 1], ink high and paper low. A blank page comes out as the zero vector,
// which cosine distance cannot compare; see IsBlankFingerprint.
func Fingerprint(b *Buffer) []float32 {
	thumb := adopt(imaging.Resize(b.NRGBA(), FingerprintSide, FingerprintSide, imaging.Box))
	vec := make([]float32, FingerprintSize)
	for p := range vec {
		vec[p] = float32(1 - thumb.LumaAt(p)/255)
	}
	return vec
}

// IsBlankFingerprint reports whether a fingerprint carries no ink at all.
func IsBlankFingerprint(vec []float32) bool {
	for _, v := range vec {
		if v > 0.002 {
			return false
		}
	}
	return true
}
