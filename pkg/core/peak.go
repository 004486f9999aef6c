package core

import (
	"cmp"
	"math"
)

// Tolerances used by the weak-equality checks on peaks, spectra and clusters.
const (
	SmallMZDifference = 0.002
	// Intensities are equivalent when within the absolute difference or
	// within the fraction of the larger intensity.
	SmallIntensityDifference = 0.1
	SmallIntensityFraction   = 0.001
)

// Usable fragment and precursor m/z range.
const (
	LowestUsableMZ  = 150.0
	HighestUsableMZ = 2000.0
)

// Peak represents a single m/z, intensity pair. Count is the number of
// spectra that contributed the peak when it belongs to a consensus spectrum;
// raw spectra always carry a count of 1.
type Peak struct {
	MZ        float32
	Intensity float32
	Count     int
}

// ComparePeaks orders peaks by m/z, then intensity, then count.
func ComparePeaks(a, b Peak) int {
	if c := cmp.Compare(a.MZ, b.MZ); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Intensity, b.Intensity); c != 0 {
		return c
	}
	return cmp.Compare(a.Count, b.Count)
}

// CompareByIntensity orders peaks by descending intensity. Ties fall back to
// the natural peak order so the ranking is deterministic.
func CompareByIntensity(a, b Peak) int {
	if c := cmp.Compare(b.Intensity, a.Intensity); c != 0 {
		return c
	}
	return ComparePeaks(a, b)
}

// Equivalent reports whether two peaks are the same up to the small m/z and
// intensity tolerances. Counts must match exactly.
func (p Peak) Equivalent(o Peak) bool {
	if p.Count != o.Count {
		return false
	}
	if math.Abs(float64(p.MZ)-float64(o.MZ)) > SmallMZDifference {
		return false
	}
	return intensityClose(float64(p.Intensity), float64(o.Intensity))
}

func intensityClose(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= SmallIntensityDifference {
		return true
	}
	return diff <= SmallIntensityFraction*math.Max(math.Abs(a), math.Abs(b))
}
