// Package filter provides peak filtering and reduction functions
package filter

import (
	"fmt"
	"slices"

	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

// Config holds filtering configuration
type Config struct {
	MinIntensityPercent float64            // Keep only peaks above this % of base peak (0 = no cutoff)
	Maximal             *MaximalPeakFilter // Windowed reduction ladder (nil = skip)
	TopN                int                // Keep only top N most intense peaks (0 = no limit)
}

// Apply runs all configured filters and returns a new spectrum. The input
// spectrum is not modified.
func (c *Config) Apply(spec *core.Spectrum) (*core.Spectrum, error) {
	peaks := RemoveZeroIntensityPeaks(spec.Peaks())

	// Apply intensity filters
	if c.MinIntensityPercent > 0 {
		peaks = FilterByIntensity(peaks, c.MinIntensityPercent)
	}

	if c.Maximal != nil {
		res, err := c.Maximal.Apply(peaks)
		if err != nil {
			return nil, fmt.Errorf("spectrum %s: %w", spec.ID(), err)
		}
		peaks = res.Peaks
	}

	// Apply top-N filter
	if c.TopN > 0 {
		peaks = HighestN(peaks, c.TopN)
	}

	return spec.WithPeaks(peaks), nil
}

// FilterByIntensity removes peaks below percent of the base peak intensity.
func FilterByIntensity(peaks []core.Peak, percent float64) []core.Peak {
	if len(peaks) == 0 {
		return peaks
	}

	// Find maximum intensity
	maxIntensity := float32(0)
	for _, peak := range peaks {
		if peak.Intensity > maxIntensity {
			maxIntensity = peak.Intensity
		}
	}

	threshold := float32(percent/100.0) * maxIntensity

	var filtered []core.Peak
	for _, peak := range peaks {
		if peak.Intensity >= threshold {
			filtered = append(filtered, peak)
		}
	}
	return filtered
}

// HighestN keeps only the N most intense peaks, returned in m/z order.
func HighestN(peaks []core.Peak, n int) []core.Peak {
	if n < 0 {
		n = 0
	}
	if len(peaks) <= n {
		return slices.Clone(peaks)
	}

	// Create a copy and sort by intensity descending
	ranked := slices.Clone(peaks)
	slices.SortFunc(ranked, core.CompareByIntensity)

	kept := ranked[:n:n]
	slices.SortFunc(kept, core.ComparePeaks)
	return kept
}

// RemoveZeroIntensityPeaks removes peaks with zero or negative intensity
func RemoveZeroIntensityPeaks(peaks []core.Peak) []core.Peak {
	var filtered []core.Peak
	for _, peak := range peaks {
		if peak.Intensity > 0 {
			filtered = append(filtered, peak)
		}
	}
	return filtered
}
