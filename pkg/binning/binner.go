// Package binning maps continuous values such as m/z onto fixed-width integer
// bins.
package binning

import (
	"errors"
	"fmt"
	"math"
)

// Unbinned is returned by AsBin for out-of-range values when overflow binning
// is disabled.
const Unbinned = -1

var (
	ErrInvalidRange   = errors.New("binning: max value must exceed min value")
	ErrInvalidBinSize = errors.New("binning: bin size must be positive")
	ErrInvalidMinBin  = errors.New("binning: min bin must not be negative")
	ErrInvalidOverlap = errors.New("binning: overlap must be non-negative and smaller than the bin size")
	ErrBinOutOfRange  = errors.New("binning: bin out of range")
)

// Binner assigns values in [MinValue, MaxValue] to bins of width BinSize,
// numbered from MinBin. Binning is lossy: FromBin returns the bin midpoint.
type Binner struct {
	minValue     float64
	maxValue     float64
	binSize      float64
	minBin       int
	numberBins   int
	overflowBins bool
}

// NewBinner creates a binner. With overflowBins set, values below the range go
// to the first bin and values above it to the last; otherwise they are
// Unbinned.
func NewBinner(minValue, maxValue, binSize float64, minBin int, overflowBins bool) (*Binner, error) {
	if maxValue <= minValue {
		return nil, fmt.Errorf("%w: min=%g max=%g", ErrInvalidRange, minValue, maxValue)
	}
	if binSize <= 0 {
		return nil, fmt.Errorf("%w: %g", ErrInvalidBinSize, binSize)
	}
	if minBin < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMinBin, minBin)
	}

	n := int(math.Round((maxValue - minValue) / binSize))
	if n < 1 {
		n = 1
	}
	return &Binner{
		minValue:     minValue,
		maxValue:     maxValue,
		binSize:      binSize,
		minBin:       minBin,
		numberBins:   n,
		overflowBins: overflowBins,
	}, nil
}

// MinValue returns the lower end of the binned range.
func (b *Binner) MinValue() float64 { return b.minValue }

// MaxValue returns the upper end of the binned range.
func (b *Binner) MaxValue() float64 { return b.maxValue }

// BinSize returns the bin width.
func (b *Binner) BinSize() float64 { return b.binSize }

// MinBin returns the index of the first bin.
func (b *Binner) MinBin() int { return b.minBin }

// MaxBin returns the index of the last bin.
func (b *Binner) MaxBin() int { return b.minBin + b.numberBins - 1 }

// NumberBins returns the number of bins.
func (b *Binner) NumberBins() int { return b.numberBins }

// OverflowBins reports whether out-of-range values are clamped into the edge
// bins.
func (b *Binner) OverflowBins() bool { return b.overflowBins }

// AsBin returns the bin holding value, or Unbinned.
func (b *Binner) AsBin(value float64) int {
	if value < b.minValue {
		if b.overflowBins {
			return b.minBin
		}
		return Unbinned
	}
	if value > b.maxValue {
		if b.overflowBins {
			return b.MaxBin()
		}
		return Unbinned
	}

	bin := int(math.Floor((value-b.minValue)/b.binSize)) + b.minBin
	// value == maxValue, or a range that is not an exact multiple of binSize
	if bin > b.MaxBin() {
		bin = b.MaxBin()
	}
	return bin
}

// FromBin returns the midpoint of bin. Without overflow binning, Unbinned is
// accepted and maps to MinValue-1, which lies outside the range on purpose.
func (b *Binner) FromBin(bin int) (float64, error) {
	if bin == Unbinned && !b.overflowBins {
		return b.minValue - 1, nil
	}
	if bin < b.minBin || bin > b.MaxBin() {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrBinOutOfRange, bin, b.minBin, b.MaxBin())
	}
	return b.binStart(bin) + b.binSize/2, nil
}

func (b *Binner) binStart(bin int) float64 {
	return b.minValue + float64(bin-b.minBin)*b.binSize
}

// WideBinner is a Binner whose bins reach overlap/2 into their neighbours, so
// a value close to a bin edge also belongs to the adjacent bin.
type WideBinner struct {
	*Binner
	overlap float64
}

// NewWideBinner creates a wide binner. overlap must be smaller than binSize.
func NewWideBinner(minValue, maxValue, binSize, overlap float64, minBin int, overflowBins bool) (*WideBinner, error) {
	if overlap < 0 || overlap >= binSize {
		return nil, fmt.Errorf("%w: overlap=%g bin size=%g", ErrInvalidOverlap, overlap, binSize)
	}
	b, err := NewBinner(minValue, maxValue, binSize, minBin, overflowBins)
	if err != nil {
		return nil, err
	}
	return &WideBinner{Binner: b, overlap: overlap}, nil
}

// Overlap returns the overlap width.
func (w *WideBinner) Overlap() float64 { return w.overlap }

// AsBins returns the main bin for value plus, when value lies within
// overlap/2 of a bin edge, the neighbouring bin. The result is ascending and
// never holds more than two bins; it is empty for Unbinned values.
func (w *WideBinner) AsBins(value float64) []int {
	main := w.AsBin(value)
	if main == Unbinned {
		return nil
	}
	if value < w.minValue || value > w.maxValue {
		return []int{main}
	}

	half := w.overlap / 2
	offset := value - w.binStart(main)
	switch {
	case offset < half && main > w.minBin:
		return []int{main - 1, main}
	case w.binSize-offset < half && main < w.MaxBin():
		return []int{main, main + 1}
	default:
		return []int{main}
	}
}
