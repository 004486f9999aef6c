package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

// Default window settings for the binned reduction.
const (
	DefaultBinSize     = 100.0
	DefaultOverlap     = 50.0
	DefaultTargetPeaks = 100
)

// DefaultLadder is the sequence of per-bin caps tried by MaximalPeakFilter,
// from the most lenient to the strictest. When even the last step leaves too
// many peaks, the strictest result is returned with LadderResult.Exhausted
// set.
var DefaultLadder = []int{8, 7, 6, 5, 4, 3, 2, 1}

var (
	ErrPeaksNotSorted = errors.New("filter: peaks not sorted by m/z")
	ErrInvalidWindow  = errors.New("filter: invalid window settings")
	ErrEmptyLadder    = errors.New("filter: ladder has no steps")
)

// BinnedHighestN keeps the MaxPeaksPerBin most intense peaks inside each of a
// series of overlapping windows. Windows are BinSize wide and advance by
// BinSize-Overlap from MinMZ; a window reaching past MaxMZ is not visited.
type BinnedHighestN struct {
	MaxPeaksPerBin int
	BinSize        float64
	Overlap        float64
	MinMZ          float64
	MaxMZ          float64
}

// NewBinnedHighestN returns a reduction over the usable m/z range.
func NewBinnedHighestN(maxPeaksPerBin int, binSize, overlap float64) (*BinnedHighestN, error) {
	b := &BinnedHighestN{
		MaxPeaksPerBin: maxPeaksPerBin,
		BinSize:        binSize,
		Overlap:        overlap,
		MinMZ:          core.LowestUsableMZ,
		MaxMZ:          core.HighestUsableMZ,
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BinnedHighestN) validate() error {
	switch {
	case b.MaxPeaksPerBin < 0:
		return fmt.Errorf("%w: max peaks per bin %d", ErrInvalidWindow, b.MaxPeaksPerBin)
	case b.BinSize <= 0:
		return fmt.Errorf("%w: bin size %g", ErrInvalidWindow, b.BinSize)
	case b.Overlap < 0 || b.Overlap >= b.BinSize:
		return fmt.Errorf("%w: overlap %g with bin size %g", ErrInvalidWindow, b.Overlap, b.BinSize)
	case b.MaxMZ <= b.MinMZ:
		return fmt.Errorf("%w: m/z range [%g, %g]", ErrInvalidWindow, b.MinMZ, b.MaxMZ)
	}
	return nil
}

// Apply reduces peaks, which must be sorted by m/z. A peak kept by several
// overlapping windows appears once. The result is sorted by m/z.
func (b *BinnedHighestN) Apply(peaks []core.Peak) ([]core.Peak, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	for i := 1; i < len(peaks); i++ {
		if peaks[i].MZ < peaks[i-1].MZ-core.SmallMZDifference {
			return nil, fmt.Errorf("%w: %g follows %g at index %d", ErrPeaksNotSorted, peaks[i].MZ, peaks[i-1].MZ, i)
		}
	}

	step := b.BinSize - b.Overlap
	end := len(peaks)
	kept := make(map[int]struct{})
	window := make([]int, 0, 64)

	start := 0
	for bottom := b.MinMZ; bottom+b.BinSize <= b.MaxMZ && start < end; bottom += step {
		top := bottom + b.BinSize
		next := end
		window = window[:0]

		for i := start; i < end; i++ {
			mz := float64(peaks[i].MZ)
			if next == end && mz >= top-b.Overlap {
				next = i
			}
			if mz > top {
				break
			}
			if mz >= bottom {
				window = append(window, i)
			}
		}

		slices.SortFunc(window, func(x, y int) int {
			return core.CompareByIntensity(peaks[x], peaks[y])
		})
		for _, idx := range window[:min(len(window), b.MaxPeaksPerBin)] {
			kept[idx] = struct{}{}
		}

		start = next
	}

	indices := make([]int, 0, len(kept))
	for idx := range kept {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	out := make([]core.Peak, len(indices))
	for i, idx := range indices {
		out[i] = peaks[idx]
	}
	slices.SortStableFunc(out, core.ComparePeaks)
	return out, nil
}

// LadderResult is the outcome of a MaximalPeakFilter run.
type LadderResult struct {
	Peaks []core.Peak
	// Step is the ladder index that produced Peaks, -1 when the input was
	// already small enough.
	Step           int
	MaxPeaksPerBin int
	// Exhausted is set when even the strictest step left more than the
	// target number of peaks; Peaks then holds that strictest result.
	Exhausted bool
}

// MaximalPeakFilter reruns the windowed reduction with stricter per-bin caps
// until at most Target peaks remain or the ladder runs out.
type MaximalPeakFilter struct {
	Target  int
	Ladder  []int
	BinSize float64
	Overlap float64
	Stats   *Stats
}

// NewMaximalPeakFilter returns a filter with the default ladder and windows.
func NewMaximalPeakFilter(target int, stats *Stats) *MaximalPeakFilter {
	return &MaximalPeakFilter{
		Target:  target,
		Ladder:  slices.Clone(DefaultLadder),
		BinSize: DefaultBinSize,
		Overlap: DefaultOverlap,
		Stats:   stats,
	}
}

// Apply runs the ladder over m/z-sorted peaks.
func (f *MaximalPeakFilter) Apply(peaks []core.Peak) (LadderResult, error) {
	if len(peaks) <= f.Target {
		res := LadderResult{Peaks: slices.Clone(peaks), Step: -1}
		f.Stats.observe(res)
		return res, nil
	}
	if len(f.Ladder) == 0 {
		return LadderResult{}, ErrEmptyLadder
	}

	var res LadderResult
	for i, maxPerBin := range f.Ladder {
		w, err := NewBinnedHighestN(maxPerBin, f.BinSize, f.Overlap)
		if err != nil {
			return LadderResult{}, err
		}
		out, err := w.Apply(peaks)
		if err != nil {
			return LadderResult{}, err
		}

		res = LadderResult{Peaks: out, Step: i, MaxPeaksPerBin: maxPerBin}
		if len(out) <= f.Target {
			f.Stats.observe(res)
			return res, nil
		}
	}

	res.Exhausted = true
	slog.Debug("peak filter ladder exhausted",
		"peaks", len(res.Peaks),
		"target", f.Target,
		"max_per_bin", res.MaxPeaksPerBin)
	f.Stats.observe(res)
	return res, nil
}
