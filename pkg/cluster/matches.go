package cluster

import (
	"cmp"
	"slices"

	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

// MaxBestMatches is the number of comparison results a cluster remembers.
const MaxBestMatches = 30

// ComparisonMatch records the similarity between a cluster and another
// cluster, identified by id.
type ComparisonMatch struct {
	OtherID    string
	Similarity float32
}

// CompareMatches orders matches by ascending similarity, then by id.
func CompareMatches(a, b ComparisonMatch) int {
	if c := cmp.Compare(a.Similarity, b.Similarity); c != 0 {
		return c
	}
	return cmp.Compare(a.OtherID, b.OtherID)
}

// BestMatches keeps the highest-similarity comparison results, up to a fixed
// capacity. The lowest retained similarity is cached so that hopeless
// candidates are rejected without touching the list.
type BestMatches struct {
	capacity int
	matches  []ComparisonMatch
	lowest   float32
	ids      core.Cached[struct{}, map[string]struct{}]
}

// NewBestMatches returns an empty cache holding up to MaxBestMatches entries.
func NewBestMatches() *BestMatches {
	return newBestMatches(MaxBestMatches)
}

func newBestMatches(capacity int) *BestMatches {
	return &BestMatches{
		capacity: capacity,
		matches:  make([]ComparisonMatch, 0, capacity+1),
	}
}

// Admit offers a comparison result. Below capacity every result is taken;
// at capacity only results beating the lowest retained similarity are, and
// the lowest entries are then evicted. A result for an id that is already
// known keeps the higher of the two similarities. Admit reports whether the
// cache changed.
func (b *BestMatches) Admit(otherID string, similarity float32) bool {
	if b.Contains(otherID) {
		i := slices.IndexFunc(b.matches, func(m ComparisonMatch) bool { return m.OtherID == otherID })
		if similarity <= b.matches[i].Similarity {
			return false
		}
		b.matches[i].Similarity = similarity
		b.recomputeLowest()
		return true
	}

	if len(b.matches) >= b.capacity && similarity <= b.lowest {
		return false
	}

	b.matches = append(b.matches, ComparisonMatch{OtherID: otherID, Similarity: similarity})
	b.ids.Invalidate()

	if len(b.matches) > b.capacity {
		b.trim()
		return true
	}
	if len(b.matches) == 1 || similarity < b.lowest {
		b.lowest = similarity
	}
	return true
}

// trim sorts ascending and drops the lowest entries beyond capacity.
func (b *BestMatches) trim() {
	slices.SortFunc(b.matches, CompareMatches)
	if excess := len(b.matches) - b.capacity; excess > 0 {
		b.matches = slices.Delete(b.matches, 0, excess)
	}
	b.recomputeLowest()
}

func (b *BestMatches) recomputeLowest() {
	if len(b.matches) == 0 {
		b.lowest = 0
		return
	}
	b.lowest = slices.MinFunc(b.matches, CompareMatches).Similarity
}

// SetMatches replaces the cache contents. An empty list resets the lowest
// similarity to zero, meaning the cache is empty.
func (b *BestMatches) SetMatches(matches []ComparisonMatch) {
	b.matches = slices.Clone(matches)
	b.ids.Invalidate()
	b.trim()
}

// Contains reports whether a result for otherID is retained.
func (b *BestMatches) Contains(otherID string) bool {
	set, ok := b.ids.Get(struct{}{})
	if !ok {
		set = make(map[string]struct{}, len(b.matches))
		for _, m := range b.matches {
			set[m.OtherID] = struct{}{}
		}
		b.ids.Set(struct{}{}, set)
	}
	_, found := set[otherID]
	return found
}

// Matches returns the retained results sorted by ascending similarity.
func (b *BestMatches) Matches() []ComparisonMatch {
	out := slices.Clone(b.matches)
	slices.SortFunc(out, CompareMatches)
	return out
}

// Len returns the number of retained results.
func (b *BestMatches) Len() int { return len(b.matches) }

// Capacity returns the maximum number of retained results.
func (b *BestMatches) Capacity() int { return b.capacity }

// Lowest returns the lowest retained similarity, or 0 when empty.
func (b *BestMatches) Lowest() float32 { return b.lowest }
