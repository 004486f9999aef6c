package cluster

import (
	"fmt"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisMcGann/SpecCluster/pkg/consensus"
	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

var byTotalIntensity = core.QualityScorerFunc(func(s *core.Spectrum) float64 {
	return s.TotalIntensity()
})

func testSpectrum(id string, precursor, intensity float32) *core.Spectrum {
	return core.NewSpectrum(id, precursor, 2, []core.Peak{
		{MZ: 200, Intensity: intensity},
		{MZ: 300, Intensity: 2 * intensity},
		{MZ: 450.5, Intensity: intensity / 2},
	}, core.WithScorer(byTotalIntensity))
}

func newGreedy(id string) *Cluster {
	return NewGreedy(id, consensus.New(consensus.DefaultFragmentTolerance))
}

func newMutable(id string) *Cluster {
	return NewMutable(id, consensus.New(consensus.DefaultFragmentTolerance))
}

type recorder struct {
	added   [][]string
	removed [][]string
}

func ids(spectra []*core.Spectrum) []string {
	out := make([]string, len(spectra))
	for i, s := range spectra {
		out[i] = s.ID()
	}
	return out
}

func (r *recorder) SpectraAdded(_ core.SpectrumHolder, added []*core.Spectrum) {
	r.added = append(r.added, ids(added))
}

func (r *recorder) SpectraRemoved(_ core.SpectrumHolder, removed []*core.Spectrum) {
	r.removed = append(r.removed, ids(removed))
}

func TestAddSpectraUpdatesConsensus(t *testing.T) {
	c := newGreedy("c1")
	require.NoError(t, c.AddSpectra(
		testSpectrum("s1", 500.0, 10),
		testSpectrum("s2", 500.2, 20),
		testSpectrum("s3", 500.4, 30),
	))

	assert.Equal(t, 3, c.Count())
	assert.Equal(t, 3, c.Consensus().SpectrumCount())
	assert.InDelta(t, 500.2, c.PrecursorMZ(), 1e-4)
	assert.Equal(t, c.Consensus().ConsensusSpectrum().PrecursorMZ(), c.PrecursorMZ())
	assert.Equal(t, 2, c.PrecursorCharge())

	cs := c.ConsensusSpectrum()
	require.Equal(t, 3, cs.PeakCount())
	assert.Equal(t, "c1", cs.ID())
	assert.InDelta(t, 200, cs.Peak(0).MZ, 1e-4)
	assert.InDelta(t, 20, cs.Peak(0).Intensity, 1e-4)
	assert.Equal(t, 3, cs.Peak(0).Count)
	assert.InDelta(t, 40, cs.Peak(1).Intensity, 1e-4)

	for _, s := range c.Spectra() {
		assert.False(t, s.HasPeaks(), "greedy members drop peaks")
	}
	assert.False(t, c.RetainsPeaks())
	assert.Equal(t, []string{"s1", "s2", "s3"}, c.SpectrumIDs())
}

func TestEmptyCluster(t *testing.T) {
	c := newGreedy("empty")

	assert.Nil(t, c.ConsensusSpectrum())
	assert.Zero(t, c.PrecursorMZ())
	assert.Zero(t, c.PrecursorCharge())
	assert.Zero(t, c.Quality())
	assert.Empty(t, c.HighestQualitySpectra())
	assert.True(t, newMutable("m").RetainsPeaks())
}

func TestAddSpectraNotifiesOncePerBatch(t *testing.T) {
	c := newGreedy("c1")
	rec := &recorder{}
	c.RegisterObserver(rec)

	s1 := testSpectrum("s1", 500, 10)
	require.NoError(t, c.AddSpectra(s1, testSpectrum("s2", 500, 10), s1, nil))
	require.Len(t, rec.added, 1)
	assert.Equal(t, []string{"s1", "s2"}, rec.added[0])

	// re-adding known members changes nothing
	require.NoError(t, c.AddSpectra(s1))
	assert.Len(t, rec.added, 1)
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, 2, c.Consensus().SpectrumCount())
}

func TestGreedyRemoveUnsupported(t *testing.T) {
	c := newGreedy("c1")
	s1 := testSpectrum("s1", 500, 10)
	require.NoError(t, c.AddSpectra(s1))

	err := c.RemoveSpectra(s1)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 1, c.Count())
}

func TestMutableRemove(t *testing.T) {
	c := newMutable("m1")
	rec := &recorder{}
	c.RegisterObserver(rec)

	s1 := testSpectrum("s1", 500.0, 10)
	s2 := testSpectrum("s2", 501.0, 20)
	s3 := testSpectrum("s3", 502.0, 30)
	require.NoError(t, c.AddSpectra(s1, s2, s3))
	assert.True(t, c.RetainsPeaks())

	require.NoError(t, c.RemoveSpectra(s3, testSpectrum("unknown", 500, 1)))
	assert.Equal(t, 2, c.Count())
	assert.False(t, c.Contains("s3"))
	assert.Equal(t, [][]string{{"s3"}}, rec.removed)

	assert.InDelta(t, 500.5, c.PrecursorMZ(), 1e-4)
	cs := c.ConsensusSpectrum()
	require.Equal(t, 3, cs.PeakCount())
	assert.InDelta(t, 15, cs.Peak(0).Intensity, 1e-4)
	assert.Equal(t, 2, cs.Peak(0).Count)

	require.NoError(t, c.RemoveSpectra(s1, s2))
	assert.Zero(t, c.Count())
	assert.Nil(t, c.ConsensusSpectrum())
}

func TestMutableConflictingSpectrum(t *testing.T) {
	c := newMutable("m1")
	require.NoError(t, c.AddSpectra(testSpectrum("s1", 500, 10)))

	err := c.AddSpectra(testSpectrum("s2", 500, 10), testSpectrum("s1", 600, 10))
	require.ErrorIs(t, err, ErrConflictingSpectrum)
	assert.Equal(t, 1, c.Count(), "nothing is stored when the batch is rejected")

	err = c.AddSpectra(testSpectrum("s3", 500, 10), testSpectrum("s3", 500, 99))
	assert.ErrorIs(t, err, ErrConflictingSpectrum)
}

func TestAddClusterRawPath(t *testing.T) {
	direct := newGreedy("direct")
	require.NoError(t, direct.AddSpectra(
		testSpectrum("s1", 500.0, 10),
		testSpectrum("s2", 500.2, 20),
		testSpectrum("s3", 500.4, 30),
	))

	src := newMutable("src")
	require.NoError(t, src.AddSpectra(testSpectrum("s2", 500.2, 20), testSpectrum("s3", 500.4, 30)))
	dst := newGreedy("dst")
	require.NoError(t, dst.AddSpectra(testSpectrum("s1", 500.0, 10)))

	require.NoError(t, dst.AddCluster(src))
	assert.Equal(t, 3, dst.Count())
	assert.True(t, direct.ConsensusSpectrum().Equivalent(dst.ConsensusSpectrum()))
	assert.True(t, direct.Equivalent(dst))
	assert.Equal(t, ids(direct.HighestQualitySpectra()), ids(dst.HighestQualitySpectra()))
}

func TestAddClusterConsensusPath(t *testing.T) {
	direct := newGreedy("direct")
	require.NoError(t, direct.AddSpectra(
		testSpectrum("s1", 500.0, 10),
		testSpectrum("s2", 500.2, 20),
		testSpectrum("s3", 500.4, 30),
	))

	src := newGreedy("src")
	require.NoError(t, src.AddSpectra(testSpectrum("s2", 500.2, 20), testSpectrum("s3", 500.4, 30)))
	dst := newGreedy("dst")
	require.NoError(t, dst.AddSpectra(testSpectrum("s1", 500.0, 10)))
	rec := &recorder{}
	dst.RegisterObserver(rec)

	require.NoError(t, dst.AddCluster(src))
	assert.Equal(t, 3, dst.Count())
	assert.Equal(t, 3, dst.Consensus().SpectrumCount())
	assert.Equal(t, []string{"s1", "s2", "s3"}, dst.SpectrumIDs())
	assert.True(t, direct.ConsensusSpectrum().Equivalent(dst.ConsensusSpectrum()))
	assert.InDelta(t, direct.PrecursorMZ(), dst.PrecursorMZ(), core.SmallMZDifference)

	// observers other than the consensus builder see the copied members
	assert.Equal(t, [][]string{{"s2", "s3"}}, rec.added)
	assert.Equal(t, ids(direct.HighestQualitySpectra()), ids(dst.HighestQualitySpectra()))
	assert.InDelta(t, direct.Quality(), dst.Quality(), 1e-9)
}

func TestAddClusterErrors(t *testing.T) {
	t.Run("overlapping members", func(t *testing.T) {
		a := newGreedy("a")
		b := newGreedy("b")
		require.NoError(t, a.AddSpectra(testSpectrum("s1", 500, 10)))
		require.NoError(t, b.AddSpectra(testSpectrum("s1", 500, 10), testSpectrum("s2", 500, 10)))

		err := a.AddCluster(b)
		require.ErrorIs(t, err, ErrOverlappingMembers)
		assert.Equal(t, 1, a.Count())
		assert.Equal(t, 1, a.Consensus().SpectrumCount())
	})

	t.Run("greedy into mutable", func(t *testing.T) {
		m := newMutable("m")
		g := newGreedy("g")
		require.NoError(t, g.AddSpectra(testSpectrum("s1", 500, 10)))

		assert.ErrorIs(t, m.AddCluster(g), ErrIncompatibleCluster)
	})

	t.Run("mutable without peaks", func(t *testing.T) {
		m := newMutable("m")
		require.NoError(t, m.AddSpectra(testSpectrum("s1", 500, 10).WithoutPeaks()))
		assert.False(t, m.RetainsPeaks())

		assert.ErrorIs(t, newGreedy("g").AddCluster(m), ErrInvalidSource)
		_, err := NewGreedyFrom(m, consensus.New(consensus.DefaultFragmentTolerance))
		assert.ErrorIs(t, err, ErrInvalidSource)
	})

	t.Run("self and nil", func(t *testing.T) {
		g := newGreedy("g")
		require.NoError(t, g.AddSpectra(testSpectrum("s1", 500, 10)))
		assert.NoError(t, g.AddCluster(g))
		assert.NoError(t, g.AddCluster(nil))
		assert.Equal(t, 1, g.Count())
	})
}

func TestAddClusterMergesMatches(t *testing.T) {
	src := newGreedy("src")
	require.NoError(t, src.AddSpectra(testSpectrum("s2", 500, 10)))
	src.SaveComparisonResult("dst", 0.9)
	src.SaveComparisonResult("other", 0.5)

	dst := newGreedy("dst")
	require.NoError(t, dst.AddSpectra(testSpectrum("s1", 500, 10)))
	dst.SaveComparisonResult("other", 0.7)

	require.NoError(t, dst.AddCluster(src))
	assert.False(t, dst.IsKnownComparisonMatch("dst"))
	assert.Equal(t, []ComparisonMatch{{OtherID: "other", Similarity: 0.7}}, dst.BestComparisonMatches())
}

func TestNewGreedyFrom(t *testing.T) {
	src := newMutable("src")
	require.NoError(t, src.AddSpectra(testSpectrum("s1", 500, 10), testSpectrum("s2", 500.1, 20)))
	src.SetProperty(core.IdentifiedPeptide, "PEPTIDEK")

	g, err := NewGreedyFrom(src, consensus.New(consensus.DefaultFragmentTolerance))
	require.NoError(t, err)
	assert.Equal(t, "src", g.ID())
	assert.Equal(t, Greedy, g.Kind())
	assert.Equal(t, 2, g.Count())
	assert.True(t, g.ConsensusSpectrum().Equivalent(src.ConsensusSpectrum()))

	v, ok := g.Properties().Get(core.IdentifiedPeptide)
	require.True(t, ok)
	assert.Equal(t, "PEPTIDEK", v)

	// the copy owns its properties
	g.SetProperty(core.IdentifiedPeptide, "OTHER")
	v, _ = src.Properties().Get(core.IdentifiedPeptide)
	assert.Equal(t, "PEPTIDEK", v)

	// greedy sources are copied at consensus level
	g2, err := NewGreedyFrom(g, consensus.New(consensus.DefaultFragmentTolerance))
	require.NoError(t, err)
	assert.True(t, g2.Equivalent(g))
}

func TestBestComparisonMatchesKeepsTop30(t *testing.T) {
	c := newGreedy("c")
	for i := range 91 {
		c.SaveComparisonResult(fmt.Sprintf("c%d", i), float32(0.10+0.01*float64(i)))
	}

	matches := c.BestComparisonMatches()
	require.Len(t, matches, MaxBestMatches)
	assert.True(t, slices.IsSortedFunc(matches, CompareMatches))

	for i := range 91 {
		id := fmt.Sprintf("c%d", i)
		want := i >= 61
		assert.Equal(t, want, c.IsKnownComparisonMatch(id), id)
		assert.Equal(t, want, c.IsInBestComparisonResults(id), id)
	}
}

func TestBestMatches(t *testing.T) {
	t.Run("known id keeps the higher similarity", func(t *testing.T) {
		b := NewBestMatches()
		assert.True(t, b.Admit("a", 0.5))
		assert.False(t, b.Admit("a", 0.4))
		assert.True(t, b.Admit("a", 0.8))
		assert.Equal(t, []ComparisonMatch{{OtherID: "a", Similarity: 0.8}}, b.Matches())
		assert.InDelta(t, 0.8, b.Lowest(), 1e-6)
	})

	t.Run("full cache rejects lower results", func(t *testing.T) {
		b := newBestMatches(3)
		for i, s := range []float32{0.3, 0.1, 0.2} {
			require.True(t, b.Admit(fmt.Sprintf("m%d", i), s))
		}
		assert.InDelta(t, 0.1, b.Lowest(), 1e-6)
		assert.False(t, b.Admit("low", 0.1))
		assert.True(t, b.Admit("high", 0.4))
		assert.Equal(t, 3, b.Len())
		assert.False(t, b.Contains("m1"))
		assert.True(t, b.Contains("high"))
		assert.InDelta(t, 0.2, b.Lowest(), 1e-6)
	})

	t.Run("set matches", func(t *testing.T) {
		b := NewBestMatches()
		b.SetMatches([]ComparisonMatch{{OtherID: "x", Similarity: 0.9}, {OtherID: "y", Similarity: 0.3}})
		assert.True(t, b.Contains("x"))
		assert.InDelta(t, 0.3, b.Lowest(), 1e-6)

		b.SetMatches(nil)
		assert.Zero(t, b.Len())
		assert.Zero(t, b.Lowest())
		assert.False(t, b.Contains("x"))
		assert.Equal(t, MaxBestMatches, b.Capacity())
	})
}

func TestEquivalentAndCompare(t *testing.T) {
	build := func(id string, spectra ...*core.Spectrum) *Cluster {
		c := newGreedy(id)
		require.NoError(t, c.AddSpectra(spectra...))
		return c
	}

	a := build("a", testSpectrum("s1", 500, 10), testSpectrum("s2", 500.1, 20))
	b := build("b", testSpectrum("s1", 500, 10), testSpectrum("s2", 500.1, 20))
	single := build("single", testSpectrum("s1", 500.2, 15))
	low := build("low", testSpectrum("s9", 400, 10))

	assert.True(t, a.Equivalent(a))
	assert.True(t, a.Equivalent(b))
	assert.True(t, b.Equivalent(a))
	assert.False(t, a.Equivalent(single))
	assert.False(t, a.Equivalent(nil))
	assert.True(t, single.Equivalent(build("single2", testSpectrum("x", 500.2, 15))))

	assert.Equal(t, 0, a.Compare(a))
	assert.Negative(t, low.Compare(a))
	assert.Positive(t, a.Compare(low))
	assert.Negative(t, single.Compare(build("pair", testSpectrum("p1", 500.2, 15), testSpectrum("p2", 500.2, 15))))
	// identical content falls back to the cluster id
	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))

	sorted := []*Cluster{a, single, low, b}
	slices.SortFunc(sorted, (*Cluster).Compare)
	assert.Equal(t, []string{"low", "a", "b", "single"}, []string{sorted[0].ID(), sorted[1].ID(), sorted[2].ID(), sorted[3].ID()})
}

func TestLazyID(t *testing.T) {
	c := newGreedy("")
	id := c.ID()
	require.NotEmpty(t, id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, id, c.ID())

	c.SetID("fixed")
	assert.Equal(t, "fixed", c.ID())
	assert.Contains(t, c.String(), "greedy cluster fixed")
}

func TestHighestQualitySpectra(t *testing.T) {
	c := newMutable("m")
	var all []*core.Spectrum
	for i := range 25 {
		all = append(all, testSpectrum(fmt.Sprintf("s%02d", i), 500, float32(i+1)))
	}
	require.NoError(t, c.AddSpectra(all...))

	best := c.HighestQualitySpectra()
	require.Len(t, best, DefaultQualitySpectra)
	assert.Equal(t, "s24", best[0].ID())
	assert.Equal(t, "s05", best[len(best)-1].ID())
	assert.InDelta(t, 25*3.5, c.Quality(), 1e-6)

	// removing an unranked member keeps the ranking
	require.NoError(t, c.RemoveSpectra(all[0]))
	assert.Equal(t, "s24", c.HighestQualitySpectra()[0].ID())

	// removing the best member forces a rebuild from the remaining members
	require.NoError(t, c.RemoveSpectra(all[24]))
	best = c.HighestQualitySpectra()
	require.Len(t, best, DefaultQualitySpectra)
	assert.Equal(t, "s23", best[0].ID())
	assert.Equal(t, "s04", best[len(best)-1].ID())
	assert.InDelta(t, 24*3.5, c.Quality(), 1e-6)
}

func TestGreedyKeepsQualityWithoutPeaks(t *testing.T) {
	c := newGreedy("g")
	require.NoError(t, c.AddSpectra(testSpectrum("s1", 500, 10), testSpectrum("s2", 500, 40)))

	assert.InDelta(t, 140, c.Quality(), 1e-6)
	for _, s := range c.Spectra() {
		assert.Positive(t, s.Quality())
	}

	best := c.HighestQualitySpectra()
	require.Len(t, best, 2)
	assert.Equal(t, []string{"s2", "s1"}, ids(best))
	for _, s := range best {
		assert.False(t, s.HasPeaks(), "ranked spectrum %s keeps its peaks", s.ID())
	}

	// the consensus was still built from the peaks
	assert.Equal(t, 3, c.ConsensusSpectrum().PeakCount())
}

func TestUnregisterObserver(t *testing.T) {
	c := newGreedy("c")
	rec := &recorder{}
	c.RegisterObserver(rec)
	require.NoError(t, c.AddSpectra(testSpectrum("s1", 500, 10)))
	c.UnregisterObserver(rec)
	require.NoError(t, c.AddSpectra(testSpectrum("s2", 500, 10)))
	assert.Len(t, rec.added, 1)

	// the consensus builder stays registered
	c.UnregisterObserver(c.Consensus())
	require.NoError(t, c.AddSpectra(testSpectrum("s3", 500, 10)))
	assert.Equal(t, 3, c.Consensus().SpectrumCount())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "greedy", Greedy.String())
	assert.Equal(t, "mutable", Mutable.String())
	assert.Equal(t, "Kind(7)", Kind(7).String())
}

func TestRestore(t *testing.T) {
	orig := newGreedy("orig")
	require.NoError(t, orig.AddSpectra(testSpectrum("s1", 500, 10), testSpectrum("s2", 500.2, 30)))

	builder := consensus.Restore(orig.ConsensusSpectrum(), orig.Count(), consensus.DefaultFragmentTolerance)
	c, err := Restore("orig", builder, orig.Spectra())
	require.NoError(t, err)

	assert.Equal(t, Greedy, c.Kind())
	assert.Equal(t, 2, c.Consensus().SpectrumCount(), "members are not counted twice")
	assert.True(t, c.Equivalent(orig))
	assert.Equal(t, "s2", c.HighestQualitySpectra()[0].ID())

	builder = consensus.Restore(orig.ConsensusSpectrum(), 3, consensus.DefaultFragmentTolerance)
	_, err = Restore("orig", builder, orig.Spectra())
	assert.ErrorIs(t, err, ErrMemberCountMismatch)
}
