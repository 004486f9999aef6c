// Package cluster groups spectra into clusters that keep a consensus spectrum,
// their highest-quality members and their best comparison results in step
// with every membership change.
package cluster

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

// Kind selects how a cluster stores its members.
type Kind int

const (
	// Greedy clusters keep only member metadata; peaks live on in the
	// consensus builder. Members cannot be removed.
	Greedy Kind = iota
	// Mutable clusters keep full member spectra and support removal.
	Mutable
)

func (k Kind) String() string {
	switch k {
	case Greedy:
		return "greedy"
	case Mutable:
		return "mutable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	ErrUnsupported         = errors.New("cluster: operation not supported")
	ErrInvalidSource       = errors.New("cluster: source keeps neither peaks nor a consensus-only membership")
	ErrIncompatibleCluster = errors.New("cluster: cannot take peak-less members into a peak-retaining cluster")
	ErrOverlappingMembers  = errors.New("cluster: clusters share members")
	ErrConflictingSpectrum = errors.New("cluster: different spectrum with the same id")
	ErrMemberCountMismatch = errors.New("cluster: member count does not match consensus")
)

// Cluster is a set of spectra believed to come from the same peptide.
//
// A cluster has a single writer; only the observer list is safe to change
// while notifications are running.
type Cluster struct {
	id        string
	kind      Kind
	consensus core.ConsensusBuilder
	quality   *QualityHolder
	spectra   []*core.Spectrum
	ids       map[string]struct{}
	props     core.Properties
	matches   *BestMatches

	observerMu sync.Mutex
	observers  atomic.Pointer[[]core.SpectrumObserver]
}

// NewGreedy creates an empty greedy cluster. An empty id is replaced by a
// random one when first read.
func NewGreedy(id string, builder core.ConsensusBuilder) *Cluster {
	return newCluster(id, Greedy, builder)
}

// NewMutable creates an empty mutable cluster.
func NewMutable(id string, builder core.ConsensusBuilder) *Cluster {
	return newCluster(id, Mutable, builder)
}

func newCluster(id string, kind Kind, builder core.ConsensusBuilder) *Cluster {
	c := &Cluster{
		id:        id,
		kind:      kind,
		consensus: builder,
		quality:   NewQualityHolder(DefaultQualitySpectra),
		ids:       make(map[string]struct{}),
		props:     core.Properties{},
		matches:   NewBestMatches(),
	}
	observers := []core.SpectrumObserver{builder, c.quality}
	c.observers.Store(&observers)
	return c
}

// NewGreedyFrom copies src into a new greedy cluster built on an empty
// builder. src must either retain peaks or itself be greedy; otherwise
// ErrInvalidSource is returned.
func NewGreedyFrom(src *Cluster, builder core.ConsensusBuilder) (*Cluster, error) {
	c := NewGreedy(src.ID(), builder)
	if err := c.AddCluster(src); err != nil {
		return nil, err
	}
	c.props = src.props.Clone()
	return c, nil
}

// Restore rebuilds a greedy cluster from persisted state. builder must
// already account for members, so only the other observers are told about
// them.
func Restore(id string, builder core.ConsensusBuilder, members []*core.Spectrum) (*Cluster, error) {
	c := NewGreedy(id, builder)
	added := make([]*core.Spectrum, 0, len(members))
	for _, s := range members {
		if s == nil || c.Contains(s.ID()) {
			continue
		}
		s = s.WithoutPeaks()
		c.spectra = append(c.spectra, s)
		c.ids[s.ID()] = struct{}{}
		added = append(added, s)
	}
	if n := builder.SpectrumCount(); n != len(added) {
		return nil, fmt.Errorf("%w: cluster %s has %d members but its consensus counts %d",
			ErrMemberCountMismatch, id, len(added), n)
	}
	if len(added) > 0 {
		c.notifyAdded(added, c.consensus)
	}
	return c, nil
}

// ID returns the cluster id, generating a random one on first use.
func (c *Cluster) ID() string {
	if c.id == "" {
		c.id = uuid.NewString()
	}
	return c.id
}

// SetID replaces the cluster id.
func (c *Cluster) SetID(id string) { c.id = id }

// Kind returns the storage variant.
func (c *Cluster) Kind() Kind { return c.kind }

// RetainsPeaks reports whether every member still carries its peak list.
// Greedy clusters never do.
func (c *Cluster) RetainsPeaks() bool {
	if c.kind == Greedy {
		return false
	}
	for _, s := range c.spectra {
		if !s.HasPeaks() {
			return false
		}
	}
	return true
}

// Consensus returns the consensus builder.
func (c *Cluster) Consensus() core.ConsensusBuilder { return c.consensus }

// ConsensusSpectrum returns the current consensus spectrum.
func (c *Cluster) ConsensusSpectrum() *core.Spectrum { return c.consensus.ConsensusSpectrum() }

// PrecursorMZ returns the consensus precursor m/z, 0 while empty.
func (c *Cluster) PrecursorMZ() float32 {
	if cs := c.ConsensusSpectrum(); cs != nil {
		return cs.PrecursorMZ()
	}
	return 0
}

// PrecursorCharge returns the consensus precursor charge, 0 while empty.
func (c *Cluster) PrecursorCharge() int {
	if cs := c.ConsensusSpectrum(); cs != nil {
		return cs.PrecursorCharge()
	}
	return 0
}

// Spectra returns the members in insertion order. Greedy clusters return
// metadata-only spectra.
func (c *Cluster) Spectra() []*core.Spectrum { return slices.Clone(c.spectra) }

// Count returns the number of members.
func (c *Cluster) Count() int { return len(c.spectra) }

// Contains reports whether a spectrum with id is a member.
func (c *Cluster) Contains(id string) bool {
	_, ok := c.ids[id]
	return ok
}

// SpectrumIDs returns the member ids sorted.
func (c *Cluster) SpectrumIDs() []string {
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Properties returns the cluster's property bag. It is owned by the cluster
// and may be modified in place.
func (c *Cluster) Properties() core.Properties { return c.props }

// SetProperty stores a property value.
func (c *Cluster) SetProperty(key core.PropertyKey, value string) { c.props[key] = value }

// HighestQualitySpectra returns the best members by quality, best first.
func (c *Cluster) HighestQualitySpectra() []*core.Spectrum {
	return c.quality.HighestQualitySpectra()
}

// Quality returns the quality of the best member.
func (c *Cluster) Quality() float64 { return c.quality.Quality() }

// RegisterObserver adds an observer that is notified after every membership
// change.
func (c *Cluster) RegisterObserver(o core.SpectrumObserver) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	next := append(slices.Clone(*c.observers.Load()), o)
	c.observers.Store(&next)
}

// UnregisterObserver removes an observer. The consensus builder cannot be
// removed.
func (c *Cluster) UnregisterObserver(o core.SpectrumObserver) {
	if o == c.consensus {
		return
	}
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	next := slices.DeleteFunc(slices.Clone(*c.observers.Load()), func(x core.SpectrumObserver) bool {
		return x == o
	})
	c.observers.Store(&next)
}

func (c *Cluster) notifyAdded(added []*core.Spectrum, skip core.SpectrumObserver) {
	for _, o := range *c.observers.Load() {
		if skip != nil && o == skip {
			continue
		}
		o.SpectraAdded(c, added)
	}
}

func (c *Cluster) notifyRemoved(removed []*core.Spectrum) {
	for _, o := range *c.observers.Load() {
		o.SpectraRemoved(c, removed)
	}
}

// AddSpectra adds every spectrum that is not yet a member and then notifies
// each observer once with the whole batch. In a greedy cluster observers
// other than the consensus builder receive the stored metadata-only copies. Re-adding a member is a no-op. A
// mutable cluster rejects a spectrum whose id is taken by a different
// spectrum, before anything is stored.
func (c *Cluster) AddSpectra(spectra ...*core.Spectrum) error {
	batch := make(map[string]*core.Spectrum, len(spectra))
	added := make([]*core.Spectrum, 0, len(spectra))
	for _, s := range spectra {
		if s == nil {
			continue
		}
		prev, ok := batch[s.ID()]
		if !ok && c.Contains(s.ID()) {
			prev, ok = c.member(s.ID()), true
		}
		if ok {
			if c.kind == Mutable && !prev.Equal(s) {
				return fmt.Errorf("%w: %s in cluster %s", ErrConflictingSpectrum, s.ID(), c.ID())
			}
			continue
		}
		batch[s.ID()] = s
		added = append(added, s)
	}
	if len(added) == 0 {
		return nil
	}

	stored := added
	if c.kind == Greedy {
		stored = make([]*core.Spectrum, len(added))
		for i, s := range added {
			stored[i] = s.WithoutPeaks()
		}
	}
	for _, s := range stored {
		c.spectra = append(c.spectra, s)
		c.ids[s.ID()] = struct{}{}
	}

	// only the consensus builder sees the peaks of a greedy cluster's batch
	c.consensus.SpectraAdded(c, added)
	c.notifyAdded(stored, c.consensus)
	return nil
}

func (c *Cluster) member(id string) *core.Spectrum {
	i := slices.IndexFunc(c.spectra, func(s *core.Spectrum) bool { return s.ID() == id })
	if i < 0 {
		return nil
	}
	return c.spectra[i]
}

// RemoveSpectra removes members and notifies observers once with the removed
// batch. Greedy clusters return ErrUnsupported.
func (c *Cluster) RemoveSpectra(spectra ...*core.Spectrum) error {
	if c.kind == Greedy {
		return fmt.Errorf("%w: remove from %s cluster %s", ErrUnsupported, c.kind, c.ID())
	}

	var removed []*core.Spectrum
	for _, s := range spectra {
		if s == nil || !c.Contains(s.ID()) {
			continue
		}
		m := c.member(s.ID())
		c.spectra = slices.DeleteFunc(c.spectra, func(x *core.Spectrum) bool { return x == m })
		delete(c.ids, s.ID())
		removed = append(removed, m)
	}
	if len(removed) > 0 {
		c.notifyRemoved(removed)
	}
	return nil
}

// AddCluster folds other into c. When other retains peaks its members are
// added like any other spectra. A greedy other is merged at consensus level:
// the consensus builders are combined and the metadata-only members are
// copied. The donor's best comparison results are offered to c as well. The
// caller discards other afterwards.
func (c *Cluster) AddCluster(other *Cluster) error {
	if other == nil || other == c {
		return nil
	}

	switch {
	case other.RetainsPeaks():
		if err := c.AddSpectra(other.spectra...); err != nil {
			return err
		}
	case other.kind == Greedy:
		if err := c.addConsensusLevel(other); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s cluster %s", ErrInvalidSource, other.kind, other.ID())
	}

	self := c.ID()
	for _, m := range other.matches.Matches() {
		if m.OtherID != self {
			c.matches.Admit(m.OtherID, m.Similarity)
		}
	}
	return nil
}

func (c *Cluster) addConsensusLevel(other *Cluster) error {
	if c.kind != Greedy {
		return fmt.Errorf("%w: %s cluster %s from %s cluster %s",
			ErrIncompatibleCluster, c.kind, c.ID(), other.kind, other.ID())
	}
	for id := range other.ids {
		if c.Contains(id) {
			return fmt.Errorf("%w: %s in %s and %s", ErrOverlappingMembers, id, c.ID(), other.ID())
		}
	}
	if len(other.spectra) == 0 {
		return nil
	}
	if err := c.consensus.Combine(other.consensus); err != nil {
		return fmt.Errorf("combine consensus of %s into %s: %w", other.ID(), c.ID(), err)
	}

	added := slices.Clone(other.spectra)
	for _, s := range added {
		c.spectra = append(c.spectra, s)
		c.ids[s.ID()] = struct{}{}
	}
	c.notifyAdded(added, c.consensus)
	return nil
}

// SaveComparisonResult remembers the similarity to another cluster if it is
// among the best results seen so far.
func (c *Cluster) SaveComparisonResult(otherID string, similarity float32) bool {
	return c.matches.Admit(otherID, similarity)
}

// IsKnownComparisonMatch reports whether a result for otherID is retained.
func (c *Cluster) IsKnownComparisonMatch(otherID string) bool {
	return c.matches.Contains(otherID)
}

// IsInBestComparisonResults reports whether otherID is among the best
// retained results.
func (c *Cluster) IsInBestComparisonResults(otherID string) bool {
	return c.matches.Contains(otherID)
}

// BestComparisonMatches returns the retained results, lowest similarity first.
func (c *Cluster) BestComparisonMatches() []ComparisonMatch {
	return c.matches.Matches()
}

// SetBestComparisonMatches replaces the retained results.
func (c *Cluster) SetBestComparisonMatches(matches []ComparisonMatch) {
	c.matches.SetMatches(matches)
}

// Equivalent reports weak equality: same charge, precursor m/z within
// core.SmallMZDifference, same member count, and equivalent consensus peaks
// for single-member clusters or pairwise equivalent members otherwise.
func (c *Cluster) Equivalent(o *Cluster) bool {
	if c == o {
		return true
	}
	if c == nil || o == nil {
		return false
	}
	if c.PrecursorCharge() != o.PrecursorCharge() {
		return false
	}
	if math.Abs(float64(c.PrecursorMZ())-float64(o.PrecursorMZ())) > core.SmallMZDifference {
		return false
	}
	if c.Count() != o.Count() {
		return false
	}

	if c.Count() == 1 {
		return peaksEquivalent(c.ConsensusSpectrum(), o.ConsensusSpectrum())
	}
	for i := range c.spectra {
		if !c.spectra[i].Equivalent(o.spectra[i]) {
			return false
		}
	}
	return true
}

func peaksEquivalent(a, b *core.Spectrum) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.PeakCount() != b.PeakCount() {
		return false
	}
	for i := range a.PeakCount() {
		if !a.Peak(i).Equivalent(b.Peak(i)) {
			return false
		}
	}
	return true
}

// Compare orders clusters by precursor m/z, then member count, then the
// concatenated sorted member ids. Clusters that tie on all three are ordered
// by id.
func (c *Cluster) Compare(o *Cluster) int {
	if c == o {
		return 0
	}
	if r := cmp.Compare(c.PrecursorMZ(), o.PrecursorMZ()); r != 0 {
		return r
	}
	if r := cmp.Compare(c.Count(), o.Count()); r != 0 {
		return r
	}
	if r := strings.Compare(strings.Join(c.SpectrumIDs(), ""), strings.Join(o.SpectrumIDs(), "")); r != 0 {
		return r
	}
	return strings.Compare(c.ID(), o.ID())
}

// String returns a short description for logs.
func (c *Cluster) String() string {
	return fmt.Sprintf("%s cluster %s (%.4f/%d, %d spectra)",
		c.kind, c.ID(), c.PrecursorMZ(), c.PrecursorCharge(), c.Count())
}
