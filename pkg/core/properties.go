package core

import (
	"maps"
	"slices"
)

// PropertyKey names an entry of a spectrum or cluster property bag. The
// constants below are the recognized vocabulary; any other string is a valid
// custom key and is passed through untouched.
type PropertyKey string

// Recognized property keys.
const (
	IdentifiedPeptide PropertyKey = "identified_peptide"
	Taxonomy          PropertyKey = "taxonomy"
	Protein           PropertyKey = "protein"
	Modifications     PropertyKey = "modifications"
	RetentionTime     PropertyKey = "retention_time"
	PSMDecoy          PropertyKey = "psm_decoy"
	PSMFDR            PropertyKey = "psm_fdr"
	Instrument        PropertyKey = "instrument"
	Title             PropertyKey = "title"
)

var knownKeys = []PropertyKey{
	IdentifiedPeptide, Taxonomy, Protein, Modifications,
	RetentionTime, PSMDecoy, PSMFDR, Instrument, Title,
}

// KnownKeys returns the recognized property keys.
func KnownKeys() []PropertyKey {
	return slices.Clone(knownKeys)
}

// Known reports whether k is part of the recognized vocabulary.
func (k PropertyKey) Known() bool {
	return slices.Contains(knownKeys, k)
}

// Properties is an opaque key/value bag attached to spectra and clusters.
type Properties map[PropertyKey]string

// Get returns the value stored under key.
func (p Properties) Get(key PropertyKey) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// Has reports whether key is present.
func (p Properties) Has(key PropertyKey) bool {
	_, ok := p[key]
	return ok
}

// Clone returns an independent copy. A nil bag clones to an empty one.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	maps.Copy(out, p)
	return out
}

// Keys returns the present keys in sorted order.
func (p Properties) Keys() []PropertyKey {
	return slices.Sorted(maps.Keys(p))
}

// Equal reports whether both bags hold the same entries.
func (p Properties) Equal(o Properties) bool {
	return maps.Equal(p, o)
}
