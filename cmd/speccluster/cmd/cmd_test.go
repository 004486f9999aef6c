package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisMcGann/SpecCluster/pkg/cdf"
	"github.com/ChrisMcGann/SpecCluster/pkg/cluster"
	"github.com/ChrisMcGann/SpecCluster/pkg/config"
	"github.com/ChrisMcGann/SpecCluster/pkg/consensus"
	"github.com/ChrisMcGann/SpecCluster/pkg/core"
	"github.com/ChrisMcGann/SpecCluster/pkg/store/sqlite"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, run(t, "config", "validate"))
	require.NoError(t, run(t, "config", "validate", filepath.Join("..", "..", "..", "pkg", "config", "testdata", "config.yaml")))
	assert.Error(t, run(t, "config", "validate", "missing.yaml"))
}

func TestCDFQuery(t *testing.T) {
	table := filepath.Join("..", "..", "..", "pkg", "cdf", "testdata", "fixture_cdf.tsv")
	require.NoError(t, run(t, "cdf", "query", "--table", table, "--score", "100", "--comparisons", "4"))
	require.NoError(t, run(t, "cdf", "table", "--table", table))

	err := run(t, "cdf", "query", "--table", "", "--metric", "spectral_angle", "--score", "1")
	assert.Error(t, err)
}

func TestAssess(t *testing.T) {
	fn, err := cdf.LoadFile(filepath.Join("..", "..", "..", "pkg", "cdf", "testdata", "fixture_cdf.tsv"))
	require.NoError(t, err)

	c := config.Default()
	c.CDF.MaxMixtureProbability = 0.01
	c.CDF.MinComparisons = 4
	gate := c.Gate(fn)

	tests := []struct {
		name            string
		score           float64
		n, clusters     int
		wantComparisons int
		wantSignificant bool
	}{
		{"floored at min comparisons", 100, 0, 0, 4, true},
		{"clusters above the floor", 100, 0, 10, 10, true},
		{"explicit comparisons", 60, 40_000_000, 10, 40_000_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := assess(gate, tt.score, tt.n, tt.clusters)
			assert.Equal(t, tt.wantComparisons, res.comparisons)
			assert.Equal(t, tt.wantSignificant, res.significant)
			assert.InDelta(t, fn.Probability(tt.score, tt.wantComparisons), res.probability, 1e-12)
		})
	}

	// the gate itself is left untouched
	assert.Equal(t, cdf.MinComparisonsAssessor{Min: 4}, gate.Assessor)
}

func TestStoreCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.db")
	s, err := sqlite.Open(path)
	require.NoError(t, err)

	c := cluster.NewGreedy("c1", consensus.New(consensus.DefaultFragmentTolerance))
	require.NoError(t, c.AddSpectra(core.NewSpectrum("s1", 500, 2, []core.Peak{{MZ: 300, Intensity: 10}})))
	require.NoError(t, s.Save(context.Background(), c))
	require.NoError(t, s.Close())

	require.NoError(t, run(t, "store", "summarize", path))
	require.NoError(t, run(t, "store", "list", path))
	assert.Error(t, run(t, "store", "summarize", filepath.Join(t.TempDir(), "missing.db")))
}
