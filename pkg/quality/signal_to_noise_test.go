package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

func TestSignalToNoise(t *testing.T) {
	scorer := NewSignalToNoise()

	tests := []struct {
		name  string
		peaks []core.Peak
		want  float64
	}{
		{
			name:  "no peaks",
			peaks: nil,
			want:  0,
		},
		{
			name: "fewer peaks than signal peaks",
			peaks: []core.Peak{
				{MZ: 100, Intensity: 2},
				{MZ: 200, Intensity: 4},
				{MZ: 300, Intensity: 6},
			},
			// median 4, signal 12
			want: 3,
		},
		{
			name: "signal over noise",
			peaks: []core.Peak{
				{MZ: 100, Intensity: 1}, {MZ: 110, Intensity: 1}, {MZ: 120, Intensity: 1},
				{MZ: 130, Intensity: 1}, {MZ: 140, Intensity: 1}, {MZ: 150, Intensity: 1},
				{MZ: 160, Intensity: 1}, {MZ: 200, Intensity: 10}, {MZ: 210, Intensity: 10},
				{MZ: 220, Intensity: 10}, {MZ: 230, Intensity: 10}, {MZ: 240, Intensity: 10},
				{MZ: 250, Intensity: 10},
			},
			// median 1, signal 60
			want: 60,
		},
		{
			name: "zero median",
			peaks: []core.Peak{
				{MZ: 100, Intensity: 0},
				{MZ: 200, Intensity: 0},
				{MZ: 300, Intensity: 5},
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := core.NewSpectrum("s", 500, 2, tt.peaks, core.WithScorer(scorer))
			assert.InDelta(t, tt.want, spec.Quality(), 1e-9)
		})
	}
}
