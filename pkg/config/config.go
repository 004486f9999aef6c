// Package config loads clustering settings from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ChrisMcGann/SpecCluster/pkg/cdf"
	"github.com/ChrisMcGann/SpecCluster/pkg/consensus"
	"github.com/ChrisMcGann/SpecCluster/pkg/filter"
	"github.com/ChrisMcGann/SpecCluster/pkg/logging"
)

// Config is the top-level configuration.
type Config struct {
	FragmentTolerance  float64 `yaml:"fragment_tolerance"`
	PrecursorTolerance float64 `yaml:"precursor_tolerance"`
	Filter             Filter  `yaml:"filter"`
	CDF                CDF     `yaml:"cdf"`
	Log                Log     `yaml:"log"`
}

// Filter configures peak reduction.
type Filter struct {
	BinSize             float64 `yaml:"bin_size"`
	Overlap             float64 `yaml:"overlap"`
	TargetPeaks         int     `yaml:"target_peaks"`
	Ladder              []int   `yaml:"ladder"`
	MinIntensityPercent float64 `yaml:"min_intensity_percent"`
}

// CDF configures the significance model.
type CDF struct {
	// Tables maps similarity metric names to CDF table files. Relative
	// paths are resolved against the directory of the config file.
	Tables                map[string]string `yaml:"tables"`
	MaxMixtureProbability float64           `yaml:"max_mixture_probability"`
	MinComparisons        int               `yaml:"min_comparisons"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		FragmentTolerance:  consensus.DefaultFragmentTolerance,
		PrecursorTolerance: 1.0,
		Filter: Filter{
			BinSize:     filter.DefaultBinSize,
			Overlap:     filter.DefaultOverlap,
			TargetPeaks: filter.DefaultTargetPeaks,
			Ladder:      slices.Clone(filter.DefaultLadder),
		},
		CDF: CDF{
			Tables:                map[string]string{},
			MaxMixtureProbability: 0.05,
			MinComparisons:        cdf.DefaultMinComparisons,
		},
		Log: Log{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for metric, p := range cfg.CDF.Tables {
		if p != "" && !filepath.IsAbs(p) {
			cfg.CDF.Tables[metric] = filepath.Join(dir, p)
		}
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.CDF.Tables == nil {
		cfg.CDF.Tables = map[string]string{}
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.FragmentTolerance <= 0 {
		errs = append(errs, fmt.Errorf("fragment_tolerance must be positive, got %g", c.FragmentTolerance))
	}
	if c.PrecursorTolerance <= 0 {
		errs = append(errs, fmt.Errorf("precursor_tolerance must be positive, got %g", c.PrecursorTolerance))
	}

	f := c.Filter
	if f.BinSize <= 0 {
		errs = append(errs, fmt.Errorf("filter.bin_size must be positive, got %g", f.BinSize))
	}
	if f.Overlap < 0 || f.Overlap >= f.BinSize {
		errs = append(errs, fmt.Errorf("filter.overlap must be in [0, bin_size), got %g", f.Overlap))
	}
	if f.TargetPeaks <= 0 {
		errs = append(errs, fmt.Errorf("filter.target_peaks must be positive, got %d", f.TargetPeaks))
	}
	if f.MinIntensityPercent < 0 || f.MinIntensityPercent >= 100 {
		errs = append(errs, fmt.Errorf("filter.min_intensity_percent must be in [0, 100), got %g", f.MinIntensityPercent))
	}
	if len(f.Ladder) == 0 {
		errs = append(errs, errors.New("filter.ladder must not be empty"))
	} else {
		for i, v := range f.Ladder {
			if v <= 0 {
				errs = append(errs, fmt.Errorf("filter.ladder[%d] must be positive, got %d", i, v))
			}
			if i > 0 && v >= f.Ladder[i-1] {
				errs = append(errs, fmt.Errorf("filter.ladder must be strictly decreasing at index %d", i))
			}
		}
	}

	if p := c.CDF.MaxMixtureProbability; p <= 0 || p >= 1 {
		errs = append(errs, fmt.Errorf("cdf.max_mixture_probability must be in (0, 1), got %g", p))
	}
	if c.CDF.MinComparisons < 1 {
		errs = append(errs, fmt.Errorf("cdf.min_comparisons must be at least 1, got %d", c.CDF.MinComparisons))
	}
	for metric, p := range c.CDF.Tables {
		if p == "" {
			errs = append(errs, fmt.Errorf("cdf.tables.%s has no path", metric))
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "" && c.Log.Format != logging.FormatText && c.Log.Format != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// PeakFilter builds the peak filter pipeline. stats may be nil.
func (c *Config) PeakFilter(stats *filter.Stats) *filter.Config {
	return &filter.Config{
		MinIntensityPercent: c.Filter.MinIntensityPercent,
		Maximal: &filter.MaximalPeakFilter{
			Target:  c.Filter.TargetPeaks,
			Ladder:  slices.Clone(c.Filter.Ladder),
			BinSize: c.Filter.BinSize,
			Overlap: c.Filter.Overlap,
			Stats:   stats,
		},
	}
}

// Gate builds a significance gate for fn using the minimum comparisons
// assessor.
func (c *Config) Gate(fn *cdf.Function) *cdf.Gate {
	return &cdf.Gate{
		Function:              fn,
		Assessor:              cdf.MinComparisonsAssessor{Min: c.CDF.MinComparisons},
		MaxMixtureProbability: c.CDF.MaxMixtureProbability,
	}
}
