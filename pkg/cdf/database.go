package cdf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Similarity metrics with published reference tables.
const (
	MetricCombinedFisherIntensity = "combined_fisher_intensity"
	MetricFrankEtAlDotProduct     = "frank_et_al_dot_product"
)

var ErrUnknownMetric = errors.New("cdf: no function for similarity metric")

// Database maps similarity metric names to their score distributions.
type Database struct {
	mu        sync.RWMutex
	functions map[string]*Function
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{functions: make(map[string]*Function)}
}

// LoadDatabase loads one table per metric concurrently. paths maps metric
// names to table files.
func LoadDatabase(ctx context.Context, paths map[string]string) (*Database, error) {
	db := NewDatabase()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for metric, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn, err := LoadFile(path)
			if err != nil {
				return fmt.Errorf("metric %s: %w", metric, err)
			}
			db.Register(metric, fn)
			slog.Debug("loaded CDF table",
				"metric", metric,
				"path", path,
				"buckets", fn.Len(),
				"total_comparisons", fn.TotalComparisons())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return db, nil
}

// Register adds or replaces the function for metric.
func (d *Database) Register(metric string, fn *Function) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.functions[metric] = fn
}

// Function returns the function for metric.
func (d *Database) Function(metric string) (*Function, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.functions[metric]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMetric, metric)
	}
	return fn, nil
}

// Metrics returns the registered metric names, sorted.
func (d *Database) Metrics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.functions))
}
