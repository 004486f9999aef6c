package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/SpecCluster/pkg/cdf"
)

var (
	// Flags for cdf commands
	metric      string
	tablePath   string
	score       float64
	comparisons int
	clusters    int
)

func init() {
	cdfCmd.AddCommand(cdfQueryCmd)
	cdfCmd.AddCommand(cdfTableCmd)

	cdfCmd.PersistentFlags().StringVarP(&metric, "metric", "m", cdf.MetricCombinedFisherIntensity, "Similarity metric whose table is used")
	cdfCmd.PersistentFlags().StringVarP(&tablePath, "table", "t", "", "CDF table file (overrides the config's table for the metric)")

	cdfQueryCmd.Flags().Float64VarP(&score, "score", "s", 0, "Similarity score to assess (required)")
	cdfQueryCmd.Flags().IntVarP(&comparisons, "comparisons", "n", 0, "Number of comparisons (0 = derive from --clusters)")
	cdfQueryCmd.Flags().IntVar(&clusters, "clusters", 0, "Number of clusters compared against, floored at min_comparisons")

	cdfQueryCmd.MarkFlagRequired("score")
}

var cdfCmd = &cobra.Command{
	Use:   "cdf",
	Short: "Inspect similarity score distributions",
}

var cdfQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Assess whether a similarity score is significant",
	Long: `Look up a similarity score in the metric's CDF table and report the
probability of reaching it by chance across the given number of comparisons.

Examples:
  # Assess a score against 20000 comparisons
  speccluster cdf query --table fisher.tsv --score 85 --comparisons 20000

  # Derive the comparisons from the number of clusters
  speccluster --config speccluster.yaml cdf query --score 85 --clusters 1200`,
	Args: cobra.NoArgs,
	RunE: runCDFQuery,
}

var cdfTableCmd = &cobra.Command{
	Use:   "table",
	Short: "Print the cumulative distribution of a metric",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fn, err := loadFunction(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("score\tcdf\n")
		for i := range fn.Len() {
			threshold := float64(i) * fn.ScoreIncrement()
			fmt.Printf("%.2f\t%.10f\n", threshold, fn.CDF(threshold))
		}
		return nil
	},
}

func runCDFQuery(cmd *cobra.Command, args []string) error {
	fn, err := loadFunction(cmd.Context())
	if err != nil {
		return err
	}

	gate := cfg.Gate(fn)
	res := assess(gate, score, comparisons, clusters)

	fmt.Printf("Metric: %s\n", metric)
	fmt.Printf("Score: %g (bin %d of %d)\n", score, fn.BinForScore(score), fn.Len())
	fmt.Printf("Comparisons: %d\n", res.comparisons)
	fmt.Printf("CDF: %.10f\n", fn.CDF(score))
	fmt.Printf("Probability by chance: %.6g\n", res.probability)
	if res.significant {
		fmt.Printf("Significant at mixture probability %g\n", gate.MaxMixtureProbability)
	} else {
		fmt.Printf("Not significant at mixture probability %g\n", gate.MaxMixtureProbability)
	}
	return nil
}

type assessment struct {
	comparisons int
	probability float64
	significant bool
}

// assess runs score through gate. A positive n replaces the gate's assessor
// with exactly n comparisons.
func assess(gate *cdf.Gate, score float64, n, nClusters int) assessment {
	g := *gate
	if n > 0 {
		g.Assessor = cdf.MinComparisonsAssessor{Min: n}
		nClusters = 0
	}
	count := g.Assessor.NumberOfComparisons(nil, nClusters)
	return assessment{
		comparisons: count,
		probability: g.Function.Probability(score, count),
		significant: g.Accept(score, nil, nClusters),
	}
}

// loadFunction returns the table given by --table or the config's table for
// --metric.
func loadFunction(ctx context.Context) (*cdf.Function, error) {
	if tablePath != "" {
		return cdf.LoadFile(tablePath)
	}

	path, ok := cfg.CDF.Tables[metric]
	if !ok {
		return nil, fmt.Errorf("%w %q: configure cdf.tables or pass --table", cdf.ErrUnknownMetric, metric)
	}
	db, err := cdf.LoadDatabase(ctx, map[string]string{metric: path})
	if err != nil {
		return nil, err
	}
	return db.Function(metric)
}
