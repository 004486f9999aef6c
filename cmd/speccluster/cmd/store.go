package cmd

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/SpecCluster/pkg/store/sqlite"
)

var (
	// Flags for store commands
	listLimit int
)

func init() {
	storeCmd.AddCommand(summarizeCmd)
	storeCmd.AddCommand(listCmd)

	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Print at most this many clusters (0 = no limit)")
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect cluster stores",
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize [file]",
	Short: "Summarize cluster store contents",
	Long:  `Print summary statistics about a cluster store including cluster and spectrum counts, precursor m/z range, and charge and size distributions.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		sum, err := s.Summary(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Store: %s (version %d)\n", args[0], sum.Version)
		fmt.Printf("Created: %s, last modified: %s\n", sum.CreationDate, sum.LastModifiedDate)
		fmt.Printf("Clusters: %d\n", sum.Clusters)
		fmt.Printf("Spectra: %d\n", sum.Spectra)
		fmt.Printf("Best matches: %d\n", sum.Matches)
		if sum.Clusters == 0 {
			return nil
		}
		fmt.Printf("Precursor m/z: %.4f - %.4f\n", sum.MinPrecursorMZ, sum.MaxPrecursorMZ)

		fmt.Printf("\nCharge\tClusters\n")
		for _, charge := range slices.Sorted(maps.Keys(sum.Charges)) {
			fmt.Printf("%d\t%d\n", charge, sum.Charges[charge])
		}
		fmt.Printf("\nSize\tClusters\n")
		for _, size := range slices.Sorted(maps.Keys(sum.Sizes)) {
			fmt.Printf("%d\t%d\n", size, sum.Sizes[size])
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list [file]",
	Short: "List stored clusters in precursor order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		clusters, err := s.Load(cmd.Context())
		if err != nil {
			return err
		}
		if listLimit > 0 && len(clusters) > listLimit {
			clusters = clusters[:listLimit]
		}
		for _, c := range clusters {
			fmt.Printf("%s\tquality=%.3f\tmatches=%d\n", c, c.Quality(), len(c.BestComparisonMatches()))
		}
		return nil
	},
}

func openStore(path string) (*sqlite.Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("store does not exist: %s", path)
	}
	return sqlite.Open(path,
		sqlite.WithLogger(slog.Default()),
		sqlite.WithFragmentTolerance(float32(cfg.FragmentTolerance)))
}
