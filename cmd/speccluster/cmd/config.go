package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChrisMcGann/SpecCluster/pkg/config"
)

func init() {
	configCmd.AddCommand(validateCmd)
	configCmd.AddCommand(showCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with configuration files",
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Long:  `Validate that a configuration file parses and that every setting is in range. Without an argument the --config file (or the defaults) is checked.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cfg
		name := configFile
		if len(args) == 1 {
			var err error
			if c, err = config.Load(args[0]); err != nil {
				return err
			}
			name = args[0]
		}
		if name == "" {
			name = "defaults"
		}

		if err := c.Validate(); err != nil {
			return fmt.Errorf("%s is invalid:\n%w", name, err)
		}
		for metric, path := range c.CDF.Tables {
			if _, err := os.Stat(path); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: CDF table for %s: %v\n", metric, err)
			}
		}
		fmt.Printf("%s: OK\n", name)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}
