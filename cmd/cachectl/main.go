// Command cachectl inspects and maintains the semantic cache shared by
// gateway replicas.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	root := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and maintain the semantic response cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "deadline for the whole command")

	root.AddCommand(
		newStatsCmd(&opts),
		newResetMetricsCmd(&opts),
		newSweepCmd(&opts),
		newClearCmd(&opts),
		newEnsureIndexCmd(&opts),
	)
	return root
}
