// Command hiway runs a demo calculator provider and calls highway operations from the
// command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hiway-rpc/config"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:           "hiway",
	Short:         "Highway RPC provider and caller",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path")
	rootCmd.AddCommand(newServeCmd(), newCallCmd())
}

// loadConfig reads --config, or returns the defaults when it is not set.
func loadConfig() (*config.Config, error) {
	if rootArgs.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(rootArgs.configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
