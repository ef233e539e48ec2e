// trader runs the risk-gated decision loop and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Risk-gated trading decision loop",
		Long: `trader polls the exchange, asks the advisor for a recommendation on
every decision tick and lets only risk-approved trades through.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "data/crypto-trader.db", "path to SQLite database")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(closeAllCmd())
	rootCmd.AddCommand(decisionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
