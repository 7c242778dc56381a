// Package commands implements the goaclctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon admin address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for goaclctl.
var rootCmd = &cobra.Command{
	Use:   "goaclctl",
	Short: "CLI client for the goacld daemon",
	Long:  "goaclctl communicates with the goacld daemon over its HTTP admin API to manage ACLs, bindings, and sessions.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"goacld admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(countersCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(aclCmd())
	rootCmd.AddCommand(bindCmd())
	rootCmd.AddCommand(traceCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
