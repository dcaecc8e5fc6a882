package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "bookstream",
	Short: "Network-efficient reader for remote plain-text books",
	Long: `bookstream reads arbitrary windows of large remote text files without
ever downloading a book in full. Reads go through a local sparse block
cache that coalesces missing ranges into few origin requests.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (YAML)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
