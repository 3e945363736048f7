package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mantlekern",
	Short: "Mantle kernel for heterogeneous manycore platforms.",
	Long: `Mantlekern boots the kernel on a simulated platform fabric. ` +
		`Boot modules are given after --, in the same syntax the kernel ` +
		`reads from its boot command line.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	// environment defaults; missing files are fine
	_ = godotenv.Load()

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
