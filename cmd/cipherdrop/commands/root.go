// Package commands implements the cipherdrop CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// Version info set by main from build flags.
var (
	Version = "dev"
	Commit  = "none"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cipherdrop",
	Short: "End-to-end encrypted file and message relay",
	Long: `CipherDrop is a short-lived, two-party encrypted relay. Peers pair
through a 6-character code, exchange messages and files over a shared
session, and everything is deleted once both sides walk away.

The server only ever sees ciphertext; encryption keys never leave the
clients.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
