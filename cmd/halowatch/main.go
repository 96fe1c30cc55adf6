package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "halowatch",
	Short: "Watch Halo classes for new announcements, grades, and inbox messages",
	Long: `halowatch polls the Halo learning platform on behalf of linked users and
emits an event for every new announcement, released grade, and unread inbox
message. Session tokens are kept fresh in the background.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(classesCmd)
	rootCmd.AddCommand(forumsCmd)
}

func main() {
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		fmt.Fprintln(os.Stderr, "Run 'halowatch --help' for usage.")
		os.Exit(1)
	}
}
