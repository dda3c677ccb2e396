package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "crashmill-cli",
	Short: "Command line utils for crashmill",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	log.SetLevel(log.InfoLevel)
	log.SetOutput(os.Stderr)

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
