package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentstreamd",
	Short: "Streaming daemon for managed agent processes",
	Long: `agentstreamd runs AI agent CLI processes, persists their output as an
ordered message log, and streams it to subscribers over websockets.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
