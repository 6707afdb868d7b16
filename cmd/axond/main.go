// Command axond is the AXON daemon binary: the long-lived per-host
// process spec.md §1 describes. It is not the out-of-scope CLI client —
// axond only ever runs the daemon loop (C8) and exits; the interactive
// operator tool talking to <root>/axon.sock is a separate program.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "axond",
	Short: "AXON daemon: authenticated peer-to-peer message transport",
	Long: `axond owns one host's cryptographic identity, maintains at most one
authenticated transport connection per peer, and exposes a local control
socket through which client processes send, receive, subscribe to, and
query structured messages.`,
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
