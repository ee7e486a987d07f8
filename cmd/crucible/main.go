// Command crucible runs the compute-engine controller: an engine registry,
// a task scheduler and the HTTP adapter in front of them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible - distributed compute-engine controller",
	Long: `Crucible multiplexes commands over a pool of registered compute engines
and load-balances tasks onto whichever eligible engine is idle.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inventoryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
