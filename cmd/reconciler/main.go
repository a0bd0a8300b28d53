// Command reconciler plans and applies blob store reconciliation and
// repository cleanup, either once from the command line or as a server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
