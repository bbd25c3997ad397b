// Command gitdocdb drives the document-sync engine from a working tree
// backed by Git. It is a thin cobra/viper CLI over the
// internal/synccontroller package; all sync semantics live there.
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
