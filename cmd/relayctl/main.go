// Command relayctl drives a running relay through its admin API and manages
// the history database schema.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
