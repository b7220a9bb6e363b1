// Command fleetctl inspects and operates a fleet database directly.
//
//	fleetctl state U-12 --at 2025-03-15
//	fleetctl sync
//	fleetctl approve 6f1c...
//	fleetctl reject 6f1c... --reason "wrong site"
//	fleetctl retries --status pending
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
