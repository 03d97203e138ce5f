// Command corectl is the operator CLI for the control core. It runs the
// sizing and allocation math offline and mints operator tokens.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
