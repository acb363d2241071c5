// Command capmap ingests facility rows, derives capability profiles and
// answers analytics questions over them.
package main

import (
	"fmt"
	"os"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
