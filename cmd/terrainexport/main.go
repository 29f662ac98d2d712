// Command terrainexport runs the terrain export service and its tooling.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "terrainexport:", err)
		os.Exit(1)
	}
}
