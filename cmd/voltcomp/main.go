// Command voltcomp stresses a power network with load scenarios and searches
// for the reactive compensation that brings weak bus voltages back above
// threshold.
package main

import (
	"context"
	"os"
)

func main() {
	root, a := newRoot()
	err := root.Execute()
	a.teardown(context.Background())
	if err != nil {
		os.Exit(1)
	}
}
