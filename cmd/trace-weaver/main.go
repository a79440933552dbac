package main

import (
	"fmt"
	"os"

	"github.com/smith-xyz/go-trace-weaver/cmd/trace-weaver/internal"
)

func main() {
	if err := internal.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
