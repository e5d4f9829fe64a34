// Command feedcheck decodes and fetches DGT feeds without touching the store.
//
// Usage:
//
//	go run ./cmd/feedcheck parse --dialect a --file nacional.xml
//	go run ./cmd/feedcheck fetch --parse
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
