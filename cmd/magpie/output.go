package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// outputJSON pretty-prints v to stdout for --json consumers.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
