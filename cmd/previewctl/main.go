package main

import (
	"os"

	"previewd/cmd/previewctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
