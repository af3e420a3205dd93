package main

import (
	"os"

	"github.com/openclaw/sentinel/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
