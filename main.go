package main

import (
	"os"

	"github.com/kanaime/updater/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
