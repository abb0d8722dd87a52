package main

import (
	"os"

	"github.com/PabloZaiden/ralpher/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
