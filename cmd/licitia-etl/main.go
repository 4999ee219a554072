package main

import (
	"os"

	"github.com/licitia/licitia-etl/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
