package main

import (
	"os"

	"github.com/habitlog/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
