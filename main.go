package main

import (
	"os"

	"github.com/updall/updall/cli"
)

func main() {
	os.Exit(cli.Execute())
}
