package main

import (
	"os"

	"github.com/nicktill/tinyfarm/pkg/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
