// Package main is the entry point for the berridl application.
package main

import (
	"os"

	"github.com/berridl/berridl/cmd/berridl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
