package main

import (
	"os"

	"github.com/silkvm/silkdbg/cmd/silkdbg/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
