package main

import (
	"os"

	"github.com/satishbabariya/rekey/cli/commands"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(rekeyerr.ExitCodeOf(err))
	}
}
