package main

import (
	"os"

	"github.com/firefly-engineering/warden/cmd"
	"github.com/firefly-engineering/warden/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(errors.GetExitCode(err))
	}
}
