package main

import (
	"errors"
	"fmt"
	"os"

	"jobcluster/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
