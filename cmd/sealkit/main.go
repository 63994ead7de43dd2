// Command sealkit is the integrity kernel CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/sealkit/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}

	// Commands report their own errors; flag and argument errors from
	// cobra arrive bare.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCommandError)
	}
	os.Exit(cli.GetExitCode(err))
}
