// Command hashrepo runs and administers a content-addressed repository.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/hashrepo/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		var exitErr *cli.ExitError
		// Command failures have already been reported by the formatter.
		if !errors.As(err, &exitErr) || exitErr.Err == nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
