// Command asyncdb applies schemas and reads and writes items through an
// asynchronous database broker.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/asyncdb/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
