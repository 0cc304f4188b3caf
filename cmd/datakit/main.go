// Command datakit inspects and edits datakit stores.
package main

import (
	"os"

	"github.com/roach88/datakit/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
