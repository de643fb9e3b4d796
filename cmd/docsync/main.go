// Command docsync keeps JSON documents in sync with a versioned remote.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/docsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "docsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
