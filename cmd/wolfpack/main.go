// Command wolfpack serves and follows restaurant order, feed and
// membership state.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/wolfpack/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wolfpack:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
