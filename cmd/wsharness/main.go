package main

import (
	"fmt"
	"os"

	"github.com/orchestra-mcp/wsharness/src/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wsharness:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
