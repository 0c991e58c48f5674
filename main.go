package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/yardworks/duelyard/command"
	"github.com/yardworks/duelyard/version"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	c := cli.NewCLI("duelyard", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands()

	exitStatus, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %v\n", err)
	}
	return exitStatus
}
