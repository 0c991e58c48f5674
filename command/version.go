package command

import (
	"github.com/hashicorp/cli"

	"github.com/yardworks/duelyard/version"
)

// VersionCommand prints the build version.
type VersionCommand struct {
	Ui cli.Ui
}

func (c *VersionCommand) Help() string {
	return ""
}

func (c *VersionCommand) Synopsis() string {
	return "Prints the Duelyard version"
}

func (c *VersionCommand) Run(_ []string) int {
	c.Ui.Output(version.GetVersion().FullVersionNumber(true))
	return 0
}
