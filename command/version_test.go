package command

import (
	"strings"
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"
)

func TestVersionCommand_Implements(t *testing.T) {
	var _ cli.Command = &VersionCommand{}
}

func TestVersionCommand_Run(t *testing.T) {
	ui := cli.NewMockUi()
	cmd := &VersionCommand{Ui: ui}

	must.Zero(t, cmd.Run(nil))
	must.True(t, strings.HasPrefix(ui.OutputWriter.String(), "Duelyard v"))
}
