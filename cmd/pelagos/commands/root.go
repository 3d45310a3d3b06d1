package commands

import (
	"github.com/spf13/cobra"

	"github.com/pelagos-network/pelagos/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for Pelagos
var RootCmd = &cobra.Command{
	Use:              "pelagos",
	Short:            "pelagos sequencer membership",
	TraverseChildren: true,
}
