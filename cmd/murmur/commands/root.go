package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for murmur
var RootCmd = &cobra.Command{
	Use:              "murmur",
	Short:            "murmur conversation relay and engine",
	TraverseChildren: true,
}
