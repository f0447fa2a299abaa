package echo

import (
	"github.com/openziti/kinetic/cmd/kinetic/kinetic"
	"github.com/spf13/cobra"
)

func init() {
	kinetic.RootCmd.AddCommand(echoCmd)
}

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Line echo over native sockets",
}
