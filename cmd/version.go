package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leftmike/undodb/undo"
)

func init() {
	undodbCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of undodb",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(undo.Version())
			},
		})
}
