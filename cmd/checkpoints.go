package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leftmike/undodb/engine"
	"github.com/leftmike/undodb/undo"
)

var (
	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints",
		Short: "Show the newest valid checkpoint",
		RunE:  checkpointsRun,
	}
)

func init() {
	undodbCmd.AddCommand(checkpointsCmd)
}

func checkpointsRun(cmd *cobra.Command, args []string) error {
	e, err := engine.Open(engine.Config{
		Dir:  dataDir,
		Geom: undo.DefaultGeometry(),
	})
	if err != nil {
		return err
	}
	defer e.Close()

	redo, ok, err := e.Log.LatestCheckpoint()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(os.Stdout, "no checkpoints")
		return nil
	}
	fmt.Fprintf(os.Stdout, "newest checkpoint: %s\n", redo)
	return nil
}
