package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/undodb/engine"
	"github.com/leftmike/undodb/logmgr"
	"github.com/leftmike/undodb/undo"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show per-log metadata as of the newest checkpoint",
		RunE:  statusRun,
	}
)

func init() {
	undodbCmd.AddCommand(statusCmd)
}

func statusRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	writeStatus(os.Stdout, e)
	return nil
}

func writeStatus(w io.Writer, e *engine.Engine) {
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Log", "Tablespace", "Persistence", "Insert", "End",
		"Discard", "Xid", "Prevlen"})
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)

	for _, logno := range e.Log.ActiveLogs() {
		meta, ok := e.Log.LogMeta(logno)
		if !ok {
			continue
		}
		tbl.Append(statusRow(logno, meta))
	}
	tbl.Render()
}

func statusRow(logno undo.LogNumber, meta logmgr.Meta) []string {
	return []string{
		fmt.Sprintf("%d", logno),
		fmt.Sprintf("%d", meta.Tablespace),
		meta.Persistence.String(),
		fmt.Sprintf("%d", meta.Insert),
		fmt.Sprintf("%d", meta.End),
		fmt.Sprintf("%d", meta.Discard),
		fmt.Sprintf("%d", meta.Xid),
		fmt.Sprintf("%d", meta.Prevlen),
	}
}
