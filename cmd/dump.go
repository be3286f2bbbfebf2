package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/leftmike/undodb/engine"
	"github.com/leftmike/undodb/record"
	"github.com/leftmike/undodb/undo"
)

var (
	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Print every undiscarded record of an undo log",
		RunE:  dumpRun,
	}

	dumpLog int32
)

func init() {
	dumpCmd.Flags().Int32Var(&dumpLog, "log", 0, "undo log `number` to dump")

	undodbCmd.AddCommand(dumpCmd)
}

func dumpRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	return dumpRecords(os.Stdout, e, undo.LogNumber(dumpLog))
}

// dumpRecords walks the log forward from its discard horizon; record sizes
// recovered from the codec give the next boundary.
func dumpRecords(w io.Writer, e *engine.Engine, logno undo.LogNumber) error {
	meta, ok := e.Log.LogMeta(logno)
	if !ok {
		return fmt.Errorf("undodb: no undo log %d", logno)
	}

	for off := meta.Discard; off < meta.Insert; {
		ptr := undo.MakeRecPtr(logno, off)
		u, err := e.ReadRecord(ptr)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, formatRecord(ptr, u))
		off += undo.Offset(record.ExpectedSize(u))
	}
	return nil
}

func formatRecord(ptr undo.RecPtr, u *record.Unpacked) string {
	s := fmt.Sprintf("%s %s xid=%d cid=%d rel=%d prevlen=%d",
		ptr, u.Type, u.Xid, u.Cid, u.Relnode, u.Prevlen)
	if u.Info&record.InfoBlock != 0 {
		s += fmt.Sprintf(" block=%d off=%d blkprev=%s", u.Block, u.ItemOff, u.Blkprev)
	}
	if u.Info&record.InfoTransaction != 0 {
		s += fmt.Sprintf(" epoch=%d next=%s", u.XidEpoch, u.Next)
	}
	if u.Info&record.InfoPayload != 0 {
		s += fmt.Sprintf(" payload=%d tuple=%d", len(u.Payload), len(u.Tuple))
	}
	return s
}
