package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/leftmike/undodb/engine"
	"github.com/leftmike/undodb/undo"
)

const (
	undodbHistory = ".undodb_history"
)

var (
	shellCmd = &cobra.Command{
		Use:   "shell",
		Short: "Interactively inspect undo logs",
		RunE:  shellRun,
	}
)

func init() {
	undodbCmd.AddCommand(shellCmd)
}

func shellRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	line := liner.NewLiner()
	defer line.Close()

	if f, err := os.Open(undodbHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	for {
		s, err := line.Prompt("undodb: ")
		if err != nil {
			break
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		line.AppendHistory(s)

		if s == "exit" || s == "quit" {
			break
		}
		err = shellEval(e, s)
		if err != nil {
			fmt.Println(err)
		}
	}

	if f, err := os.Create(undodbHistory); err != nil {
		fmt.Fprintf(os.Stderr, "undodb: error writing history file, %s: %s",
			undodbHistory, err)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
	return nil
}

func shellEval(e *engine.Engine, s string) error {
	fields := strings.Fields(s)
	switch fields[0] {
	case "help":
		fmt.Println(`logs               show per-log metadata
dump <logno>       print every undiscarded record of a log
rec <ptr>          print the record at a pointer (16 hex digits)
walk <ptr>         walk an undo chain backward from a pointer
exit               leave the shell`)
	case "logs":
		writeStatus(os.Stdout, e)
	case "dump":
		if len(fields) != 2 {
			return fmt.Errorf("undodb: dump <logno>")
		}
		logno, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return err
		}
		return dumpRecords(os.Stdout, e, undo.LogNumber(logno))
	case "rec":
		ptr, err := parsePtr(fields)
		if err != nil {
			return err
		}
		u, err := e.ReadRecord(ptr)
		if err != nil {
			return err
		}
		fmt.Println(formatRecord(ptr, u))
	case "walk":
		ptr, err := parsePtr(fields)
		if err != nil {
			return err
		}
		return walkChain(e, ptr)
	default:
		return fmt.Errorf("undodb: unknown command: %s", fields[0])
	}
	return nil
}

func parsePtr(fields []string) (undo.RecPtr, error) {
	if len(fields) != 2 {
		return undo.InvalidRecPtr, fmt.Errorf("undodb: %s <ptr>", fields[0])
	}
	val, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return undo.InvalidRecPtr, err
	}
	return undo.RecPtr(val), nil
}

func walkChain(e *engine.Engine, ptr undo.RecPtr) error {
	for ptr.IsValid() {
		if e.Log.IsDiscarded(ptr) {
			fmt.Println("discarded")
			return nil
		}
		u, err := e.ReadRecord(ptr)
		if err != nil {
			return err
		}
		fmt.Println(formatRecord(ptr, u))

		if u.Blkprev.IsValid() {
			ptr = u.Blkprev
		} else if u.Prevlen > 0 && undo.Offset(u.Prevlen) <= ptr.Offset() {
			ptr = undo.MakeRecPtr(ptr.LogNo(), ptr.Offset()-undo.Offset(u.Prevlen))
		} else {
			break
		}
	}
	return nil
}
