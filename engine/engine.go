// Package engine ties the undo log pieces together behind one handle: the
// log manager for space, the buffer pool for pages, and the record codec for
// bytes.  Callers that need finer control use the packages directly; the
// engine covers the common insert and fetch paths.
package engine

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/undodb/bufpool"
	"github.com/leftmike/undodb/logmgr"
	"github.com/leftmike/undodb/record"
	"github.com/leftmike/undodb/undo"
	"github.com/leftmike/undodb/wal"
)

type Config struct {
	Dir         string
	Tablespaces map[undo.Oid]string
	Geom        undo.Geometry // zero value means undo.DefaultGeometry
	WAL         wal.Appender  // nil runs without write-ahead logging
	MaxSlots    int
}

type Engine struct {
	geom undo.Geometry
	Log  *logmgr.Manager
	Pool *bufpool.Pool
}

func Open(cfg Config) (*Engine, error) {
	mgr, err := logmgr.NewManager(logmgr.Config{
		Dir:         cfg.Dir,
		Tablespaces: cfg.Tablespaces,
		Geom:        cfg.Geom,
		WAL:         cfg.WAL,
		MaxSlots:    cfg.MaxSlots,
	})
	if err != nil {
		return nil, err
	}

	geom := mgr.Geometry()
	return &Engine{
		geom: geom,
		Log:  mgr,
		Pool: bufpool.NewPool(geom, mgr),
	}, nil
}

func (e *Engine) Geometry() undo.Geometry {
	return e.geom
}

func (e *Engine) NewSession() *logmgr.Session {
	return e.Log.NewSession()
}

// InsertRecord allocates space for the record, serializes it across the
// covering blocks, and advances the log head.  The record's Prevlen and, for
// the first record of a transaction in a log, its transaction section are
// filled in here.
func (e *Engine) InsertRecord(s *logmgr.Session, u *record.Unpacked,
	p undo.Persistence) (undo.RecPtr, error) {

	var ptr undo.RecPtr
	size := record.ExpectedSize(u)
	for {
		var err error
		ptr, err = s.Allocate(size, p)
		if err != nil {
			return undo.InvalidRecPtr, err
		}

		if u.Next == undo.InvalidRecPtr && e.Log.IsTransactionFirstRec(s.Xid()) {
			// The first record of a transaction in a log carries the
			// transaction section; the next transaction's start is not
			// known yet.  Resize and re-allocate.
			u.Next = undo.SpecialRecPtr
			u.XidEpoch = s.Epoch()
			size = record.ExpectedSize(u)
			continue
		}
		break
	}
	u.Prevlen = e.Log.GetPrevLen(ptr.LogNo())

	err := e.writeRecord(u, ptr)
	if err != nil {
		return undo.InvalidRecPtr, err
	}

	err = e.Log.Advance(ptr, size)
	if err != nil {
		return undo.InvalidRecPtr, err
	}
	return ptr, nil
}

func (e *Engine) writeRecord(u *record.Unpacked, ptr undo.RecPtr) error {
	logno := ptr.LogNo()
	blkno := e.geom.BlockOf(ptr.Offset())
	startingByte := e.geom.ByteInBlock(ptr.Offset())

	var written int
	for {
		b, err := e.Pool.GetBlock(logno, blkno)
		if err != nil {
			return err
		}
		done := record.Insert(u, b.Data(), startingByte, &written)
		e.Pool.MarkDirty(b)
		e.Pool.Release(b)
		if done {
			return nil
		}
		blkno += 1
		startingByte = e.geom.PageHeaderSize
	}
}

// FetchRecord walks the undo chain backward from start and returns the first
// record satisfying the predicate, or an invalid pointer if the chain ends or
// crosses the discard horizon.
func (e *Engine) FetchRecord(start undo.RecPtr, blkno uint32, itemOff uint16,
	xid undo.Xid, satisfied record.SatisfyFunc) (*record.Unpacked, undo.RecPtr, error) {

	return record.Fetch(e.geom, e.Pool, e.Log, start, blkno, itemOff, xid, satisfied)
}

// ReadRecord decodes the single record at ptr.
func (e *Engine) ReadRecord(ptr undo.RecPtr) (*record.Unpacked, error) {
	if e.Log.IsDiscarded(ptr) {
		return nil, fmt.Errorf("engine: record %s is discarded", ptr)
	}
	return record.ReadAt(e.geom, e.Pool, ptr)
}

// CheckPoint flushes dirty undo pages and writes a durable snapshot of
// per-log metadata keyed by the redo LSN.  Segments below the one containing
// the head are append-complete once flushed, so they are recorded as synced
// and skipped by later checkpoints.
func (e *Engine) CheckPoint(redo, prior wal.LSN) error {
	for _, logno := range e.Pool.DirtyLogs() {
		err := e.Pool.FlushLog(logno, uint64(redo))
		if err != nil {
			return err
		}
		meta, ok := e.Log.LogMeta(logno)
		if ok && meta.Insert > 0 {
			e.Log.SetHighestSyncedSegment(logno, e.geom.SegmentOf(meta.Insert-1)-1)
		}
	}
	return e.Log.CheckPoint(redo, prior)
}

// Startup restores control state from the checkpoint written at redo; the
// caller then replays undo WAL records at or after redo through Redo.
func (e *Engine) Startup(redo wal.LSN) error {
	return e.Log.Startup(redo)
}

// Recover restores state from the newest checkpoint, if any, and replays
// every undo record in the WAL from its redo point.  Errors during replay
// are fatal to recovery.
func (e *Engine) Recover(ml *wal.MemLog) error {
	redo, ok, err := e.Log.LatestCheckpoint()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	err = e.Log.Startup(redo)
	if err != nil {
		return err
	}
	if ml == nil {
		return nil
	}

	var n int
	err = ml.Visit(redo, func(lsn wal.LSN, data []byte) error {
		n += 1
		return e.Log.Redo(data)
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"redo":    redo.String(),
		"records": n,
	}).Info("undo recovery complete")
	return nil
}

func (e *Engine) Close() error {
	return nil
}
