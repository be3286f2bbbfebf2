// Package logmgr manages the lifecycle of undo logs: assigning logs to
// writers, allocating space, growing and recycling segment files, advancing
// the discard horizon, and keeping durable checkpoint metadata consistent
// with replayed WAL records.
package logmgr

import (
	"fmt"
	"os"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/undodb/undo"
	"github.com/leftmike/undodb/wal"
)

// Meta is the per-log metadata tracked in a control slot and persisted by
// checkpoints.
type Meta struct {
	Tablespace    undo.Oid
	Persistence   undo.Persistence
	Insert        undo.Offset // next free byte (head)
	End           undo.Offset // one past the highest allocated segment
	Discard       undo.Offset // oldest byte still needed (tail)
	LastXactStart undo.Offset // start of the last transaction's first record
	IsFirstRec    bool        // next record is the transaction's first
	Full          bool        // exhausted; never reopened for writes
	Xid           undo.Xid    // transaction writing into this log, if any
	XidEpoch      uint32
	Prevlen       uint16 // length of the most recently appended record
}

// A slot is one control entry.  The manager lock covers the slot table,
// attachment, and the xid map; the slot lock covers meta.  The slot lock is
// never held across file I/O: extension stages a plan, drops the lock, does
// the I/O, and re-locks to publish.
type slot struct {
	mu            sync.Mutex
	logno         undo.LogNumber
	attached      bool // guarded by Manager.mu
	highestSynced int  // guarded by Manager.mu; -1 when nothing synced
	meta          Meta
}

type Config struct {
	Dir         string              // base directory
	Tablespaces map[undo.Oid]string // non-default tablespace directories
	Geom        undo.Geometry       // zero value means undo.DefaultGeometry
	WAL         wal.Appender        // nil runs without write-ahead logging
	MaxSlots    int                 // control slots; zero means 64
}

const defaultMaxSlots = 64

type Manager struct {
	cfg    Config
	geom   undo.Geometry
	maxLog undo.Offset // MaxLogSize rounded down to a segment boundary
	wal    wal.Appender

	mu        sync.Mutex
	slots     map[undo.LogNumber]*slot
	nextLogNo undo.LogNumber
	byXid     map[undo.Xid]undo.LogNumber

	ckptMu         sync.Mutex // serializes checkpoints
	ckptInProgress bool       // guarded by mu; defers unlinks while set
	deferred       []string   // segment files awaiting unlink
}

func NewManager(cfg Config) (*Manager, error) {
	geom := cfg.Geom
	if geom.BlockSize == 0 {
		geom = undo.DefaultGeometry()
	}
	err := geom.Validate()
	if err != nil {
		return nil, err
	}
	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = defaultMaxSlots
	}

	m := &Manager{
		cfg:    cfg,
		geom:   geom,
		maxLog: geom.MaxLogSize / geom.SegmentCapacity() * geom.SegmentCapacity(),
		wal:    cfg.WAL,
		slots:  map[undo.LogNumber]*slot{},
		byXid:  map[undo.Xid]undo.LogNumber{},
	}

	err = os.MkdirAll(m.checkpointDir(), 0755)
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(m.tablespaceDir(undo.DefaultTablespace), 0755)
	if err != nil {
		return nil, err
	}
	for ts := range cfg.Tablespaces {
		err = os.MkdirAll(m.tablespaceDir(ts), 0755)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) Geometry() undo.Geometry {
	return m.geom
}

func (m *Manager) walAppend(data []byte, flush bool) error {
	if m.wal == nil {
		return nil
	}
	lsn, err := m.wal.Append(data)
	if err != nil {
		return fmt.Errorf("logmgr: wal append failed: %w", err)
	}
	if flush {
		err = m.wal.Flush(lsn)
		if err != nil {
			return fmt.Errorf("logmgr: wal flush failed: %w", err)
		}
	}
	return nil
}

func (m *Manager) slotFor(logno undo.LogNumber) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.slots[logno]
}

func (m *Manager) mustSlot(logno undo.LogNumber) *slot {
	sl := m.slotFor(logno)
	if sl == nil {
		panic(fmt.Sprintf("logmgr: no undo log %d", logno))
	}
	return sl
}

// createLog allocates a control slot and a log number for a new log.
func (m *Manager) createLog(p undo.Persistence, ts undo.Oid) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.slots) >= m.cfg.MaxSlots {
		return nil, fmt.Errorf("%w: no free undo log slots", undo.ErrResourceExhausted)
	}
	if m.nextLogNo > maxLogNumber() {
		return nil, fmt.Errorf("%w: undo log numbers exhausted", undo.ErrResourceExhausted)
	}

	logno := m.nextLogNo
	if p != undo.Temporary {
		err := m.walAppend(encodeCreate(logno, ts, p), true)
		if err != nil {
			return nil, err
		}
	}

	sl := &slot{
		logno:         logno,
		highestSynced: -1,
		meta: Meta{
			Tablespace:  ts,
			Persistence: p,
		},
	}
	m.nextLogNo += 1
	m.slots[logno] = sl

	log.WithFields(log.Fields{
		"log":         logno,
		"persistence": p.String(),
	}).Info("created undo log")
	return sl, nil
}

func maxLogNumber() undo.LogNumber {
	return undo.LogNumber(1<<undo.LogNumberBits - 1)
}

// Advance publishes that size bytes were written at ptr: the head moves past
// them and prevlen records their length for backward traversal.
func (m *Manager) Advance(ptr undo.RecPtr, size int) error {
	sl := m.mustSlot(ptr.LogNo())

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.meta.Insert != ptr.Offset() {
		panic(fmt.Sprintf("logmgr: advance at %s but insert is %d", ptr, sl.meta.Insert))
	}
	if sl.meta.Persistence != undo.Temporary {
		err := m.walAppend(encodeAdvance(sl.logno, sl.meta.Insert+undo.Offset(size)), false)
		if err != nil {
			return err
		}
		err = m.walAppend(encodeSetPrevlen(sl.logno, uint16(size)), false)
		if err != nil {
			return err
		}
	}

	sl.meta.Insert += undo.Offset(size)
	sl.meta.Prevlen = uint16(size)
	sl.meta.IsFirstRec = false
	return nil
}

// Rewind truncates the head back to ptr, undoing a partial write during
// abort.  Physical segments are not shrunk; only discard does that.
func (m *Manager) Rewind(ptr undo.RecPtr, prevlen uint16) error {
	sl := m.mustSlot(ptr.LogNo())

	sl.mu.Lock()
	defer sl.mu.Unlock()

	off := ptr.Offset()
	if off < sl.meta.Discard || off > sl.meta.Insert {
		panic(fmt.Sprintf("logmgr: rewind to %s outside [%d, %d]",
			ptr, sl.meta.Discard, sl.meta.Insert))
	}
	if sl.meta.Persistence != undo.Temporary {
		err := m.walAppend(encodeAdvance(sl.logno, off), false)
		if err != nil {
			return err
		}
		err = m.walAppend(encodeSetPrevlen(sl.logno, prevlen), false)
		if err != nil {
			return err
		}
	}

	sl.meta.Insert = off
	sl.meta.Prevlen = prevlen
	sl.meta.IsFirstRec = false
	return nil
}

// Discard advances the tail of the log containing point to point's offset.
// Segments wholly below the new tail are unlinked, deferred if a checkpoint
// is in progress.  Discarding behind the current tail is a no-op.
func (m *Manager) Discard(point undo.RecPtr, xid undo.Xid) error {
	sl := m.slotFor(point.LogNo())
	if sl == nil {
		return nil
	}

	sl.mu.Lock()
	off := point.Offset()
	if off <= sl.meta.Discard {
		sl.mu.Unlock()
		return nil
	}
	if off > sl.meta.Insert {
		sl.mu.Unlock()
		panic(fmt.Sprintf("logmgr: discard %s beyond insert %d", point, sl.meta.Insert))
	}

	segcap := m.geom.SegmentCapacity()
	first := int(sl.meta.Discard / segcap)
	limit := int(off / segcap)

	destroyed := sl.meta.Full && off == sl.meta.Insert
	if destroyed {
		// The log is fully consumed; every remaining segment goes.
		limit = m.geom.SegmentOf(sl.meta.End-1) + 1
	}

	var paths []string
	for segno := first; segno < limit; segno += 1 {
		paths = append(paths, m.SegmentPath(sl.logno, segno, sl.meta.Tablespace))
	}

	if sl.meta.Persistence != undo.Temporary {
		err := m.walAppend(encodeDiscard(sl.logno, off, len(paths) > 0), true)
		if err != nil {
			sl.mu.Unlock()
			return err
		}
	}
	sl.meta.Discard = off
	logXid := sl.meta.Xid
	sl.mu.Unlock()

	m.unlinkOrDefer(sl.logno, paths)

	if destroyed {
		m.mu.Lock()
		delete(m.slots, sl.logno)
		if logXid != 0 && m.byXid[logXid] == sl.logno {
			delete(m.byXid, logXid)
		}
		m.mu.Unlock()
		log.WithField("log", sl.logno).Info("destroyed undo log")
	}
	return nil
}

func (m *Manager) unlinkOrDefer(logno undo.LogNumber, paths []string) {
	if len(paths) == 0 {
		return
	}

	m.mu.Lock()
	if m.ckptInProgress {
		m.deferred = append(m.deferred, paths...)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.unlinkSegments(paths)
}

// IsDiscarded reports whether ptr is below its log's discard horizon.  A
// destroyed log is entirely discarded.
func (m *Manager) IsDiscarded(ptr undo.RecPtr) bool {
	m.mu.Lock()
	sl := m.slots[ptr.LogNo()]
	if sl == nil {
		known := ptr.LogNo() < m.nextLogNo
		m.mu.Unlock()
		return known
	}
	m.mu.Unlock()

	sl.mu.Lock()
	defer sl.mu.Unlock()

	return ptr.Offset() < sl.meta.Discard
}

// NextInsertPtr is the head of the log, or invalid if xid is non-zero and is
// not the transaction currently writing to the log.
func (m *Manager) NextInsertPtr(logno undo.LogNumber, xid undo.Xid) undo.RecPtr {
	sl := m.slotFor(logno)
	if sl == nil {
		return undo.InvalidRecPtr
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if xid != 0 && sl.meta.Xid != xid {
		return undo.InvalidRecPtr
	}
	return undo.MakeRecPtr(logno, sl.meta.Insert)
}

// FirstValidRecord is the oldest readable record of the log, or invalid if
// the log is empty or fully discarded.
func (m *Manager) FirstValidRecord(logno undo.LogNumber) undo.RecPtr {
	sl := m.slotFor(logno)
	if sl == nil {
		return undo.InvalidRecPtr
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.meta.Discard == sl.meta.Insert {
		return undo.InvalidRecPtr
	}
	return undo.MakeRecPtr(logno, sl.meta.Discard)
}

// LastXactStart is the insertion point of the last transaction's first record
// in the log, or invalid if no transaction ever wrote to it.
func (m *Manager) LastXactStart(logno undo.LogNumber) undo.RecPtr {
	sl := m.slotFor(logno)
	if sl == nil {
		return undo.InvalidRecPtr
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.meta.Xid == 0 {
		return undo.InvalidRecPtr
	}
	return undo.MakeRecPtr(logno, sl.meta.LastXactStart)
}

func (m *Manager) SetPrevLen(logno undo.LogNumber, prevlen uint16) error {
	sl := m.mustSlot(logno)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.meta.Persistence != undo.Temporary {
		err := m.walAppend(encodeSetPrevlen(logno, prevlen), false)
		if err != nil {
			return err
		}
	}
	sl.meta.Prevlen = prevlen
	return nil
}

func (m *Manager) GetPrevLen(logno undo.LogNumber) uint16 {
	sl := m.mustSlot(logno)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.meta.Prevlen
}

// LogNumberFromXid is the log the transaction is writing to, derived from
// first-record markers; recovery uses it to reattach.
func (m *Manager) LogNumberFromXid(xid undo.Xid) (undo.LogNumber, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logno, ok := m.byXid[xid]
	return logno, ok
}

// IsTransactionFirstRec reports whether the transaction's next record would
// be its first in its log.
func (m *Manager) IsTransactionFirstRec(xid undo.Xid) bool {
	m.mu.Lock()
	logno, ok := m.byXid[xid]
	m.mu.Unlock()
	if !ok {
		return false
	}

	sl := m.slotFor(logno)
	if sl == nil {
		return false
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.meta.Xid == xid && sl.meta.IsFirstRec
}

// ActiveLogs is the sorted set of logs that are active or not yet fully
// discarded.
func (m *Manager) ActiveLogs() []undo.LogNumber {
	m.mu.Lock()
	defer m.mu.Unlock()

	lognos := make([]undo.LogNumber, 0, len(m.slots))
	for logno := range m.slots {
		lognos = append(lognos, logno)
	}
	sort.Slice(lognos, func(i, j int) bool {
		return lognos[i] < lognos[j]
	})
	return lognos
}

// BufferTag is the buffer-cache identity of the pointer's block, resolving
// the log's tablespace.
func (m *Manager) BufferTag(ptr undo.RecPtr) (undo.RelFileNode, bool) {
	sl := m.slotFor(ptr.LogNo())
	if sl == nil {
		return undo.RelFileNode{}, false
	}

	sl.mu.Lock()
	ts := sl.meta.Tablespace
	sl.mu.Unlock()

	return ptr.RelFileNode(ts), true
}

// LogMeta is a snapshot of the log's metadata.
func (m *Manager) LogMeta(logno undo.LogNumber) (Meta, bool) {
	sl := m.slotFor(logno)
	if sl == nil {
		return Meta{}, false
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.meta, true
}
