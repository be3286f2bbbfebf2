package logmgr

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/undodb/undo"
)

// WAL record kinds for undo log state changes.  Every record carries the log
// number and the absolute target value of the field it changes, so replay
// from any preceding consistent state is deterministic and idempotent.
const (
	xlCreate uint8 = iota + 1
	xlExtend
	xlAdvance
	xlSetPrevlen
	xlDiscard
	xlXactStart
	xlMarkFull
)

func appendUint16(buf []byte, u uint16) []byte {
	return append(buf, byte(u), byte(u>>8))
}

func appendUint32(buf []byte, u uint32) []byte {
	return append(buf, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
}

func appendUint64(buf []byte, u uint64) []byte {
	return append(buf, byte(u), byte(u>>8), byte(u>>16), byte(u>>24),
		byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56))
}

func getUint16(buf []byte) uint16 {
	return uint16(buf[0]) | uint16(buf[1])<<8
}

func getUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func getUint64(buf []byte) uint64 {
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
}

func encodeCreate(logno undo.LogNumber, ts undo.Oid, p undo.Persistence) []byte {
	buf := append(make([]byte, 0, 10), xlCreate)
	buf = appendUint32(buf, uint32(logno))
	buf = appendUint32(buf, uint32(ts))
	return append(buf, byte(p))
}

func encodeExtend(logno undo.LogNumber, end undo.Offset) []byte {
	buf := append(make([]byte, 0, 13), xlExtend)
	buf = appendUint32(buf, uint32(logno))
	return appendUint64(buf, uint64(end))
}

func encodeAdvance(logno undo.LogNumber, insert undo.Offset) []byte {
	buf := append(make([]byte, 0, 13), xlAdvance)
	buf = appendUint32(buf, uint32(logno))
	return appendUint64(buf, uint64(insert))
}

func encodeSetPrevlen(logno undo.LogNumber, prevlen uint16) []byte {
	buf := append(make([]byte, 0, 7), xlSetPrevlen)
	buf = appendUint32(buf, uint32(logno))
	return appendUint16(buf, prevlen)
}

func encodeDiscard(logno undo.LogNumber, discard undo.Offset, unlink bool) []byte {
	buf := append(make([]byte, 0, 14), xlDiscard)
	buf = appendUint32(buf, uint32(logno))
	buf = appendUint64(buf, uint64(discard))
	if unlink {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func encodeXactStart(logno undo.LogNumber, xid undo.Xid, epoch uint32,
	off undo.Offset) []byte {

	buf := append(make([]byte, 0, 21), xlXactStart)
	buf = appendUint32(buf, uint32(logno))
	buf = appendUint32(buf, uint32(xid))
	buf = appendUint32(buf, epoch)
	return appendUint64(buf, uint64(off))
}

func encodeMarkFull(logno undo.LogNumber) []byte {
	buf := append(make([]byte, 0, 5), xlMarkFull)
	return appendUint32(buf, uint32(logno))
}

// Redo applies one undo WAL record to the control state.  Records are
// idempotent: applying a record that is already reflected in the state is
// harmless.  Records for a log that has since been destroyed are skipped.
func (m *Manager) Redo(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: short undo wal record", undo.ErrCorruptRecord)
	}
	kind := data[0]
	logno := undo.LogNumber(getUint32(data[1:]))
	body := data[5:]

	if kind == xlCreate {
		if len(body) != 5 {
			return fmt.Errorf("%w: bad create record", undo.ErrCorruptRecord)
		}
		return m.redoCreate(logno, undo.Oid(getUint32(body)), undo.Persistence(body[4]))
	}

	sl := m.slotFor(logno)
	if sl == nil {
		log.WithField("log", logno).Debug("redo for destroyed undo log")
		return nil
	}

	switch kind {
	case xlExtend:
		if len(body) != 8 {
			return fmt.Errorf("%w: bad extend record", undo.ErrCorruptRecord)
		}
		return m.redoExtend(sl, undo.Offset(getUint64(body)))
	case xlAdvance:
		if len(body) != 8 {
			return fmt.Errorf("%w: bad advance record", undo.ErrCorruptRecord)
		}
		sl.mu.Lock()
		sl.meta.Insert = undo.Offset(getUint64(body))
		sl.meta.IsFirstRec = false
		sl.mu.Unlock()
	case xlSetPrevlen:
		if len(body) != 2 {
			return fmt.Errorf("%w: bad set-prevlen record", undo.ErrCorruptRecord)
		}
		sl.mu.Lock()
		sl.meta.Prevlen = getUint16(body)
		sl.mu.Unlock()
	case xlDiscard:
		if len(body) != 9 {
			return fmt.Errorf("%w: bad discard record", undo.ErrCorruptRecord)
		}
		return m.redoDiscard(sl, undo.Offset(getUint64(body)), body[8] != 0)
	case xlXactStart:
		if len(body) != 16 {
			return fmt.Errorf("%w: bad xact-start record", undo.ErrCorruptRecord)
		}
		xid := undo.Xid(getUint32(body))
		sl.mu.Lock()
		sl.meta.Xid = xid
		sl.meta.XidEpoch = getUint32(body[4:])
		sl.meta.LastXactStart = undo.Offset(getUint64(body[8:]))
		sl.meta.IsFirstRec = true
		sl.mu.Unlock()

		m.mu.Lock()
		m.byXid[xid] = logno
		m.mu.Unlock()
	case xlMarkFull:
		if len(body) != 0 {
			return fmt.Errorf("%w: bad mark-full record", undo.ErrCorruptRecord)
		}
		sl.mu.Lock()
		sl.meta.Full = true
		sl.mu.Unlock()
	default:
		return fmt.Errorf("%w: unknown undo wal record kind %d", undo.ErrCorruptRecord, kind)
	}
	return nil
}

func (m *Manager) redoCreate(logno undo.LogNumber, ts undo.Oid, p undo.Persistence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logno >= m.nextLogNo {
		m.nextLogNo = logno + 1
	}
	if m.slots[logno] != nil {
		return nil
	}
	m.slots[logno] = &slot{
		logno:         logno,
		highestSynced: -1,
		meta: Meta{
			Tablespace:  ts,
			Persistence: p,
		},
	}
	return nil
}

func (m *Manager) redoExtend(sl *slot, newEnd undo.Offset) error {
	sl.mu.Lock()
	if newEnd <= sl.meta.End {
		sl.mu.Unlock()
		return nil
	}
	first := m.geom.SegmentOf(sl.meta.End)
	limit := m.geom.SegmentOf(newEnd - 1)
	ts := sl.meta.Tablespace
	sl.mu.Unlock()

	err := m.extendFiles(sl.logno, ts, first, limit, newEnd, false)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err != nil {
		return err
	}
	if newEnd > sl.meta.End {
		sl.meta.End = newEnd
	}
	return nil
}

func (m *Manager) redoDiscard(sl *slot, newDiscard undo.Offset, unlink bool) error {
	sl.mu.Lock()
	if newDiscard <= sl.meta.Discard {
		sl.mu.Unlock()
		return nil
	}

	segcap := m.geom.SegmentCapacity()
	first := int(sl.meta.Discard / segcap)
	limit := int(newDiscard / segcap)

	destroyed := sl.meta.Full && newDiscard == sl.meta.Insert
	if destroyed && sl.meta.End > 0 {
		limit = m.geom.SegmentOf(sl.meta.End-1) + 1
	}

	var paths []string
	if unlink || destroyed {
		for segno := first; segno < limit; segno += 1 {
			paths = append(paths, m.SegmentPath(sl.logno, segno, sl.meta.Tablespace))
		}
	}
	sl.meta.Discard = newDiscard
	xid := sl.meta.Xid
	sl.mu.Unlock()

	m.unlinkSegments(paths)

	if destroyed {
		m.mu.Lock()
		delete(m.slots, sl.logno)
		if xid != 0 && m.byXid[xid] == sl.logno {
			delete(m.byXid, xid)
		}
		m.mu.Unlock()
	}
	return nil
}

// AllocateInRecovery re-derives the allocation a writer made before the
// crash.  The log comes from the recovered xid mapping; recovery never
// assigns a new log because the pre-crash log number is carried in the WAL
// record's undo pointer.
func (m *Manager) AllocateInRecovery(xid undo.Xid, size int,
	p undo.Persistence) (undo.RecPtr, error) {

	if size <= 0 || size > m.geom.MaxRecordSize() {
		panic(fmt.Sprintf("logmgr: bad undo record size: %d", size))
	}

	m.mu.Lock()
	logno, ok := m.byXid[xid]
	m.mu.Unlock()
	if !ok {
		return undo.InvalidRecPtr,
			fmt.Errorf("logmgr: no undo log for xid %d in recovery", xid)
	}

	sl := m.mustSlot(logno)
	sl.mu.Lock()
	if sl.meta.Persistence != p {
		sl.mu.Unlock()
		return undo.InvalidRecPtr,
			fmt.Errorf("logmgr: log %d is %s, not %s", logno, sl.meta.Persistence, p)
	}
	if sl.meta.Insert+undo.Offset(size) > sl.meta.End {
		// Segment creation is idempotent, so re-deriving an extension that
		// completed before the crash is harmless.  Nothing is re-logged.
		newEnd := m.geom.SegmentAlignUp(sl.meta.Insert + undo.Offset(size))
		first := m.geom.SegmentOf(sl.meta.End)
		limit := m.geom.SegmentOf(newEnd - 1)
		ts := sl.meta.Tablespace
		sl.mu.Unlock()

		err := m.extendFiles(logno, ts, first, limit, newEnd, false)

		sl.mu.Lock()
		if err != nil {
			sl.mu.Unlock()
			return undo.InvalidRecPtr, err
		}
		if newEnd > sl.meta.End {
			sl.meta.End = newEnd
		}
	}
	ptr := undo.MakeRecPtr(logno, sl.meta.Insert)
	sl.mu.Unlock()
	return ptr, nil
}
