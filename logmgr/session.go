package logmgr

import (
	"fmt"
	"sort"

	"github.com/leftmike/undodb/undo"
)

// A Session is one writer's attachment state: which log it owns per
// persistence level and the transaction it is writing.  A session must not be
// used from more than one goroutine at a time.
type Session struct {
	mgr      *Manager
	attached map[undo.Persistence]undo.LogNumber
	xid      undo.Xid
	epoch    uint32
}

func (m *Manager) NewSession() *Session {
	return &Session{
		mgr:      m,
		attached: map[undo.Persistence]undo.LogNumber{},
	}
}

// Begin sets the transaction the session writes for.
func (s *Session) Begin(xid undo.Xid, epoch uint32) {
	s.xid = xid
	s.epoch = epoch
}

func (s *Session) Xid() undo.Xid {
	return s.xid
}

func (s *Session) Epoch() uint32 {
	return s.epoch
}

// CurrentLocation is the insertion point of the session's attached log at the
// persistence level, or invalid if none is attached.
func (s *Session) CurrentLocation(p undo.Persistence) undo.RecPtr {
	logno, ok := s.attached[p]
	if !ok {
		return undo.InvalidRecPtr
	}
	return s.mgr.NextInsertPtr(logno, 0)
}

// Close detaches the session from its logs; the logs become available to
// other writers.
func (s *Session) Close() {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, logno := range s.attached {
		if sl := m.slots[logno]; sl != nil {
			sl.attached = false
		}
	}
	s.attached = map[undo.Persistence]undo.LogNumber{}
}

// slot returns the session's log at the persistence level, attaching to an
// idle log or creating a new one as needed.
func (s *Session) slot(p undo.Persistence) (*slot, error) {
	m := s.mgr
	if logno, ok := s.attached[p]; ok {
		if sl := m.slotFor(logno); sl != nil {
			return sl, nil
		}
		delete(s.attached, p)
	}

	m.mu.Lock()
	for _, logno := range sortedLogNos(m.slots) {
		sl := m.slots[logno]
		if sl.attached {
			continue
		}
		sl.mu.Lock()
		ok := sl.meta.Persistence == p && !sl.meta.Full
		sl.mu.Unlock()
		if ok {
			sl.attached = true
			m.mu.Unlock()
			s.attached[p] = logno
			return sl, nil
		}
	}
	m.mu.Unlock()

	sl, err := m.createLog(p, undo.DefaultTablespace)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	sl.attached = true
	m.mu.Unlock()
	s.attached[p] = sl.logno
	return sl, nil
}

func (s *Session) detach(p undo.Persistence, sl *slot) {
	m := s.mgr
	m.mu.Lock()
	sl.attached = false
	m.mu.Unlock()
	delete(s.attached, p)
}

// Allocate reserves size bytes at the insertion point of the session's log,
// attaching or creating a log as needed and extending it with new segments.
// The caller must write exactly size bytes at the returned pointer and then
// call Advance.
func (s *Session) Allocate(size int, p undo.Persistence) (undo.RecPtr, error) {
	m := s.mgr
	if size <= 0 || size > m.geom.MaxRecordSize() {
		panic(fmt.Sprintf("logmgr: bad undo record size: %d", size))
	}

	for {
		sl, err := s.slot(p)
		if err != nil {
			return undo.InvalidRecPtr, err
		}

		sl.mu.Lock()
		if sl.meta.Insert+undo.Offset(size) > m.maxLog {
			// Exhausted; the log stays readable until discarded, but a
			// fresh log continues the stream.
			if !sl.meta.Full {
				if sl.meta.Persistence != undo.Temporary {
					err = m.walAppend(encodeMarkFull(sl.logno), false)
					if err != nil {
						sl.mu.Unlock()
						return undo.InvalidRecPtr, err
					}
				}
				sl.meta.Full = true
			}
			sl.mu.Unlock()
			s.detach(p, sl)
			continue
		}

		var newXact bool
		if s.xid != 0 && sl.meta.Xid != s.xid {
			if sl.meta.Persistence != undo.Temporary {
				err = m.walAppend(
					encodeXactStart(sl.logno, s.xid, s.epoch, sl.meta.Insert), false)
				if err != nil {
					sl.mu.Unlock()
					return undo.InvalidRecPtr, err
				}
			}
			sl.meta.Xid = s.xid
			sl.meta.XidEpoch = s.epoch
			sl.meta.LastXactStart = sl.meta.Insert
			sl.meta.IsFirstRec = true
			newXact = true
		}

		if sl.meta.Insert+undo.Offset(size) > sl.meta.End {
			// extend drops and reacquires the slot lock around file I/O.
			err = m.extend(sl, sl.meta.Insert+undo.Offset(size))
			if err != nil {
				sl.mu.Unlock()
				return undo.InvalidRecPtr, err
			}
		}

		ptr := undo.MakeRecPtr(sl.logno, sl.meta.Insert)
		sl.mu.Unlock()

		if newXact {
			m.mu.Lock()
			m.byXid[s.xid] = sl.logno
			m.mu.Unlock()
		}
		return ptr, nil
	}
}

func sortedLogNos(slots map[undo.LogNumber]*slot) []undo.LogNumber {
	lognos := make([]undo.LogNumber, 0, len(slots))
	for logno := range slots {
		lognos = append(lognos, logno)
	}
	sort.Slice(lognos, func(i, j int) bool {
		return lognos[i] < lognos[j]
	})
	return lognos
}
