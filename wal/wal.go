// Package wal is the seam between the undo log engine and the external
// write-ahead log.  The engine appends opaque records and requires that a
// record is durable before the corresponding on-disk effect; everything else
// about the WAL lives outside this module.
package wal

import (
	"fmt"
	"sync"
)

// An LSN is a position in the external write-ahead log.
type LSN uint64

func (lsn LSN) String() string {
	return fmt.Sprintf("%016X", uint64(lsn))
}

type Appender interface {
	// Append adds a record to the log and returns its LSN.
	Append(data []byte) (LSN, error)

	// Flush makes all records up to and including lsn durable.
	Flush(lsn LSN) error
}

// MemLog is an in-memory Appender used by tests and offline tools.  It keeps
// every appended record so state can be re-derived by replaying them.
type MemLog struct {
	mu      sync.Mutex
	recs    [][]byte
	lsns    []LSN
	next    LSN
	flushed LSN
}

func NewMemLog() *MemLog {
	return &MemLog{next: 1}
}

func (ml *MemLog) Append(data []byte) (LSN, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	lsn := ml.next
	ml.next += LSN(len(data))
	ml.recs = append(ml.recs, append([]byte(nil), data...))
	ml.lsns = append(ml.lsns, lsn)
	return lsn, nil
}

func (ml *MemLog) Flush(lsn LSN) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if lsn > ml.flushed {
		ml.flushed = lsn
	}
	return nil
}

func (ml *MemLog) Len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	return len(ml.recs)
}

// Visit calls fn for every record at or after start, in append order.
func (ml *MemLog) Visit(start LSN, fn func(lsn LSN, data []byte) error) error {
	ml.mu.Lock()
	recs := ml.recs
	lsns := ml.lsns
	ml.mu.Unlock()

	for i, data := range recs {
		if lsns[i] < start {
			continue
		}
		err := fn(lsns[i], data)
		if err != nil {
			return err
		}
	}
	return nil
}
