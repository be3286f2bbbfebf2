package logmgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/undodb/undo"
)

func (m *Manager) tablespaceDir(ts undo.Oid) string {
	if ts == undo.DefaultTablespace {
		return filepath.Join(m.cfg.Dir, "undo")
	}
	dir, ok := m.cfg.Tablespaces[ts]
	if !ok {
		panic(fmt.Sprintf("logmgr: unknown tablespace %d", ts))
	}
	return filepath.Join(dir, "undo")
}

// SegmentPath is the backing file for the segment, a deterministic function
// of the log number, segment number, and tablespace.
func (m *Manager) SegmentPath(logno undo.LogNumber, segno int, ts undo.Oid) string {
	start := undo.Offset(segno) * m.geom.SegmentCapacity()
	return filepath.Join(m.tablespaceDir(ts), fmt.Sprintf("%06X.%010X", uint32(logno), uint64(start)))
}

// extend grows the log with zero-filled segments until End covers target.
// Called with sl.mu held; the lock is released across file I/O and reacquired
// to publish the new End.  The WAL record and the segment files are durable
// before End is published.
func (m *Manager) extend(sl *slot, target undo.Offset) error {
	newEnd := m.geom.SegmentAlignUp(target)
	first := m.geom.SegmentOf(sl.meta.End)
	limit := m.geom.SegmentOf(newEnd - 1)
	logno := sl.logno
	ts := sl.meta.Tablespace
	logged := sl.meta.Persistence != undo.Temporary
	sl.mu.Unlock()

	err := m.extendFiles(logno, ts, first, limit, newEnd, logged)
	sl.mu.Lock()
	if err != nil {
		return err
	}

	if newEnd > sl.meta.End {
		sl.meta.End = newEnd
	}
	return nil
}

func (m *Manager) extendFiles(logno undo.LogNumber, ts undo.Oid, first, limit int,
	newEnd undo.Offset, logged bool) error {

	if logged {
		err := m.walAppend(encodeExtend(logno, newEnd), true)
		if err != nil {
			return err
		}
	}

	for segno := first; segno <= limit; segno += 1 {
		err := m.createSegment(m.SegmentPath(logno, segno, ts))
		if err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				return fmt.Errorf("%w: %s", undo.ErrResourceExhausted, err)
			}
			return err
		}
	}
	return fsyncDir(m.tablespaceDir(ts))
}

var zeros = make([]byte, 64*1024)

// createSegment creates and zero-fills a segment file, fsyncing it before
// returning.  An existing file is a leftover from a crash between creation
// and metadata publication and is left as is.
func (m *Manager) createSegment(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}

	remaining := m.geom.SegmentSize()
	for remaining > 0 {
		n := int64(len(zeros))
		if n > remaining {
			n = remaining
		}
		_, err = f.Write(zeros[:n])
		if err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
		remaining -= n
	}
	err = f.Sync()
	if err != nil {
		f.Close()
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}

	log.WithField("segment", path).Debug("created undo segment")
	return nil
}

func (m *Manager) unlinkSegments(paths []string) {
	for _, path := range paths {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			log.WithField("segment", path).WithError(err).Error("unlink undo segment")
			continue
		}
		log.WithField("segment", path).Debug("unlinked undo segment")
	}
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// segmentFor locates the segment file and in-file offset of a block.
func (m *Manager) segmentFor(sl *slot, blkno uint32) (string, int64) {
	segno := int(blkno) / m.geom.SegmentBlocks
	fileBlk := int(blkno) % m.geom.SegmentBlocks

	sl.mu.Lock()
	ts := sl.meta.Tablespace
	sl.mu.Unlock()

	return m.SegmentPath(sl.logno, segno, ts), int64(fileBlk) * int64(m.geom.BlockSize)
}

// ReadBlockAt reads one whole block of the log into buf.
func (m *Manager) ReadBlockAt(logno undo.LogNumber, blkno uint32, buf []byte) error {
	sl := m.mustSlot(logno)
	path, off := m.segmentFor(sl, blkno)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.ReadAt(buf[:m.geom.BlockSize], off)
	return err
}

// WriteBlockAt writes one whole block of the log; durability comes from
// SyncSegments.
func (m *Manager) WriteBlockAt(logno undo.LogNumber, blkno uint32, buf []byte) error {
	sl := m.mustSlot(logno)
	path, off := m.segmentFor(sl, blkno)

	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(buf[:m.geom.BlockSize], off)
	return err
}

// SyncSegments fsyncs the segments of the log from low through high,
// skipping ones already unlinked by discard.
func (m *Manager) SyncSegments(logno undo.LogNumber, low, high int) error {
	sl := m.slotFor(logno)
	if sl == nil {
		return nil
	}

	sl.mu.Lock()
	ts := sl.meta.Tablespace
	sl.mu.Unlock()

	for segno := low; segno <= high; segno += 1 {
		f, err := os.OpenFile(m.SegmentPath(logno, segno, ts), os.O_WRONLY, 0644)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		err = f.Sync()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// DirtySegmentRange is the range of segments that may hold unsynced data,
// bounded below by the highest segment synced at the last checkpoint.  A
// (0, -1) result means none.
func (m *Manager) DirtySegmentRange(logno undo.LogNumber) (int, int) {
	m.mu.Lock()
	sl := m.slots[logno]
	if sl == nil {
		m.mu.Unlock()
		return 0, -1
	}
	low := sl.highestSynced + 1
	m.mu.Unlock()

	sl.mu.Lock()
	end := sl.meta.End
	sl.mu.Unlock()

	if end == 0 {
		return 0, -1
	}
	high := m.geom.SegmentOf(end - 1)
	if low > high {
		return 0, -1
	}
	return low, high
}

// SetHighestSyncedSegment records that segments through segno are durable so
// incremental checkpoints do not re-flush them.
func (m *Manager) SetHighestSyncedSegment(logno undo.LogNumber, segno int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sl := m.slots[logno]
	if sl != nil && segno > sl.highestSynced {
		sl.highestSynced = segno
	}
}
