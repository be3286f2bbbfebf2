package logmgr

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/undodb/undo"
	"github.com/leftmike/undodb/wal"
)

const (
	checkpointVersion = 1

	checkpointHeaderSize = 20
	checkpointEntrySize  = 53
	checkpointNameLen    = 16
)

var (
	checkpointSignature = [8]byte{'u', 'n', 'd', 'o', 'c', 'k', 'p', 0}
)

func (m *Manager) checkpointDir() string {
	return filepath.Join(m.cfg.Dir, "checkpoint")
}

func (m *Manager) checkpointPath(redo wal.LSN) string {
	return filepath.Join(m.checkpointDir(), redo.String())
}

// CheckPointInProgress sets or clears the checkpoint flag.  While set,
// discard defers segment unlinks so a crash mid-checkpoint never loses a
// segment the snapshot still references; clearing it drains the deferred
// unlinks.
func (m *Manager) CheckPointInProgress(flag bool) {
	m.mu.Lock()
	m.ckptInProgress = flag
	var paths []string
	if !flag {
		paths = m.deferred
		m.deferred = nil
	}
	m.mu.Unlock()

	m.unlinkSegments(paths)
}

type checkpointEntry struct {
	logno undo.LogNumber
	meta  Meta
}

// CheckPoint writes a durable snapshot of the metadata of every log except
// temporary ones to a checkpoint file named for the redo LSN, then removes the previous
// checkpoint file.
func (m *Manager) CheckPoint(redo, prior wal.LSN) error {
	m.ckptMu.Lock()
	defer m.ckptMu.Unlock()

	m.CheckPointInProgress(true)
	defer m.CheckPointInProgress(false)

	m.mu.Lock()
	nextLogNo := m.nextLogNo
	lognos := make([]undo.LogNumber, 0, len(m.slots))
	for logno := range m.slots {
		lognos = append(lognos, logno)
	}
	m.mu.Unlock()
	sort.Slice(lognos, func(i, j int) bool {
		return lognos[i] < lognos[j]
	})

	var entries []checkpointEntry
	for _, logno := range lognos {
		sl := m.slotFor(logno)
		if sl == nil {
			continue
		}
		sl.mu.Lock()
		meta := sl.meta
		sl.mu.Unlock()
		if meta.Persistence == undo.Temporary {
			continue
		}
		entries = append(entries, checkpointEntry{logno: logno, meta: meta})
	}

	err := m.writeCheckpoint(redo, nextLogNo, entries)
	if err != nil {
		return err
	}

	if prior != 0 && prior != redo {
		err = os.Remove(m.checkpointPath(prior))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	log.WithFields(log.Fields{
		"redo": redo.String(),
		"logs": len(entries),
	}).Info("undo checkpoint written")
	return nil
}

func (m *Manager) writeCheckpoint(redo wal.LSN, nextLogNo undo.LogNumber,
	entries []checkpointEntry) error {

	buf := make([]byte, 0, checkpointHeaderSize+len(entries)*checkpointEntrySize+8)
	buf = append(buf, checkpointSignature[:]...)
	buf = append(buf, checkpointVersion, 0, 0, 0)
	buf = appendUint32(buf, uint32(nextLogNo))
	buf = appendUint32(buf, uint32(len(entries)))

	for _, ent := range entries {
		buf = appendEntry(buf, ent)
	}
	buf = appendUint64(buf, xxhash.Sum64(buf))

	path := m.checkpointPath(redo)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = f.Write(buf)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return fsyncDir(m.checkpointDir())
}

func appendEntry(buf []byte, ent checkpointEntry) []byte {
	buf = appendUint32(buf, uint32(ent.logno))
	buf = appendUint32(buf, uint32(ent.meta.Tablespace))
	buf = append(buf, byte(ent.meta.Persistence))
	buf = append(buf, boolByte(ent.meta.Full), boolByte(ent.meta.IsFirstRec))
	buf = appendUint64(buf, uint64(ent.meta.Insert))
	buf = appendUint64(buf, uint64(ent.meta.End))
	buf = appendUint64(buf, uint64(ent.meta.Discard))
	buf = appendUint64(buf, uint64(ent.meta.LastXactStart))
	buf = appendUint32(buf, uint32(ent.meta.Xid))
	buf = appendUint32(buf, ent.meta.XidEpoch)
	return appendUint16(buf, ent.meta.Prevlen)
}

func parseEntry(buf []byte) checkpointEntry {
	return checkpointEntry{
		logno: undo.LogNumber(getUint32(buf)),
		meta: Meta{
			Tablespace:    undo.Oid(getUint32(buf[4:])),
			Persistence:   undo.Persistence(buf[8]),
			Full:          buf[9] != 0,
			IsFirstRec:    buf[10] != 0,
			Insert:        undo.Offset(getUint64(buf[11:])),
			End:           undo.Offset(getUint64(buf[19:])),
			Discard:       undo.Offset(getUint64(buf[27:])),
			LastXactStart: undo.Offset(getUint64(buf[35:])),
			Xid:           undo.Xid(getUint32(buf[43:])),
			XidEpoch:      getUint32(buf[47:]),
			Prevlen:       getUint16(buf[51:]),
		},
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// loadCheckpoint reads and validates a checkpoint file.
func loadCheckpoint(path string) (undo.LogNumber, []checkpointEntry, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	if len(buf) < checkpointHeaderSize+8 {
		return 0, nil, fmt.Errorf("logmgr: checkpoint file %s too short: %d", path, len(buf))
	}

	body, sum := buf[:len(buf)-8], getUint64(buf[len(buf)-8:])
	if xxhash.Sum64(body) != sum {
		return 0, nil, fmt.Errorf("logmgr: checkpoint file %s checksum mismatch", path)
	}
	if string(body[0:8]) != string(checkpointSignature[:]) {
		return 0, nil, fmt.Errorf("logmgr: bad checkpoint signature in %s", path)
	}
	if body[8] != checkpointVersion {
		return 0, nil, fmt.Errorf("logmgr: bad checkpoint version %d in %s", body[8], path)
	}

	nextLogNo := undo.LogNumber(getUint32(body[12:]))
	count := int(getUint32(body[16:]))
	if len(body) != checkpointHeaderSize+count*checkpointEntrySize {
		return 0, nil, fmt.Errorf("logmgr: checkpoint file %s bad length for %d logs",
			path, count)
	}

	entries := make([]checkpointEntry, 0, count)
	for i := 0; i < count; i += 1 {
		entries = append(entries,
			parseEntry(body[checkpointHeaderSize+i*checkpointEntrySize:]))
	}
	return nextLogNo, entries, nil
}

// Startup loads the checkpoint written at redo into fresh control state.  WAL
// records at LSNs at or after redo must then be replayed through Redo.
func (m *Manager) Startup(redo wal.LSN) error {
	m.mu.Lock()
	if len(m.slots) != 0 {
		m.mu.Unlock()
		panic("logmgr: startup with undo logs already loaded")
	}
	m.mu.Unlock()

	nextLogNo, entries, err := loadCheckpoint(m.checkpointPath(redo))
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLogNo = nextLogNo
	for _, ent := range entries {
		m.slots[ent.logno] = &slot{
			logno:         ent.logno,
			highestSynced: -1,
			meta:          ent.meta,
		}
		if ent.meta.Xid != 0 {
			m.byXid[ent.meta.Xid] = ent.logno
		}
	}

	log.WithFields(log.Fields{
		"redo": redo.String(),
		"logs": len(entries),
	}).Info("undo logs loaded from checkpoint")
	return nil
}

// LatestCheckpoint is the newest valid checkpoint in the manager's directory.
// Checkpoint names are fixed-length hex, so lexicographic order is LSN order;
// files that do not match the format are ignored.
func (m *Manager) LatestCheckpoint() (wal.LSN, bool, error) {
	fis, err := ioutil.ReadDir(m.checkpointDir())
	if err != nil {
		return 0, false, err
	}

	var best string
	for _, fi := range fis {
		name := fi.Name()
		if !validCheckpointName(name) {
			continue
		}
		if name > best {
			best = name
		}
	}
	if best == "" {
		return 0, false, nil
	}

	var lsn uint64
	_, err = fmt.Sscanf(best, "%016X", &lsn)
	if err != nil {
		return 0, false, err
	}
	return wal.LSN(lsn), true, nil
}

func validCheckpointName(name string) bool {
	if len(name) != checkpointNameLen {
		return false
	}
	for i := 0; i < len(name); i += 1 {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
