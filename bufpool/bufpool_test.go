package bufpool_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leftmike/undodb/bufpool"
	"github.com/leftmike/undodb/testutil"
	"github.com/leftmike/undodb/undo"
)

// memStore is a BlockStore over in-memory segment images.
type memStore struct {
	geom   undo.Geometry
	blocks map[string][]byte
	synced []string
	writes []uint32
}

func newMemStore(geom undo.Geometry) *memStore {
	return &memStore{geom: geom, blocks: map[string][]byte{}}
}

func (ms *memStore) key(logno undo.LogNumber, blkno uint32) string {
	return fmt.Sprintf("%d.%d", logno, blkno)
}

func (ms *memStore) ReadBlockAt(logno undo.LogNumber, blkno uint32, buf []byte) error {
	pg := ms.blocks[ms.key(logno, blkno)]
	if pg == nil {
		// Freshly extended segments read as zeroes.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, pg)
	return nil
}

func (ms *memStore) WriteBlockAt(logno undo.LogNumber, blkno uint32, buf []byte) error {
	ms.blocks[ms.key(logno, blkno)] = append([]byte(nil), buf...)
	ms.writes = append(ms.writes, blkno)
	return nil
}

func (ms *memStore) SyncSegments(logno undo.LogNumber, low, high int) error {
	ms.synced = append(ms.synced, fmt.Sprintf("%d:%d-%d", logno, low, high))
	return nil
}

func TestPoolReadWrite(t *testing.T) {
	geom := testutil.SmallGeometry()
	ms := newMemStore(geom)
	pool := bufpool.NewPool(geom, ms)

	b, err := pool.GetBlock(0, 3)
	if err != nil {
		t.Fatalf("GetBlock() failed with %s", err)
	}
	copy(b.Data()[geom.PageHeaderSize:], "hello, undo")
	pool.MarkDirty(b)
	pool.Release(b)

	// Unflushed data is visible through the pool.
	pg, err := pool.ReadBlock(0, 3)
	if err != nil {
		t.Fatalf("ReadBlock() failed with %s", err)
	}
	if string(pg[geom.PageHeaderSize:geom.PageHeaderSize+11]) != "hello, undo" {
		t.Fatal("ReadBlock() did not see written bytes")
	}
	if len(ms.writes) != 0 {
		t.Fatalf("store written before flush: %v", ms.writes)
	}

	err = pool.FlushLog(0, 0x100)
	if err != nil {
		t.Fatalf("FlushLog() failed with %s", err)
	}
	if len(ms.writes) != 1 || ms.writes[0] != 3 {
		t.Fatalf("FlushLog() wrote %v want [3]", ms.writes)
	}
	if len(ms.synced) != 1 {
		t.Fatalf("FlushLog() synced %v want one range", ms.synced)
	}

	// The flushed page carries a checksum that verifies on read-through.
	pool2 := bufpool.NewPool(geom, ms)
	pg, err = pool2.ReadBlock(0, 3)
	if err != nil {
		t.Fatalf("ReadBlock() after flush failed with %s", err)
	}
	if string(pg[geom.PageHeaderSize:geom.PageHeaderSize+11]) != "hello, undo" {
		t.Fatal("flushed bytes did not survive")
	}

	// Corrupting the stored block is detected.
	key := ms.key(0, 3)
	ms.blocks[key][geom.BlockSize-1] ^= 0xFF
	pool3 := bufpool.NewPool(geom, ms)
	_, err = pool3.ReadBlock(0, 3)
	if !errors.Is(err, undo.ErrCorruptRecord) {
		t.Errorf("ReadBlock(corrupt) got %v want ErrCorruptRecord", err)
	}
}

func TestFlushOrder(t *testing.T) {
	geom := testutil.SmallGeometry()
	ms := newMemStore(geom)
	pool := bufpool.NewPool(geom, ms)

	// Dirty blocks out of order; the flush writes them file-sequentially.
	for _, blkno := range []uint32{9, 2, 7, 0, 5} {
		b, err := pool.GetBlock(1, blkno)
		if err != nil {
			t.Fatalf("GetBlock(%d) failed with %s", blkno, err)
		}
		b.Data()[geom.PageHeaderSize] = byte(blkno)
		pool.MarkDirty(b)
		pool.Release(b)
	}

	err := pool.FlushLog(1, 0x200)
	if err != nil {
		t.Fatalf("FlushLog() failed with %s", err)
	}
	want := []uint32{0, 2, 5, 7, 9}
	if len(ms.writes) != len(want) {
		t.Fatalf("FlushLog() wrote %v want %v", ms.writes, want)
	}
	for i, blkno := range want {
		if ms.writes[i] != blkno {
			t.Fatalf("FlushLog() wrote %v want %v", ms.writes, want)
		}
	}

	// A second flush has nothing to do.
	ms.writes = nil
	err = pool.FlushLog(1, 0x300)
	if err != nil {
		t.Fatalf("FlushLog() failed with %s", err)
	}
	if len(ms.writes) != 0 {
		t.Errorf("second FlushLog() wrote %v want nothing", ms.writes)
	}
}

func TestDirtyLogs(t *testing.T) {
	geom := testutil.SmallGeometry()
	ms := newMemStore(geom)
	pool := bufpool.NewPool(geom, ms)

	for _, logno := range []undo.LogNumber{4, 1, 4, 2} {
		b, err := pool.GetBlock(logno, 0)
		if err != nil {
			t.Fatalf("GetBlock() failed with %s", err)
		}
		pool.MarkDirty(b)
		pool.Release(b)
	}

	lognos := pool.DirtyLogs()
	if len(lognos) != 3 || lognos[0] != 1 || lognos[1] != 2 || lognos[2] != 4 {
		t.Errorf("DirtyLogs() got %v want [1 2 4]", lognos)
	}
}

func TestReleaseUnpinnedPanics(t *testing.T) {
	geom := testutil.SmallGeometry()
	pool := bufpool.NewPool(geom, newMemStore(geom))

	b, err := pool.GetBlock(0, 0)
	if err != nil {
		t.Fatalf("GetBlock() failed with %s", err)
	}
	pool.Release(b)

	defer func() {
		if recover() == nil {
			t.Error("Release() of unpinned block did not panic")
		}
	}()
	pool.Release(b)
}
