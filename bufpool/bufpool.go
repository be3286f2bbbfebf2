// Package bufpool caches blocks of undo segment files.  The log manager owns
// the files; the pool owns the in-memory copies, pin counts, dirty tracking,
// and write-back.  Dirty blocks are indexed in a btree ordered by (log,
// block) so flushes write file-sequentially.
package bufpool

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/leftmike/undodb/undo"
)

// A BlockStore reads and writes whole blocks of undo logs; the log manager
// implements it.
type BlockStore interface {
	ReadBlockAt(logno undo.LogNumber, blkno uint32, buf []byte) error
	WriteBlockAt(logno undo.LogNumber, blkno uint32, buf []byte) error
	SyncSegments(logno undo.LogNumber, low, high int) error
}

type blockKey struct {
	logno undo.LogNumber
	blkno uint32
}

func (bk blockKey) Less(item btree.Item) bool {
	obk := item.(blockKey)
	if bk.logno != obk.logno {
		return bk.logno < obk.logno
	}
	return bk.blkno < obk.blkno
}

type Block struct {
	key   blockKey
	buf   []byte
	dirty bool
	pins  int
}

// Data is the whole block, page header included.
func (b *Block) Data() []byte {
	return b.buf
}

type Pool struct {
	geom  undo.Geometry
	store BlockStore

	mu     sync.Mutex
	blocks map[blockKey]*Block
	dirty  *btree.BTree
}

func NewPool(geom undo.Geometry, store BlockStore) *Pool {
	return &Pool{
		geom:   geom,
		store:  store,
		blocks: map[blockKey]*Block{},
		dirty:  btree.New(8),
	}
}

// GetBlock pins the block, reading it through from its segment file on a
// miss.  The caller must Release it.
func (p *Pool) GetBlock(logno undo.LogNumber, blkno uint32) (*Block, error) {
	key := blockKey{logno: logno, blkno: blkno}

	p.mu.Lock()
	b := p.blocks[key]
	if b != nil {
		b.pins += 1
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	buf := make([]byte, p.geom.BlockSize)
	err := p.store.ReadBlockAt(logno, blkno, buf)
	if err != nil {
		return nil, err
	}
	err = p.verifyChecksum(logno, blkno, buf)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b = p.blocks[key]; b != nil {
		// Lost the race; keep the copy that was cached first.
		b.pins += 1
		return b, nil
	}
	b = &Block{key: key, buf: buf, pins: 1}
	p.blocks[key] = b
	return b, nil
}

func (p *Pool) Release(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.pins <= 0 {
		panic(fmt.Sprintf("bufpool: release of unpinned block %d of undo log %d",
			b.key.blkno, b.key.logno))
	}
	b.pins -= 1
	if b.pins == 0 && !b.dirty {
		delete(p.blocks, b.key)
	}
}

func (p *Pool) MarkDirty(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b.dirty = true
	p.dirty.ReplaceOrInsert(b.key)
}

// ReadBlock returns a copy of the block; it is the record package's
// BlockReader.
func (p *Pool) ReadBlock(logno undo.LogNumber, blkno uint32) ([]byte, error) {
	b, err := p.GetBlock(logno, blkno)
	if err != nil {
		return nil, err
	}
	buf := append([]byte(nil), b.buf...)
	p.Release(b)
	return buf, nil
}

// FlushLog writes back the log's dirty blocks in block order, stamping page
// checksums and the flush LSN, then fsyncs the covered segments.
func (p *Pool) FlushLog(logno undo.LogNumber, lsn uint64) error {
	p.mu.Lock()
	var keys []blockKey
	p.dirty.AscendGreaterOrEqual(blockKey{logno: logno},
		func(item btree.Item) bool {
			key := item.(blockKey)
			if key.logno != logno {
				return false
			}
			keys = append(keys, key)
			return true
		})
	p.mu.Unlock()

	low, high := -1, -1
	for _, key := range keys {
		p.mu.Lock()
		b := p.blocks[key]
		if b == nil || !b.dirty {
			p.mu.Unlock()
			continue
		}
		buf := append([]byte(nil), b.buf...)
		p.mu.Unlock()

		p.setPageLSN(buf, lsn)
		p.setChecksum(buf)
		err := p.store.WriteBlockAt(key.logno, key.blkno, buf)
		if err != nil {
			return err
		}

		p.mu.Lock()
		if b = p.blocks[key]; b != nil {
			b.dirty = false
			if b.pins == 0 {
				delete(p.blocks, key)
			}
		}
		p.dirty.Delete(key)
		p.mu.Unlock()

		segno := int(key.blkno) / p.geom.SegmentBlocks
		if low == -1 {
			low = segno
		}
		high = segno
	}

	if low == -1 {
		return nil
	}
	return p.store.SyncSegments(logno, low, high)
}

// DirtyLogs is the sorted set of logs with dirty blocks.
func (p *Pool) DirtyLogs() []undo.LogNumber {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lognos []undo.LogNumber
	p.dirty.Ascend(func(item btree.Item) bool {
		logno := item.(blockKey).logno
		if len(lognos) == 0 || lognos[len(lognos)-1] != logno {
			lognos = append(lognos, logno)
		}
		return true
	})
	return lognos
}

// Invalidate drops unpinned cached blocks of the log below blkno; discard
// uses it when whole segments are unlinked.
func (p *Pool) Invalidate(logno undo.LogNumber, blkno uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, b := range p.blocks {
		if key.logno != logno || key.blkno >= blkno {
			continue
		}
		if b.pins == 0 {
			delete(p.blocks, key)
			p.dirty.Delete(key)
			b.dirty = false
		}
	}
}
