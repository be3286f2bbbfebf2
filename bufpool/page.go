package bufpool

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/leftmike/undodb/undo"
)

// Page header layout, at the start of every block:
//
//	checksum  uint64  xxhash64 of the rest of the block, 0 when unset
//	lsn       uint64  WAL position of the last change
//	flags     uint16
//	lower     uint16
//	upper     uint16
//	reserved  uint16
//
// Blocks with a page header smaller than pageHeaderMin carry no checksum;
// test geometries use that.
const (
	pageHeaderMin = 16

	checksumOff = 0
	lsnOff      = 8
)

func putUint64(buf []byte, u uint64) {
	buf[0] = byte(u)
	buf[1] = byte(u >> 8)
	buf[2] = byte(u >> 16)
	buf[3] = byte(u >> 24)
	buf[4] = byte(u >> 32)
	buf[5] = byte(u >> 40)
	buf[6] = byte(u >> 48)
	buf[7] = byte(u >> 56)
}

func getUint64(buf []byte) uint64 {
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
}

func (p *Pool) setChecksum(pg []byte) {
	if p.geom.PageHeaderSize < pageHeaderMin {
		return
	}
	putUint64(pg[checksumOff:], xxhash.Sum64(pg[checksumOff+8:]))
}

func (p *Pool) verifyChecksum(logno undo.LogNumber, blkno uint32, pg []byte) error {
	if p.geom.PageHeaderSize < pageHeaderMin {
		return nil
	}
	sum := getUint64(pg[checksumOff:])
	if sum == 0 {
		// Never flushed through the pool; a zero-filled block is valid.
		return nil
	}
	if sum != xxhash.Sum64(pg[checksumOff+8:]) {
		return fmt.Errorf("%w: block %d of undo log %d checksum mismatch",
			undo.ErrCorruptRecord, blkno, logno)
	}
	return nil
}

func (p *Pool) setPageLSN(pg []byte, lsn uint64) {
	if p.geom.PageHeaderSize < pageHeaderMin {
		return
	}
	putUint64(pg[lsnOff:], lsn)
}
