package undo

import (
	"fmt"
)

// Persistence is the durability class of an undo log.
type Persistence byte

const (
	Permanent Persistence = 'p'
	Unlogged  Persistence = 'u'
	Temporary Persistence = 't'
)

func (p Persistence) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Unlogged:
		return "unlogged"
	case Temporary:
		return "temporary"
	}
	return fmt.Sprintf("Persistence(%d)", byte(p))
}

// Geometry fixes the block and segment layout of undo logs.  Offsets count
// usable bytes: a logical offset maps to a (block, in-page byte) pair that
// skips the page header at the start of every block.  Tests shrink these
// numbers to exercise boundary behavior; production uses DefaultGeometry.
type Geometry struct {
	BlockSize      int    // bytes per block, including the page header
	PageHeaderSize int    // bytes reserved at the start of every block
	SegmentBlocks  int    // blocks per segment file
	MaxLogSize     Offset // usable bytes per log before it is exhausted
}

func DefaultGeometry() Geometry {
	return Geometry{
		BlockSize:      8192,
		PageHeaderSize: 24,
		SegmentBlocks:  512,
		MaxLogSize:     Offset(1) << OffsetBits,
	}
}

func (g Geometry) Validate() error {
	if g.BlockSize <= 0 || g.PageHeaderSize < 0 || g.PageHeaderSize >= g.BlockSize {
		return fmt.Errorf("undo: bad block geometry: %d/%d", g.BlockSize, g.PageHeaderSize)
	}
	if g.SegmentBlocks <= 0 {
		return fmt.Errorf("undo: bad segment blocks: %d", g.SegmentBlocks)
	}
	if g.MaxLogSize == 0 || g.MaxLogSize > Offset(1)<<OffsetBits {
		return fmt.Errorf("undo: bad max log size: %d", g.MaxLogSize)
	}
	if g.MaxLogSize <= g.SegmentCapacity() {
		return fmt.Errorf("undo: max log size %d not larger than one segment %d",
			g.MaxLogSize, g.SegmentCapacity())
	}
	return nil
}

// UsableBytesPerBlock is the record capacity of one block.
func (g Geometry) UsableBytesPerBlock() int {
	return g.BlockSize - g.PageHeaderSize
}

// SegmentSize is the physical size of one segment file.
func (g Geometry) SegmentSize() int64 {
	return int64(g.BlockSize) * int64(g.SegmentBlocks)
}

// SegmentCapacity is the number of usable bytes one segment holds.
func (g Geometry) SegmentCapacity() Offset {
	return Offset(g.UsableBytesPerBlock()) * Offset(g.SegmentBlocks)
}

// MaxRecordSize is the largest record the log manager will allocate.  Record
// lengths must fit in prevlen, and a record must always leave room to extend
// the log by a whole segment.
func (g Geometry) MaxRecordSize() int {
	max := g.MaxLogSize - g.SegmentCapacity()
	if max > 0xFFFF {
		return 0xFFFF
	}
	return int(max)
}

// BlockOf is the block containing the logical offset.
func (g Geometry) BlockOf(off Offset) uint32 {
	return uint32(off / Offset(g.UsableBytesPerBlock()))
}

// ByteInBlock is the in-page byte of the logical offset, past the page header.
func (g Geometry) ByteInBlock(off Offset) int {
	return g.PageHeaderSize + int(off%Offset(g.UsableBytesPerBlock()))
}

// SegmentOf is the segment containing the logical offset.
func (g Geometry) SegmentOf(off Offset) int {
	return int(off / g.SegmentCapacity())
}

// SegmentAlignUp rounds the offset up to the next segment boundary.
func (g Geometry) SegmentAlignUp(off Offset) Offset {
	segcap := g.SegmentCapacity()
	return (off + segcap - 1) / segcap * segcap
}
