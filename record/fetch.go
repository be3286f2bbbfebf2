package record

import (
	"fmt"

	"github.com/leftmike/undodb/undo"
)

// A BlockReader hands out whole blocks of an undo log; the buffer cache
// implements it.
type BlockReader interface {
	ReadBlock(logno undo.LogNumber, blkno uint32) ([]byte, error)
}

// A DiscardChecker reports whether a pointer is below its log's discard
// horizon; the log manager implements it.
type DiscardChecker interface {
	IsDiscarded(ptr undo.RecPtr) bool
}

// A SatisfyFunc decides whether a record ends a chain walk.
type SatisfyFunc func(u *Unpacked, blkno uint32, itemOff uint16, xid undo.Xid) bool

// ReadAt decodes the record starting at ptr, following it across blocks.
func ReadAt(geom undo.Geometry, blocks BlockReader, ptr undo.RecPtr) (*Unpacked, error) {
	logno := ptr.LogNo()
	blkno := geom.BlockOf(ptr.Offset())
	startingByte := geom.ByteInBlock(ptr.Offset())

	var u Unpacked
	var decoded int
	for {
		pg, err := blocks.ReadBlock(logno, blkno)
		if err != nil {
			return nil, err
		}
		done, err := Unpack(&u, pg, startingByte, &decoded)
		if err != nil {
			return nil, err
		}
		if done {
			return &u, nil
		}
		blkno += 1
		startingByte = geom.PageHeaderSize
	}
}

// Fetch walks an undo chain backward from start, invoking satisfied at each
// record, and returns the first satisfying record and its pointer.  Records
// with a block section chain via blkprev; others chain via prevlen within the
// log.  Fetch returns an invalid pointer, not an error, when the chain ends or
// crosses the discard horizon.
//
// If satisfied is nil, a record matches when its block, item offset, and
// transaction id equal blkno, itemOff, and xid.
func Fetch(geom undo.Geometry, blocks BlockReader, log DiscardChecker, start undo.RecPtr,
	blkno uint32, itemOff uint16, xid undo.Xid, satisfied SatisfyFunc) (
	*Unpacked, undo.RecPtr, error) {

	cur := start
	for cur.IsValid() {
		if log.IsDiscarded(cur) {
			break
		}

		u, err := ReadAt(geom, blocks, cur)
		if err != nil {
			return nil, undo.InvalidRecPtr, err
		}

		var ok bool
		if satisfied != nil {
			ok = satisfied(u, blkno, itemOff, xid)
		} else {
			ok = u.Block == blkno && u.ItemOff == itemOff && u.Xid == xid
		}
		if ok {
			return u, cur, nil
		}

		cur, err = prevPtr(cur, u)
		if err != nil {
			return nil, undo.InvalidRecPtr, err
		}
	}
	return nil, undo.InvalidRecPtr, nil
}

// prevPtr is the pointer to the record before u in its chain, or invalid at
// the chain end.
func prevPtr(cur undo.RecPtr, u *Unpacked) (undo.RecPtr, error) {
	if u.Info&InfoBlock != 0 {
		return u.Blkprev, nil
	}
	if u.Prevlen == 0 {
		return undo.InvalidRecPtr, nil
	}
	off := cur.Offset()
	if undo.Offset(u.Prevlen) > off {
		return undo.InvalidRecPtr, fmt.Errorf("%w: prevlen %d at offset %d",
			undo.ErrCorruptRecord, u.Prevlen, off)
	}
	return undo.MakeRecPtr(cur.LogNo(), off-undo.Offset(u.Prevlen)), nil
}
