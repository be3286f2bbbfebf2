package record

import (
	"fmt"

	"github.com/leftmike/undodb/undo"
)

// needBytes is the number of bytes of the record known to be required so far,
// and whether that number is final.  It grows in stages: the fixed header,
// then the flag-gated sections, then the payload and tuple bytes once their
// lengths are visible.
func (u *Unpacked) needBytes() (int, bool, error) {
	if len(u.scratch) < headerSize {
		return headerSize, false, nil
	}

	typ := Type(u.scratch[0])
	info := u.scratch[1]
	if typ > maxType {
		return 0, false, fmt.Errorf("%w: bad type %d", undo.ErrCorruptRecord, typ)
	}
	if info&^infoMask != 0 {
		return 0, false, fmt.Errorf("%w: bad info bits %#x", undo.ErrCorruptRecord, info)
	}

	base := headerSize + sectionsSize(info)
	if info&InfoPayload == 0 || len(u.scratch) < base {
		return base, info&InfoPayload == 0, nil
	}

	// The payload section is last, so its length fields sit just below base.
	payloadLen := int(getUint16(u.scratch[base-payloadSectionSize:]))
	tupleLen := int(getUint16(u.scratch[base-payloadSectionSize+2:]))
	return base + payloadLen + tupleLen, true, nil
}

// Unpack decodes the record from pg starting at startingByte.  For the first
// call *alreadyDecoded must be zero; it is advanced by the bytes consumed.
// Unpack returns true once the record is completely decoded into u.  On
// continuation pass the next block and the page header size as startingByte.
func Unpack(u *Unpacked, pg []byte, startingByte int, alreadyDecoded *int) (bool, error) {
	if *alreadyDecoded == 0 {
		u.scratch = u.scratch[:0]
	}

	avail := pg[startingByte:]
	for {
		need, final, err := u.needBytes()
		if err != nil {
			return false, err
		}

		missing := need - len(u.scratch)
		if missing > 0 {
			take := missing
			if take > len(avail) {
				take = len(avail)
			}
			u.scratch = append(u.scratch, avail[:take]...)
			avail = avail[take:]
			*alreadyDecoded += take
			if take < missing {
				return false, nil
			}
			continue
		}
		if final {
			return true, u.unpackScratch()
		}
	}
}

// unpackScratch decodes the staged bytes; absent sections get their default
// values so every field of u is initialized.
func (u *Unpacked) unpackScratch() error {
	buf := u.scratch

	u.Type = Type(buf[0])
	u.Info = buf[1]
	u.Prevlen = getUint16(buf[2:])
	u.Relnode = undo.Oid(getUint32(buf[4:]))
	u.PrevXid = undo.Xid(getUint32(buf[8:]))
	u.Xid = undo.Xid(getUint32(buf[12:]))
	u.Cid = getUint32(buf[16:])
	buf = buf[headerSize:]

	if u.Info&InfoRelationDetails != 0 {
		u.Tsid = undo.Oid(getUint32(buf))
		u.Fork = buf[4]
		buf = buf[relationDetailsSize:]
	} else {
		u.Tsid = undo.DefaultTablespace
		u.Fork = ForkMain
	}

	if u.Info&InfoBlock != 0 {
		u.Blkprev = undo.RecPtr(getUint64(buf))
		u.Block = getUint32(buf[8:])
		u.ItemOff = getUint16(buf[12:])
		buf = buf[blockSectionSize:]
	} else {
		u.Blkprev = undo.InvalidRecPtr
		u.Block = undo.InvalidBlockNumber
		u.ItemOff = 0
	}

	if u.Info&InfoTransaction != 0 {
		u.XidEpoch = getUint32(buf)
		u.Next = undo.RecPtr(getUint64(buf[4:]))
		buf = buf[transactionSize:]
	} else {
		u.XidEpoch = 0
		u.Next = undo.InvalidRecPtr
	}

	if u.Info&InfoPayload != 0 {
		payloadLen := int(getUint16(buf))
		tupleLen := int(getUint16(buf[2:]))
		buf = buf[payloadSectionSize:]
		if len(buf) != payloadLen+tupleLen {
			return fmt.Errorf("%w: payload %d+%d bytes, have %d",
				undo.ErrCorruptRecord, payloadLen, tupleLen, len(buf))
		}
		u.Payload = append([]byte(nil), buf[:payloadLen]...)
		u.Tuple = append([]byte(nil), buf[payloadLen:]...)
	} else {
		u.Payload = nil
		u.Tuple = nil
	}

	u.scratch = u.scratch[:0]
	return nil
}
