package record

// pack appends the canonical serialization of the record: header, then the
// optional relation details, block, transaction, and payload sections, then
// payload and tuple bytes.
func (u *Unpacked) pack(buf []byte) []byte {
	buf = append(buf, byte(u.Type), u.Info)
	buf = appendUint16(buf, u.Prevlen)
	buf = appendUint32(buf, uint32(u.Relnode))
	buf = appendUint32(buf, uint32(u.PrevXid))
	buf = appendUint32(buf, uint32(u.Xid))
	buf = appendUint32(buf, u.Cid)

	if u.Info&InfoRelationDetails != 0 {
		buf = appendUint32(buf, uint32(u.Tsid))
		buf = append(buf, u.Fork)
	}
	if u.Info&InfoBlock != 0 {
		buf = appendUint64(buf, uint64(u.Blkprev))
		buf = appendUint32(buf, u.Block)
		buf = appendUint16(buf, u.ItemOff)
	}
	if u.Info&InfoTransaction != 0 {
		buf = appendUint32(buf, u.XidEpoch)
		buf = appendUint64(buf, uint64(u.Next))
	}
	if u.Info&InfoPayload != 0 {
		buf = appendUint16(buf, uint16(len(u.Payload)))
		buf = appendUint16(buf, uint16(len(u.Tuple)))
		buf = append(buf, u.Payload...)
		buf = append(buf, u.Tuple...)
	}
	return buf
}

// Insert writes as much of the record as fits in pg starting at startingByte.
// For the first call *alreadyWritten must be zero; it is advanced by the bytes
// emitted.  Insert returns true once the record is completely written.  On
// continuation pass the next block and the page header size as startingByte.
// Sets u.Info as a side effect.
func Insert(u *Unpacked, pg []byte, startingByte int, alreadyWritten *int) bool {
	if *alreadyWritten == 0 {
		u.setInfo()
		u.packed = u.pack(u.packed[:0])
	}

	n := copy(pg[startingByte:], u.packed[*alreadyWritten:])
	*alreadyWritten += n
	if *alreadyWritten < len(u.packed) {
		return false
	}
	u.packed = u.packed[:0]
	return true
}
