package record_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leftmike/undodb/record"
	"github.com/leftmike/undodb/undo"
)

func minimalRecord() record.Unpacked {
	return record.Unpacked{
		Type:    record.TypeInsert,
		Relnode: 16384,
		PrevXid: 99,
		Xid:     100,
		Cid:     1,
		Block:   undo.InvalidBlockNumber,
	}
}

func TestExpectedSize(t *testing.T) {
	cases := []struct {
		what string
		u    record.Unpacked
		size int
		info uint8
	}{
		{
			what: "header only",
			u:    minimalRecord(),
			size: 20,
		},
		{
			what: "relation details",
			u: record.Unpacked{
				Type:  record.TypeDelete,
				Tsid:  1663,
				Block: undo.InvalidBlockNumber,
			},
			size: 25,
			info: record.InfoRelationDetails,
		},
		{
			what: "non-main fork",
			u: record.Unpacked{
				Type:  record.TypeDelete,
				Fork:  2,
				Block: undo.InvalidBlockNumber,
			},
			size: 25,
			info: record.InfoRelationDetails,
		},
		{
			what: "block",
			u: record.Unpacked{
				Type:    record.TypeUpdate,
				Block:   7,
				ItemOff: 3,
			},
			size: 34,
			info: record.InfoBlock,
		},
		{
			what: "transaction",
			u: record.Unpacked{
				Type:     record.TypeInsert,
				Block:    undo.InvalidBlockNumber,
				XidEpoch: 1,
				Next:     undo.SpecialRecPtr,
			},
			size: 32,
			info: record.InfoTransaction,
		},
		{
			what: "payload",
			u: record.Unpacked{
				Type:    record.TypeDelete,
				Block:   undo.InvalidBlockNumber,
				Payload: []byte("0123456789"),
				Tuple:   []byte("abc"),
			},
			size: 37,
			info: record.InfoPayload,
		},
		{
			what: "everything",
			u: record.Unpacked{
				Type:     record.TypeUpdate,
				Tsid:     1663,
				Fork:     1,
				Block:    12,
				ItemOff:  4,
				Blkprev:  undo.MakeRecPtr(0, 64),
				XidEpoch: 2,
				Next:     undo.SpecialRecPtr,
				Payload:  bytes.Repeat([]byte{0xAA}, 100),
				Tuple:    bytes.Repeat([]byte{0xBB}, 50),
			},
			size: 20 + 5 + 14 + 12 + 4 + 150,
			info: record.InfoRelationDetails | record.InfoBlock |
				record.InfoTransaction | record.InfoPayload,
		},
	}

	for _, c := range cases {
		size := record.ExpectedSize(&c.u)
		if size != c.size {
			t.Errorf("ExpectedSize(%s) got %d want %d", c.what, size, c.size)
		}
		if c.u.Info != c.info {
			t.Errorf("ExpectedSize(%s) set info %#x want %#x", c.what, c.u.Info, c.info)
		}
	}
}

// writePages serializes the record into a sequence of fresh pages, starting
// at startingByte in the first page.
func writePages(t *testing.T, u *record.Unpacked, geom undo.Geometry,
	startingByte int) [][]byte {

	t.Helper()

	var pages [][]byte
	pg := make([]byte, geom.BlockSize)
	var written int
	for {
		done := record.Insert(u, pg, startingByte, &written)
		pages = append(pages, pg)
		if done {
			return pages
		}
		pg = make([]byte, geom.BlockSize)
		startingByte = geom.PageHeaderSize
	}
}

func readPages(t *testing.T, pages [][]byte, geom undo.Geometry,
	startingByte int) *record.Unpacked {

	t.Helper()

	var u record.Unpacked
	var decoded int
	for i, pg := range pages {
		done, err := record.Unpack(&u, pg, startingByte, &decoded)
		if err != nil {
			t.Fatalf("Unpack(page %d) failed with %s", i, err)
		}
		if done {
			if i != len(pages)-1 {
				t.Fatalf("Unpack done after page %d of %d", i+1, len(pages))
			}
			return &u
		}
		startingByte = geom.PageHeaderSize
	}
	t.Fatal("Unpack never finished")
	return nil
}

func checkRoundTrip(t *testing.T, u record.Unpacked, geom undo.Geometry, startingByte int) {
	t.Helper()

	in := u
	pages := writePages(t, &in, geom, startingByte)
	out := readPages(t, pages, geom, startingByte)

	if out.Type != in.Type || out.Info != in.Info || out.Prevlen != in.Prevlen ||
		out.Relnode != in.Relnode || out.PrevXid != in.PrevXid || out.Xid != in.Xid ||
		out.Cid != in.Cid || out.Tsid != in.Tsid || out.Fork != in.Fork ||
		out.Blkprev != in.Blkprev || out.Block != in.Block || out.ItemOff != in.ItemOff ||
		out.XidEpoch != in.XidEpoch || out.Next != in.Next {
		t.Errorf("round trip got %+v want %+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("round trip payload got %d bytes want %d bytes",
			len(out.Payload), len(in.Payload))
	}
	if !bytes.Equal(out.Tuple, in.Tuple) {
		t.Errorf("round trip tuple got %d bytes want %d bytes",
			len(out.Tuple), len(in.Tuple))
	}
}

func TestRoundTrip(t *testing.T) {
	geom := undo.DefaultGeometry()

	u := minimalRecord()
	checkRoundTrip(t, u, geom, geom.PageHeaderSize)

	u = minimalRecord()
	u.Prevlen = 55
	u.Tsid = 1663
	u.Fork = 1
	checkRoundTrip(t, u, geom, 100)

	u = minimalRecord()
	u.Block = 42
	u.ItemOff = 7
	u.Blkprev = undo.MakeRecPtr(3, 1000)
	u.Payload = bytes.Repeat([]byte{0x5A}, 300)
	u.Tuple = bytes.Repeat([]byte{0xC3}, 200)
	checkRoundTrip(t, u, geom, geom.BlockSize-10)

	u = minimalRecord()
	u.XidEpoch = 9
	u.Next = undo.SpecialRecPtr
	u.Payload = bytes.Repeat([]byte{1, 2, 3}, 3000)
	checkRoundTrip(t, u, geom, geom.BlockSize-1)
}

// A 9000 byte record starting at page offset 100 of an 8192 byte page fills
// the first page and resumes after the 24 byte header of the next.
func TestCrossPageInsert(t *testing.T) {
	geom := undo.DefaultGeometry()

	u := minimalRecord()
	u.Block = 1
	u.Payload = bytes.Repeat([]byte{0xEE}, 8000)
	u.Tuple = bytes.Repeat([]byte{0xDD}, 962)
	if size := record.ExpectedSize(&u); size != 9000 {
		t.Fatalf("ExpectedSize() got %d want 9000", size)
	}

	pg := make([]byte, geom.BlockSize)
	var written int
	done := record.Insert(&u, pg, 100, &written)
	if done {
		t.Fatal("Insert() got done want more")
	}
	if written != 8092 {
		t.Fatalf("Insert() wrote %d want 8092", written)
	}

	pg2 := make([]byte, geom.BlockSize)
	done = record.Insert(&u, pg2, 24, &written)
	if !done {
		t.Fatal("Insert() got more want done")
	}
	if written != 9000 {
		t.Fatalf("Insert() wrote %d want 9000", written)
	}

	// The concatenation of the emitted bytes is the canonical serialization.
	var whole []byte
	whole = append(whole, pg[100:]...)
	whole = append(whole, pg2[24:24+908]...)

	one := make([]byte, 16*1024)
	u2 := minimalRecord()
	u2.Block = 1
	u2.Payload = bytes.Repeat([]byte{0xEE}, 8000)
	u2.Tuple = bytes.Repeat([]byte{0xDD}, 962)
	var written2 int
	if !record.Insert(&u2, one, 0, &written2) {
		t.Fatal("Insert() into one page got more want done")
	}
	if !bytes.Equal(whole, one[:9000]) {
		t.Error("page straddle bytes differ from canonical serialization")
	}

	// Decoding the two pages reproduces the record.
	var out record.Unpacked
	var decoded int
	done, err := record.Unpack(&out, pg, 100, &decoded)
	if err != nil {
		t.Fatalf("Unpack() failed with %s", err)
	}
	if done {
		t.Fatal("Unpack() got done want more")
	}
	if decoded != 8092 {
		t.Fatalf("Unpack() decoded %d want 8092", decoded)
	}
	done, err = record.Unpack(&out, pg2, 24, &decoded)
	if err != nil {
		t.Fatalf("Unpack() failed with %s", err)
	}
	if !done {
		t.Fatal("Unpack() got more want done")
	}
	if decoded != 9000 {
		t.Fatalf("Unpack() decoded %d want 9000", decoded)
	}
	if !bytes.Equal(out.Payload, u2.Payload) || !bytes.Equal(out.Tuple, u2.Tuple) {
		t.Error("cross page decode payload bytes differ")
	}
}

// Every split point of a record across two pages must reproduce it.
func TestStraddleEverySplit(t *testing.T) {
	geom := undo.Geometry{
		BlockSize:      128,
		PageHeaderSize: 8,
		SegmentBlocks:  4,
		MaxLogSize:     1 << 16,
	}

	proto := minimalRecord()
	proto.Block = 3
	proto.ItemOff = 1
	proto.Blkprev = undo.MakeRecPtr(0, 17)
	proto.Payload = []byte("some payload bytes")
	proto.Tuple = []byte("tuple")

	for startingByte := geom.PageHeaderSize; startingByte < geom.BlockSize; startingByte += 1 {
		checkRoundTrip(t, proto, geom, startingByte)
	}
}

func TestUnpackCorrupt(t *testing.T) {
	geom := undo.DefaultGeometry()

	u := minimalRecord()
	pages := writePages(t, &u, geom, 24)

	// An out of range type byte.
	pg := append([]byte(nil), pages[0]...)
	pg[24] = 200
	var out record.Unpacked
	var decoded int
	_, err := record.Unpack(&out, pg, 24, &decoded)
	if !errors.Is(err, undo.ErrCorruptRecord) {
		t.Errorf("Unpack(bad type) got %v want ErrCorruptRecord", err)
	}

	// Undefined info bits.
	pg = append([]byte(nil), pages[0]...)
	pg[25] = 0xF0
	out = record.Unpacked{}
	decoded = 0
	_, err = record.Unpack(&out, pg, 24, &decoded)
	if !errors.Is(err, undo.ErrCorruptRecord) {
		t.Errorf("Unpack(bad info) got %v want ErrCorruptRecord", err)
	}
}
