package testutil

import (
	"github.com/leftmike/undodb/undo"
)

// SmallGeometry is a log geometry scaled down so tests cross block and
// segment boundaries with little data.  The page header is large enough for
// checksums.
func SmallGeometry() undo.Geometry {
	return undo.Geometry{
		BlockSize:      256,
		PageHeaderSize: 24,
		SegmentBlocks:  4,
		MaxLogSize:     undo.Offset(1) << 20,
	}
}

// FlatGeometry has no page headers, so logical offsets equal physical bytes;
// log manager tests use it for easy arithmetic.
func FlatGeometry(blockSize, segmentBlocks int, maxLog undo.Offset) undo.Geometry {
	return undo.Geometry{
		BlockSize:      blockSize,
		PageHeaderSize: 0,
		SegmentBlocks:  segmentBlocks,
		MaxLogSize:     maxLog,
	}
}
