package undo

import (
	"errors"
)

var (
	// ErrResourceExhausted is returned when a successor log cannot be
	// created: no free control slot, or the filesystem is out of space.
	ErrResourceExhausted = errors.New("undo: resource exhausted")

	// ErrCorruptRecord is returned when decoded bytes cannot be a record:
	// an unknown type, undefined flag bits, or sections running past the
	// record.
	ErrCorruptRecord = errors.New("undo: corrupt record")
)
