package undo

import (
	"fmt"
)

const (
	versionMajor = 0
	versionMinor = 2
)

func Version() string {
	return fmt.Sprintf("undodb %d.%d", versionMajor, versionMinor)
}
