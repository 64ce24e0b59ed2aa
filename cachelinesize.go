package hmap

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is the granularity a Pool rounds its arena reservation to.
// It's automatically calculated using the `golang.org/x/sys` package.
const CacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
