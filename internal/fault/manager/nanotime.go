//go:build linux && (amd64 || arm64)

package manager

import (
	_ "unsafe" // for go:linkname
)

// nanotime reads the runtime's monotonic clock. time.Now is not an
// option on the dispatch path: it returns a struct and consults the
// wall clock; the runtime's own nanotime is a VDSO read that is safe in
// signal context.
//
//go:linkname nanotime runtime.nanotime
func nanotime() int64
