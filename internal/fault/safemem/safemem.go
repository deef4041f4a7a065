//go:build linux && (amd64 || arm64)

// Package safemem reads memory in the current process without risking a
// fault.
//
// The fault dispatch path has to examine pointers it cannot trust: a
// register that may or may not hold a method reference, a stack slot
// that may point anywhere. Dereferencing those directly from a signal
// handler would turn a recoverable fault into a recursive one. Instead,
// every untrusted load goes through process_vm_readv(2) targeting our
// own pid, which reports EFAULT for unreadable memory instead of
// raising a signal.
//
// ReadWord is the signal-context entry point: it issues the syscall
// through RawSyscall6, bypassing the scheduler's syscall accounting,
// and performs no allocation. ReadAt is the convenience form for
// diagnostics paths that run on a regular goroutine.
package safemem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const wordBytes = unsafe.Sizeof(uintptr(0))

var (
	// self is latched once; the handler must not pay a getpid per probe.
	// A process that forks without exec is on its own, as everywhere
	// else in the Go runtime.
	self = unix.Getpid()

	pageSize = uintptr(unix.Getpagesize())
)

// ReadWord performs a guarded pointer-sized load at addr.
//
// It reports ok=false instead of faulting when addr is unreadable,
// including when a misaligned addr runs off the end of a mapped page.
// Safe in signal context: no locks, no allocation, raw syscall entry.
// The iovec structs live on the stack and hold the destination as a
// typed pointer, so a stack move cannot leave the kernel writing to a
// stale frame.
func ReadWord(addr uintptr) (uintptr, bool) {
	var word uintptr
	local := unix.Iovec{Base: (*byte)(unsafe.Pointer(&word)), Len: uint64(wordBytes)}
	remote := unix.RemoteIovec{Base: addr, Len: int(wordBytes)}
	n, _, errno := unix.RawSyscall6(unix.SYS_PROCESS_VM_READV,
		uintptr(self),
		uintptr(unsafe.Pointer(&local)), 1,
		uintptr(unsafe.Pointer(&remote)), 1,
		0)
	if errno != 0 || n != uintptr(wordBytes) {
		return 0, false
	}
	return word, true
}

// maxIovs bounds the remote iovec array of a single syscall. With 4KiB
// pages one call covers 64KiB, which is more than any caller here reads.
const maxIovs = 16

// ReadAt copies up to len(buf) bytes from addr into buf and returns the
// number of bytes actually readable.
//
// The man page only promises partial-transfer reporting at iovec
// granularity, so the remote range is split into one iovec per page:
// a fault in a later page then still yields every byte before it. A
// short count with a nil error means the tail was unreadable; an error
// is returned only when nothing could be read.
func ReadAt(buf []byte, addr uintptr) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	total := 0
	for total < len(buf) {
		rest := buf[total:]
		base := addr + uintptr(total)

		var remote [maxIovs]unix.RemoteIovec
		niov, attempted := 0, 0
		for attempted < len(rest) && niov < maxIovs {
			chunk := int(pageSize - (base+uintptr(attempted))%pageSize)
			if chunk > len(rest)-attempted {
				chunk = len(rest) - attempted
			}
			remote[niov] = unix.RemoteIovec{Base: base + uintptr(attempted), Len: chunk}
			attempted += chunk
			niov++
		}

		local := []unix.Iovec{{Base: &rest[0], Len: uint64(attempted)}}
		n, err := unix.ProcessVMReadv(self, local, remote[:niov], 0)
		total += n
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if n < attempted {
			break
		}
	}
	return total, nil
}

// Readable reports whether the single byte at addr can be read.
func Readable(addr uintptr) bool {
	var b [1]byte
	n, err := ReadAt(b[:], addr)
	return err == nil && n == 1
}

// ReadCode copies up to len(buf) bytes of code at addr, len(buf) at
// most 16. Like ReadWord it uses the raw syscall entry, so instruction
// fetch for fault classification can run in signal context. The range
// crosses at most one page boundary at that size, handled with a second
// iovec. Returns the bytes readable at addr, which may be a short
// prefix.
func ReadCode(buf []byte, addr uintptr) (int, bool) {
	if len(buf) == 0 || len(buf) > 16 {
		return 0, false
	}
	var remote [2]unix.RemoteIovec
	niov := 1
	first := int(pageSize - addr%pageSize)
	if first >= len(buf) {
		remote[0] = unix.RemoteIovec{Base: addr, Len: len(buf)}
	} else {
		remote[0] = unix.RemoteIovec{Base: addr, Len: first}
		remote[1] = unix.RemoteIovec{Base: addr + uintptr(first), Len: len(buf) - first}
		niov = 2
	}
	local := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	n, _, errno := unix.RawSyscall6(unix.SYS_PROCESS_VM_READV,
		uintptr(self),
		uintptr(unsafe.Pointer(&local)), 1,
		uintptr(unsafe.Pointer(&remote[0])), uintptr(niov),
		0)
	if errno != 0 || n == 0 {
		return 0, false
	}
	return int(n), true
}
