//go:build linux && (amd64 || arm64)

package manager

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kolkov/faulthandler/internal/fault/sigctx"
)

// traceEnabled gates the signal-context trace writer, the equivalent of
// verbose signal logging. Off by default; flipped by Options or the
// FAULTHANDLER_TRACE environment override in the facade.
var traceEnabled atomic.Bool

// SetTracing flips the trace gate at runtime.
func SetTracing(on bool) { traceEnabled.Store(on) }

// traceMsg writes a literal message to stderr when tracing is on.
// Signal context: one raw write, no formatting, no allocation.
//
//go:nosplit
func traceMsg(s string) {
	if !traceEnabled.Load() {
		return
	}
	rawWriteString(s)
}

// traceSignalInfo dumps the siginfo essentials: signal number, si_code
// with its symbolic name, and the fault address.
func traceSignalInfo(sig unix.Signal, info *sigctx.Info) {
	if !traceEnabled.Load() {
		return
	}
	var buf traceBuf
	buf.str("handling fault: si_signo=")
	buf.dec(int64(info.Signo))
	buf.str(" si_code=")
	buf.dec(int64(info.Code))
	buf.str(" (")
	buf.str(sigctx.CodeName(sig, info.Code))
	buf.str(") si_addr=")
	buf.hex(uint64(info.Addr()))
	buf.str("\n")
	buf.flush()
}

// traceBuf accumulates one trace line on the stack. Fixed size; excess
// is truncated rather than ever allocating.
type traceBuf struct {
	b [192]byte
	n int
}

func (t *traceBuf) str(s string) {
	for i := 0; i < len(s) && t.n < len(t.b); i++ {
		t.b[t.n] = s[i]
		t.n++
	}
}

func (t *traceBuf) bytes(b []byte) {
	for i := 0; i < len(b) && t.n < len(t.b); i++ {
		t.b[t.n] = b[i]
		t.n++
	}
}

func (t *traceBuf) hex(v uint64) {
	const digits = "0123456789abcdef"
	var tmp [18]byte
	i := len(tmp)
	if v == 0 {
		i--
		tmp[i] = '0'
	}
	for v > 0 {
		i--
		tmp[i] = digits[v&0xF]
		v >>= 4
	}
	i -= 2
	tmp[i], tmp[i+1] = '0', 'x'
	t.bytes(tmp[i:])
}

func (t *traceBuf) dec(v int64) {
	var tmp [20]byte
	neg := v < 0
	if neg {
		v = -v
	}
	i := len(tmp)
	if v == 0 {
		i--
		tmp[i] = '0'
	}
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		tmp[i] = '-'
	}
	t.bytes(tmp[i:])
}

func (t *traceBuf) flush() {
	if t.n == 0 {
		return
	}
	rawWrite(t.b[:t.n])
	t.n = 0
}

// rawWrite bypasses os.Stderr: a raw write(2) to fd 2 cannot lock,
// allocate or grow the stack.
//
//go:nosplit
func rawWrite(b []byte) {
	unix.RawSyscall(unix.SYS_WRITE, 2, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)))
}

//go:nosplit
func rawWriteString(s string) {
	if len(s) == 0 {
		return
	}
	unix.RawSyscall(unix.SYS_WRITE, 2, uintptr(unsafe.Pointer(unsafe.StringData(s))), uintptr(len(s)))
}
