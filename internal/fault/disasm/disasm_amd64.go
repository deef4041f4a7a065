package disasm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/kolkov/faulthandler/internal/fault/safemem"
)

// maxInstrBytes is the architectural instruction length limit.
const maxInstrBytes = 15

// InstrLen returns the byte length of the instruction at pc. Variable
// length on this platform, so the bytes are fetched and decoded.
func InstrLen(pc uintptr) (int, bool) {
	var buf [maxInstrBytes]byte
	n, ok := safemem.ReadCode(buf[:], pc)
	if !ok {
		return 0, false
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return 0, false
	}
	return inst.Len, true
}

// Text renders the instruction at pc in Go assembler syntax, or a
// bracketed placeholder when the bytes cannot be read or decoded.
func Text(pc uintptr) string {
	var buf [maxInstrBytes]byte
	n, ok := safemem.ReadCode(buf[:], pc)
	if !ok {
		return "<unreadable>"
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return "<undecodable>"
	}
	return x86asm.GoSyntax(inst, uint64(pc), nil)
}
