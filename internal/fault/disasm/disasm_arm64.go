package disasm

import (
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/kolkov/faulthandler/internal/fault/safemem"
)

// maxInstrBytes: fixed-width instruction set.
const maxInstrBytes = 4

// InstrLen returns the byte length of the instruction at pc. Always 4
// here, but the bytes must still be readable for a fault pc to be
// plausible, so the fetch is kept.
func InstrLen(pc uintptr) (int, bool) {
	var buf [maxInstrBytes]byte
	if n, ok := safemem.ReadCode(buf[:], pc); !ok || n < maxInstrBytes {
		return 0, false
	}
	return maxInstrBytes, true
}

// Text renders the instruction at pc in GNU syntax, or a bracketed
// placeholder when the bytes cannot be read or decoded.
func Text(pc uintptr) string {
	var buf [maxInstrBytes]byte
	n, ok := safemem.ReadCode(buf[:], pc)
	if !ok || n < maxInstrBytes {
		return "<unreadable>"
	}
	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		return "<undecodable>"
	}
	return arm64asm.GNUSyntax(inst)
}
