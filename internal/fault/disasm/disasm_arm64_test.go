package disasm

import (
	"strings"
	"testing"
	"unsafe"
)

func addrOf(code []byte) uintptr { return uintptr(unsafe.Pointer(&code[0])) }

func TestInstrLen(t *testing.T) {
	// ldr x1, [x2] — 0xF9400041, little endian in memory.
	code := []byte{0x41, 0x00, 0x40, 0xF9}
	got, ok := InstrLen(addrOf(code))
	if !ok {
		t.Fatal("InstrLen failed")
	}
	if got != 4 {
		t.Errorf("InstrLen = %d, want 4", got)
	}
}

func TestInstrLenUnreadable(t *testing.T) {
	if _, ok := InstrLen(0); ok {
		t.Error("InstrLen(0) succeeded")
	}
}

func TestText(t *testing.T) {
	code := []byte{0x41, 0x00, 0x40, 0xF9} // ldr x1, [x2]
	text := Text(addrOf(code))
	if !strings.Contains(strings.ToLower(text), "ldr") {
		t.Errorf("Text = %q, want an ldr rendering", text)
	}

	if got := Text(0); got != "<unreadable>" {
		t.Errorf("Text(0) = %q, want <unreadable>", got)
	}

	// All-zero word is an unallocated encoding.
	zero := []byte{0x00, 0x00, 0x00, 0x00}
	if got := Text(addrOf(zero)); got != "<undecodable>" {
		t.Errorf("Text(zero word) = %q, want <undecodable>", got)
	}
}
