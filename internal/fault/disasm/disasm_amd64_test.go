package disasm

import (
	"strings"
	"testing"
	"unsafe"
)

func addrOf(code []byte) uintptr { return uintptr(unsafe.Pointer(&code[0])) }

func TestInstrLen(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int
	}{
		{"nop", []byte{0x90}, 1},
		{"mov rax,[rdi]", []byte{0x48, 0x8B, 0x07}, 3},
		{"mov eax,[rdi+0x40]", []byte{0x8B, 0x47, 0x40}, 3},
		{"add eax,imm32", []byte{0x05, 0x01, 0x02, 0x03, 0x04}, 5},
		{"ret", []byte{0xC3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Pad so the decoder sees realistic trailing bytes.
			code := append(append([]byte{}, tt.code...), 0x90, 0x90, 0x90)
			got, ok := InstrLen(addrOf(code))
			if !ok {
				t.Fatal("InstrLen failed")
			}
			if got != tt.want {
				t.Errorf("InstrLen = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInstrLenUnreadable(t *testing.T) {
	if _, ok := InstrLen(0); ok {
		t.Error("InstrLen(0) succeeded")
	}
}

func TestInstrLenUndecodable(t *testing.T) {
	// A lone two-byte-opcode escape with nothing after it cannot decode.
	code := []byte{0x0F}
	if _, ok := InstrLen(addrOf(code)); ok {
		t.Error("InstrLen decoded a truncated instruction")
	}
}

func TestText(t *testing.T) {
	code := []byte{0x48, 0x8B, 0x07, 0x90, 0x90} // mov rax, [rdi]
	text := Text(addrOf(code))
	if !strings.Contains(strings.ToUpper(text), "MOV") {
		t.Errorf("Text = %q, want a MOV rendering", text)
	}

	if got := Text(0); got != "<unreadable>" {
		t.Errorf("Text(0) = %q, want <unreadable>", got)
	}
}
