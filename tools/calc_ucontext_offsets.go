//go:build ignore
// +build ignore

// This tool prints the field offsets of the mirrored kernel ucontext_t
// and siginfo_t layouts, for checking against the uapi headers when a
// new architecture or kernel ABI revision is added.
// Run with: go run tools/calc_ucontext_offsets.go
package main

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/kolkov/faulthandler/internal/fault/sigctx"
)

func main() {
	var uc sigctx.UContext64
	var si sigctx.Info

	fmt.Printf("Architecture: %s\n\n", runtime.GOARCH)

	fmt.Printf("sizeof(ucontext_t) = %d\n", unsafe.Sizeof(uc))
	fmt.Printf("  uc_mcontext offset = %d\n", unsafe.Offsetof(uc.MContext))
	fmt.Println()

	fmt.Printf("sizeof(siginfo_t) = %d\n", unsafe.Sizeof(si))
	fmt.Printf("  si_signo offset = %d\n", unsafe.Offsetof(si.Signo))
	fmt.Printf("  si_errno offset = %d\n", unsafe.Offsetof(si.Errno))
	fmt.Printf("  si_code  offset = %d\n", unsafe.Offsetof(si.Code))
	fmt.Printf("  si_addr  offset = %d\n", unsafe.Offsetof(si.Fields))
	fmt.Println()

	// Expected values, from the kernel uapi headers for the 64-bit ABI:
	//   siginfo_t is 128 bytes; si_addr lands at offset 16.
	//   amd64: ucontext_t.uc_mcontext at offset 40.
	//   arm64: ucontext_t.uc_mcontext at offset 176.
	fmt.Println("Compare against include/uapi/asm-generic/siginfo.h and the")
	fmt.Println("per-arch include/uapi/asm/ucontext.h before trusting a new layout.")
}
