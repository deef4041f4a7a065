//go:build linux && (amd64 || arm64)

// Package disasm decodes the instruction an interrupted context was
// executing.
//
// Two consumers: the null-pointer and suspension handlers need the
// byte length of the faulting instruction to compute the address the
// redirected call returns to, and diagnostics want a printable form of
// what faulted. The instruction bytes are fetched with guarded reads —
// the program counter in a signal context is evidence, not something to
// trust — and decoded with the x/arch decoders for the platform.
//
// Decoding allocates a little. That is acceptable here: InstrLen runs
// once per fault that is already bound for either recovery or a crash,
// never on a steady-state path.
package disasm
