package frame

// ReadStack reads exactly 8 bytes at addr and interprets them as an
// unsigned 64-bit integer in the target's native byte order. Implementations
// typically read from /proc/<pid>/mem, a captured stack buffer, or a core
// dump; see package procmem for ready-made adapters.
//
// Rule execution reads the return address at new_sp-8, a saved frame
// pointer at bp, and a saved bp slot at an sp-relative offset. These
// addresses are overflow-checked but not range-checked (a register state
// with sp == 0 reads address 0), so implementations must fail any address
// they cannot serve.
type ReadStack func(addr uint64) (uint64, error)
