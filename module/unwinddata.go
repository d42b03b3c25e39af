package module

// UnwindData is the closed, five-shape tagged variant describing what kind
// of unwind information a module carries. It is modeled as a closed
// interface with unexported discriminants rather than an open plugin
// surface: there are exactly five shapes, each with genuinely distinct
// state, and a new on-disk format is added by extending this list, not by
// registering a new implementation from outside the package.
type UnwindData interface {
	unwindDataVariant() string
}

// FDEIndex resolves a module-relative PC to the byte offset of the FDE that
// covers it. Package dwarfcfi's Index (a pre-built sorted table) is the
// implementation the dispatcher uses; .eh_frame_hdr lookups do not go
// through this interface.
type FDEIndex interface {
	FDEOffsetForRelativeAddress(relPC uint32) (fdeOffset uint64, ok bool)
}

// CompactUnwindInfoAndEhFrame is selected when a module carries Apple
// Compact Unwind Info, optionally augmented with DWARF CFI for the
// functions whose compact opcode says "see DWARF".
type CompactUnwindInfoAndEhFrame struct {
	UnwindInfo []byte
	EhFrame    []byte // nil if the module has no __eh_frame

	// StubsSVMARange and StubHelperSVMARange cover the __stubs/__stub_helper
	// sections; an address in StubsSVMARange never builds a frame, so it
	// short-circuits straight to RuleForStubFunctions.
	StubsSVMARange      AddrRange
	StubHelperSVMARange AddrRange

	BaseAddresses BaseAddresses

	// TextBytes is the raw __text section, needed to decode frameless
	// "indirect" opcodes and to run first-frame prologue/epilogue analysis.
	// nil if unavailable, in which case those code paths degrade to errors
	// the dispatcher recovers from via the fallback rule.
	TextBytes []byte
}

func (CompactUnwindInfoAndEhFrame) unwindDataVariant() string { return "compact_unwind_info" }

// EhFrameHdrAndEhFrame is selected when a module carries ELF's
// .eh_frame_hdr alongside .eh_frame: the header's binary-searchable table
// resolves an FDE offset without the engine ever needing to scan the CFI
// section itself.
type EhFrameHdrAndEhFrame struct {
	EhFrameHdr    []byte
	EhFrame       []byte
	BaseAddresses BaseAddresses
}

func (EhFrameHdrAndEhFrame) unwindDataVariant() string { return "eh_frame_hdr_and_eh_frame" }

// DwarfCfiIndexAndEhFrame is selected when a module has .eh_frame but no
// .eh_frame_hdr: the engine builds its own sorted FDE index at
// registration time by scanning the section once.
type DwarfCfiIndexAndEhFrame struct {
	Index         FDEIndex
	EhFrame       []byte
	BaseAddresses BaseAddresses
}

func (DwarfCfiIndexAndEhFrame) unwindDataVariant() string { return "dwarf_cfi_index_and_eh_frame" }

// DwarfCfiIndexAndDebugFrame is the same as DwarfCfiIndexAndEhFrame but over
// .debug_frame, used for binaries (or binaries-within-binaries, e.g. a
// statically-linked kernel module) that carry debug-only CFI with no
// runtime unwinder section at all.
type DwarfCfiIndexAndDebugFrame struct {
	Index         FDEIndex
	DebugFrame    []byte
	BaseAddresses BaseAddresses
}

func (DwarfCfiIndexAndDebugFrame) unwindDataVariant() string {
	return "dwarf_cfi_index_and_debug_frame"
}

// NoUnwindData is selected when none of the above probes succeeded; every
// lookup against such a module falls back to the architecture fallback
// rule.
type NoUnwindData struct{}

func (NoUnwindData) unwindDataVariant() string { return "none" }
