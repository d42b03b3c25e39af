package module

// AddrRange is a half-open [Start, End) address range.
type AddrRange struct {
	Start, End uint64
}

// Contains reports whether addr lies in [r.Start, r.End).
func (r AddrRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Valid reports whether r was ever set (the zero AddrRange means "absent",
// since the sections it names are all optional).
func (r AddrRange) Valid() bool {
	return r.Start != 0 || r.End != 0
}

// BaseAddresses is the small set of base addresses the DWARF CFI evaluator
// needs to resolve position-independent operands (e.g. DW_EH_PE_pcrel /
// DW_EH_PE_datarel encodings in a pointer-encoded FDE/CIE). All of ELF,
// Mach-O and PE funnel down to the same handful of bases.
type BaseAddresses struct {
	// EhFrame is the SVMA the .eh_frame/.debug_frame section is loaded at.
	EhFrame uint64
	// EhFrameHdr is the SVMA of .eh_frame_hdr, when present.
	EhFrameHdr uint64
	// Text is the SVMA of the text segment, used for DW_EH_PE_textrel.
	Text uint64
	// Data is the SVMA of the data segment, used for DW_EH_PE_datarel.
	Data uint64
	// Func is the SVMA of the function whose FDE is being evaluated, used
	// for DW_EH_PE_funcrel encodings.
	Func uint64
}

// ModuleSource is the trait a binary-format parser implements so the engine
// can probe it for the sections and segments it needs, without the engine
// itself knowing anything about ELF, Mach-O, or PE. Section names are the
// raw byte strings a format uses (e.g. "__unwind_info", ".eh_frame").
// SegmentFileRange/SegmentData are optional; implementations that have no
// notion of segments distinct from sections may leave them unimplemented by
// always returning ok=false.
type ModuleSource interface {
	BaseSVMA() uint64
	SectionSVMARange(name string) (start, end uint64, ok bool)
	SectionFileRange(name string) (start, end uint64, ok bool)
	SectionData(name string) (data []byte, ok bool)
	SegmentFileRange(name string) (start, end uint64, ok bool)
	SegmentData(name string) (data []byte, ok bool)
}

// Module is an immutable description of one loaded binary: where it sits in
// the target process's address space, and which of the five unwind-data
// shapes it carries.
type Module struct {
	// Name is a human-readable, debug-only identifier; the engine never
	// parses it.
	Name string

	// AVMA is the actual virtual memory address range the module is mapped
	// at in the target process.
	AVMA AddrRange

	// BaseAVMA is the address corresponding to the module's declared base
	// in the target process (i.e. AVMA.Start adjusted for any header
	// preceding the first mapped segment).
	BaseAVMA uint64

	// BaseSVMA is the "stated" base address recorded in the module's own
	// headers: vmaddr of __TEXT for Mach-O, 0 for ELF, the image base for
	// PE.
	BaseSVMA uint64

	// UnwindData is the unwind-information variant selected for this
	// module at construction time.
	UnwindData UnwindData
}

// RelativeAddress computes addr's address relative to the module's base,
// truncated to 32 bits the way every on-disk unwind table keys its entries.
// ok is false if addr does not fall within the module, or the module is
// wider than 4 GiB (unsupported; relative addresses would not fit).
func (m *Module) RelativeAddress(addr uint64) (rel uint32, ok bool) {
	if addr < m.BaseAVMA || addr >= m.AVMA.End {
		return 0, false
	}
	delta := addr - m.BaseAVMA
	if delta > 0xFFFFFFFF {
		return 0, false
	}
	return uint32(delta), true
}
