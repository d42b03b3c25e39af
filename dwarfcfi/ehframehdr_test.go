package dwarfcfi

import (
	"encoding/binary"
	"testing"
)

func buildEhFrameHdr(hdrSVMA, ehFrameSVMA uint64, entries [][2]uint64) []byte {
	buf := []byte{1, 0x0b, 0x0b, ehFrameHdrTableEnc} // version, ptr enc, count enc, table enc
	ptr := make([]byte, 4)                           // eh_frame_ptr: value unused by the lookup
	buf = append(buf, ptr...)
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(entries)))
	buf = append(buf, count...)
	for _, e := range entries {
		a := make([]byte, 4)
		binary.LittleEndian.PutUint32(a, uint32(int32(int64(e[0])-int64(hdrSVMA))))
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(int64(e[1])-int64(hdrSVMA))))
		buf = append(buf, a...)
		buf = append(buf, b...)
	}
	return buf
}

func TestLookupEhFrameHdrFindsCoveringFDE(t *testing.T) {
	const hdrSVMA = 0x9000
	const ehFrameSVMA = 0x8000
	const moduleBaseSVMA = 0x8000

	hdr := buildEhFrameHdr(hdrSVMA, ehFrameSVMA, [][2]uint64{
		{0x8010, 0x8010}, // function at relPC 0x10, FDE at offset 0x10
		{0x8100, 0x8100}, // function at relPC 0x100, FDE at offset 0x100
	})

	off, ok := lookupEhFrameHdr(hdr, hdrSVMA, ehFrameSVMA, moduleBaseSVMA, 0x10)
	if !ok || off != 0x10 {
		t.Fatalf("relPC=0x10: off=%#x ok=%v, want 0x10/true", off, ok)
	}

	off, ok = lookupEhFrameHdr(hdr, hdrSVMA, ehFrameSVMA, moduleBaseSVMA, 0x100)
	if !ok || off != 0x100 {
		t.Fatalf("relPC=0x100: off=%#x ok=%v, want 0x100/true", off, ok)
	}

	// An address between the two covering entries floors to the first.
	off, ok = lookupEhFrameHdr(hdr, hdrSVMA, ehFrameSVMA, moduleBaseSVMA, 0x50)
	if !ok || off != 0x10 {
		t.Fatalf("relPC=0x50: off=%#x ok=%v, want 0x10/true", off, ok)
	}
}

func TestLookupEhFrameHdrMissBeforeFirstEntry(t *testing.T) {
	hdr := buildEhFrameHdr(0x9000, 0x8000, [][2]uint64{{0x8010, 0x8010}})
	if _, ok := lookupEhFrameHdr(hdr, 0x9000, 0x8000, 0x8000, 0); ok {
		t.Fatal("want a miss for an address before the first table entry")
	}
}

func TestLookupEhFrameHdrRejectsUnsupportedEncoding(t *testing.T) {
	hdr := buildEhFrameHdr(0x9000, 0x8000, [][2]uint64{{0x8010, 0x8010}})
	hdr[3] = 0x00 // not the datarel|sdata4 encoding this lookup understands
	if _, ok := lookupEhFrameHdr(hdr, 0x9000, 0x8000, 0x8000, 0x10); ok {
		t.Fatal("want a miss for an unsupported table encoding")
	}
}
