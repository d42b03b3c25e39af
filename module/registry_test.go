package module

import "testing"

func mod(name string, start, end, baseAVMA uint64) *Module {
	return &Module{
		Name:       name,
		AVMA:       AddrRange{Start: start, End: end},
		BaseAVMA:   baseAVMA,
		UnwindData: NoUnwindData{},
	}
}

func TestRegistryOrdersByAVMAStart(t *testing.T) {
	r := NewRegistry()
	r.Add(mod("a", 100, 200, 100))
	r.Add(mod("b", 300, 400, 300))
	r.Add(mod("c", 200, 300, 200))

	if r.Len() != 3 {
		t.Fatalf("want 3 modules, got %d", r.Len())
	}
	wantOrder := []uint64{100, 200, 300}
	for i, want := range wantOrder {
		if got := r.modules[i].AVMA.Start; got != want {
			t.Errorf("index %d: want start=%d got=%d", i, want, got)
		}
	}
}

func TestFindModuleForAddress(t *testing.T) {
	r := NewRegistry()
	r.Add(mod("a", 100, 200, 100))
	r.Add(mod("b", 300, 400, 300))
	r.Add(mod("c", 200, 300, 200))

	if m := r.FindModuleForAddress(250); m == nil || m.Name != "c" {
		t.Errorf("want module c, got %v", m)
	}
	if m := r.FindModuleForAddress(99); m != nil {
		t.Errorf("want no module below the first start, got %v", m)
	}
	if m := r.FindModuleForAddress(150); m == nil || m.Name != "a" {
		t.Errorf("want module a, got %v", m)
	}
}

func TestFindModuleForAddressOutsideRange(t *testing.T) {
	r := NewRegistry()
	r.Add(mod("a", 100, 150, 100))
	if m := r.FindModuleForAddress(160); m != nil {
		t.Errorf("want no module past avma end, got %v", m)
	}
}

func TestAddDuplicateStartReplaces(t *testing.T) {
	r := NewRegistry()
	var diagnostics []string
	r.Diagnostics = func(msg string) { diagnostics = append(diagnostics, msg) }

	first := mod("first", 100, 200, 100)
	second := mod("second", 100, 250, 100)

	r.Add(first)
	genBefore := CurrentGeneration()
	replaced := r.Add(second)

	if replaced != first {
		t.Fatalf("want replaced == first, got %v", replaced)
	}
	if r.Len() != 1 {
		t.Fatalf("want exactly one module after replace, got %d", r.Len())
	}
	if got := r.FindModuleForAddress(100); got != second {
		t.Fatalf("want registry to hold the replacement, got %v", got)
	}
	if len(diagnostics) != 1 {
		t.Fatalf("want one diagnostic emitted, got %d", len(diagnostics))
	}
	if CurrentGeneration() == genBefore {
		t.Fatal("want generation to strictly change across the replace")
	}
}

func TestRemoveNoOpOnUnknownStart(t *testing.T) {
	r := NewRegistry()
	r.Add(mod("a", 100, 200, 100))
	if r.Remove(999) != nil {
		t.Fatal("want nil for removing an unknown start")
	}
	if r.Len() != 1 {
		t.Fatalf("want module list unchanged, got len=%d", r.Len())
	}
}

func TestMaxKnownCodeAddress(t *testing.T) {
	r := NewRegistry()
	if r.MaxKnownCodeAddress() != 0 {
		t.Fatal("want 0 for an empty registry")
	}
	r.Add(mod("a", 100, 200, 100))
	r.Add(mod("b", 300, 450, 300))
	if got := r.MaxKnownCodeAddress(); got != 450 {
		t.Errorf("want 450, got %d", got)
	}
}
