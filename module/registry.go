package module

import (
	"fmt"

	"golang.org/x/exp/slices"
)

func compareAVMAStart(m *Module, start uint64) int {
	switch {
	case m.AVMA.Start < start:
		return -1
	case m.AVMA.Start > start:
		return 1
	default:
		return 0
	}
}

// Registry is a sorted-by-AVMAStart list of loaded modules, binary-searched
// on every lookup. It is not safe for concurrent mutation: two goroutines
// adding modules to the same registry concurrently is unsupported, the same
// restriction the modules generation counter exists to make cheap to detect
// rather than to prevent.
type Registry struct {
	modules []*Module
	// Diagnostics, when set, receives a one-line message whenever Add
	// replaces an existing module at a duplicate start address. It is
	// deliberately not a full logger interface: this is the only
	// diagnostic the registry ever has a reason to emit.
	Diagnostics func(msg string)
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add inserts module into the registry, keeping it sorted by AVMA.Start,
// and bumps the global generation counter.
//
// If a module already occupies the same AVMA.Start, Add replaces it
// (last-writer-wins) and returns the replaced module so the caller can
// release any resources it held, instead of leaving two modules with an
// identical start address in the list (see DESIGN.md for why replace was
// chosen over reject-or-merge). A diagnostic is still emitted either way,
// since a duplicate start address usually means the caller's bookkeeping is
// confused even when replacing it is the right recovery.
func (r *Registry) Add(m *Module) (replaced *Module) {
	i, found := slices.BinarySearchFunc(r.modules, m.AVMA.Start, compareAVMAStart)

	if found {
		replaced = r.modules[i]
		r.modules[i] = m
		r.diagnose(fmt.Sprintf("module %q replaces %q at duplicate AVMA start %#x", m.Name, replaced.Name, m.AVMA.Start))
		bumpGeneration()
		return replaced
	}

	r.modules = slices.Insert(r.modules, i, m)
	bumpGeneration()
	return nil
}

// Remove deletes the module whose AVMA.Start equals start, if any, and
// bumps the global generation counter. It is a no-op if no module starts
// exactly there.
func (r *Registry) Remove(start uint64) (removed *Module) {
	i, found := slices.BinarySearchFunc(r.modules, start, compareAVMAStart)
	if !found {
		return nil
	}
	removed = r.modules[i]
	r.modules = slices.Delete(r.modules, i, i+1)
	bumpGeneration()
	return removed
}

// FindModuleForAddress binary-searches for the module covering addr: an
// exact AVMA.Start match returns that module; otherwise the preceding
// module is considered and returned only if addr falls within both its AVMA
// range and at or past its BaseAVMA.
func (r *Registry) FindModuleForAddress(addr uint64) *Module {
	i, found := slices.BinarySearchFunc(r.modules, addr, compareAVMAStart)
	if found {
		return r.modules[i]
	}
	if i == 0 {
		return nil
	}
	m := r.modules[i-1]
	if addr < m.AVMA.End && addr >= m.BaseAVMA {
		return m
	}
	return nil
}

// MaxKnownCodeAddress returns AVMA.End of the last module in registry
// order, or 0 if the registry is empty. Callers use it as a heuristic bound
// for pointer-authentication masks and similar sanity checks; it need not
// be exact.
func (r *Registry) MaxKnownCodeAddress() uint64 {
	if len(r.modules) == 0 {
		return 0
	}
	return r.modules[len(r.modules)-1].AVMA.End
}

// Len reports the number of modules currently registered.
func (r *Registry) Len() int { return len(r.modules) }

func (r *Registry) diagnose(msg string) {
	if r.Diagnostics != nil {
		r.Diagnostics(msg)
	}
}
