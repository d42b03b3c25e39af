package rulecache

import "testing"

func TestLookupHitAfterInsert(t *testing.T) {
	c := New[int]()
	_, ok, handle := c.Lookup(42, 7)
	if ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Insert(handle, 99)

	rule, ok, _ := c.Lookup(42, 7)
	if !ok || rule != 99 {
		t.Fatalf("want hit with rule=99, got ok=%v rule=%v", ok, rule)
	}
}

func TestLookupMissOnWrongGeneration(t *testing.T) {
	c := New[int]()
	_, _, handle := c.Lookup(42, 7)
	c.Insert(handle, 99)

	if _, ok, _ := c.Lookup(42, 8); ok {
		t.Fatal("expected miss on generation mismatch")
	}
	if c.Stats.MissWrongGenerationCount != 1 {
		t.Errorf("want 1 wrong-generation miss, got %d", c.Stats.MissWrongGenerationCount)
	}
}

func TestLookupMissOnWrongAddressSameSlot(t *testing.T) {
	c := New[int]()
	_, _, handle := c.Lookup(42, 7)
	c.Insert(handle, 99)

	// 42 + 509 hashes to the same slot but is a different address.
	if _, ok, _ := c.Lookup(42+slotCount, 7); ok {
		t.Fatal("expected miss on address collision within the same slot")
	}
	if c.Stats.MissWrongAddressCount != 1 {
		t.Errorf("want 1 wrong-address miss, got %d", c.Stats.MissWrongAddressCount)
	}
}

func TestInsertWithStaleGenerationIsNaturallyInvalidated(t *testing.T) {
	c := New[int]()
	_, _, handle := c.Lookup(42, 1)
	// Simulate a handle whose generation is now stale by the time Insert runs.
	handle2 := handle
	handle2.generation = 0
	c.Insert(handle2, 123)

	if _, ok, _ := c.Lookup(42, 1); ok {
		t.Fatal("expected miss: stale-generation insert should not satisfy a current lookup")
	}
}

func TestMissEmptySlotCounted(t *testing.T) {
	c := New[int]()
	if _, ok, _ := c.Lookup(1, 0); ok {
		t.Fatal("expected miss on empty cache")
	}
	if c.Stats.MissEmptySlotCount != 1 {
		t.Errorf("want 1 empty-slot miss, got %d", c.Stats.MissEmptySlotCount)
	}
}
