package gpualloc

import "testing"

func TestSlabInsertGetRemove(t *testing.T) {
	s := NewSlab[string]()

	a := s.Insert("a")
	b := s.Insert("b")
	c := s.Insert("c")

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}

	if v, ok := s.Get(b); !ok || v != "b" {
		t.Errorf("Get(b) = (%q, %v), want (\"b\", true)", v, ok)
	}

	removed := s.Remove(b)
	if removed != "b" {
		t.Errorf("Remove(b) = %q, want \"b\"", removed)
	}
	if s.Len() != 2 {
		t.Errorf("Len() after remove = %d, want 2", s.Len())
	}
	if _, ok := s.Get(b); ok {
		t.Error("Get(b) after remove reports occupied")
	}

	// a and c must remain valid and unaffected.
	if v, ok := s.Get(a); !ok || v != "a" {
		t.Errorf("Get(a) = (%q, %v), want (\"a\", true)", v, ok)
	}
	if v, ok := s.Get(c); !ok || v != "c" {
		t.Errorf("Get(c) = (%q, %v), want (\"c\", true)", v, ok)
	}
}

func TestSlabRecyclesFreedIndex(t *testing.T) {
	s := NewSlab[int]()

	i0 := s.Insert(10)
	i1 := s.Insert(20)
	s.Remove(i0)

	i2 := s.Insert(30)
	if i2 != i0 {
		t.Errorf("Insert after Remove reused index %d, want the freed index %d", i2, i0)
	}
	if v, ok := s.Get(i2); !ok || v != 30 {
		t.Errorf("Get(i2) = (%d, %v), want (30, true)", v, ok)
	}
	if v, ok := s.Get(i1); !ok || v != 20 {
		t.Errorf("Get(i1) = (%d, %v), want (20, true)", v, ok)
	}
}

func TestSlabGetPtrMutatesInPlace(t *testing.T) {
	s := NewSlab[int]()
	idx := s.Insert(1)

	p := s.GetPtr(idx)
	if p == nil {
		t.Fatal("GetPtr returned nil for occupied index")
	}
	*p = 99

	if v, _ := s.Get(idx); v != 99 {
		t.Errorf("Get(idx) after GetPtr mutation = %d, want 99", v)
	}
}

func TestSlabGetOnEmptyOrOutOfRange(t *testing.T) {
	s := NewSlab[int]()
	if _, ok := s.Get(0); ok {
		t.Error("Get(0) on empty slab reports occupied")
	}
	if _, ok := s.Get(-1); ok {
		t.Error("Get(-1) reports occupied")
	}
	if s.GetPtr(5) != nil {
		t.Error("GetPtr(5) on empty slab returned non-nil")
	}
}

func TestSlabRemoveUnoccupiedPanics(t *testing.T) {
	s := NewSlab[int]()
	idx := s.Insert(1)
	s.Remove(idx)

	defer func() {
		if recover() == nil {
			t.Error("Remove of an already-removed index did not panic")
		}
	}()
	s.Remove(idx)
}
