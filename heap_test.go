package gpualloc

import "testing"

func TestHeapStateAllocDealloc(t *testing.T) {
	h := heapState{total: 1024}

	h.alloc(256)
	if got := h.budget(); got != 768 {
		t.Errorf("budget() = %d, want 768", got)
	}
	if h.used != h.cumulativeAllocated-h.cumulativeDeallocated {
		t.Errorf("used = %d, want cumulativeAllocated - cumulativeDeallocated = %d", h.used, h.cumulativeAllocated-h.cumulativeDeallocated)
	}

	h.alloc(128)
	h.dealloc(256)
	if got := h.used; got != 128 {
		t.Errorf("used = %d, want 128", got)
	}
	if h.used != h.cumulativeAllocated-h.cumulativeDeallocated {
		t.Errorf("used = %d, want cumulativeAllocated - cumulativeDeallocated = %d", h.used, h.cumulativeAllocated-h.cumulativeDeallocated)
	}
	if got := h.budget(); got != 896 {
		t.Errorf("budget() = %d, want 896", got)
	}
}

func TestHeapStateRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		total uint64
		ops   []int64 // positive = alloc, negative = dealloc
	}{
		{"empty", 4096, nil},
		{"single alloc", 4096, []int64{512}},
		{"alloc then full dealloc", 4096, []int64{512, -512}},
		{"interleaved", 1 << 20, []int64{1024, 2048, -1024, 4096, -2048, -4096}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := heapState{total: tt.total}
			var want uint64
			for _, op := range tt.ops {
				if op >= 0 {
					h.alloc(uint64(op))
					want += uint64(op)
				} else {
					h.dealloc(uint64(-op))
					want -= uint64(-op)
				}
			}
			if h.used != want {
				t.Errorf("used = %d, want %d", h.used, want)
			}
			if h.budget() != tt.total-want {
				t.Errorf("budget() = %d, want %d", h.budget(), tt.total-want)
			}
			if h.used > h.total {
				t.Errorf("used (%d) exceeds total (%d)", h.used, h.total)
			}
		})
	}
}
