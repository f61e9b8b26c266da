package mem

import "testing"

func TestAllocPageZeroesAndTracksRefcount(t *testing.T) {
	a := NewArena(4)
	if a.FreePages() != 4 {
		t.Fatalf("fresh arena has %d free pages, want 4", a.FreePages())
	}

	p, ok := a.AllocPage()
	if !ok {
		t.Fatal("AllocPage failed on a fresh arena")
	}
	if a.FreePages() != 3 {
		t.Fatalf("after one alloc, %d free, want 3", a.FreePages())
	}
	for _, b := range a.Bytes(p) {
		if b != 0 {
			t.Fatal("freshly allocated page is not zeroed")
		}
	}
}

func TestAllocPageExhaustion(t *testing.T) {
	a := NewArena(2)
	if _, ok := a.AllocPage(); !ok {
		t.Fatal("first alloc should succeed")
	}
	if _, ok := a.AllocPage(); !ok {
		t.Fatal("second alloc should succeed")
	}
	if _, ok := a.AllocPage(); ok {
		t.Fatal("third alloc should fail: arena exhausted")
	}
}

func TestFreePageReturnsToFreelistOnlyAtZeroRefcount(t *testing.T) {
	a := NewArena(2)
	p, _ := a.AllocPage()
	a.Refup(p)

	if freed := a.FreePage(p); freed {
		t.Fatal("FreePage with refcount 2->1 should not release the page")
	}
	if a.FreePages() != 1 {
		t.Fatalf("page should still be held: %d free, want 1", a.FreePages())
	}

	if freed := a.FreePage(p); !freed {
		t.Fatal("FreePage with refcount 1->0 should release the page")
	}
	if a.FreePages() != 2 {
		t.Fatalf("page should now be free: %d free, want 2", a.FreePages())
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := NewArena(1)
	p, _ := a.AllocPage()
	a.FreePage(p)

	defer func() {
		if recover() == nil {
			t.Fatal("double free did not panic")
		}
	}()
	a.FreePage(p)
}
