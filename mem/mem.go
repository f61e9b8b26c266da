// Package mem implements the page-granular physical memory allocator
// and the sub-page kalloc/kfree allocator over a simulated physical
// arena, standing in for real RAM the way the original kernel's
// kernel/mem.c manages a reserved physical region.
package mem

import (
	"sync"
)

/// PageSize is the size of a single physical page in bytes.
const PageSize = 4096

/// Page is a page-granular handle into the arena, addressed by page
/// frame number rather than a Go pointer so that page tables can store
/// it as a plain integer, matching the original's physical addresses.
type Page int

/// Bytes returns the backing storage for this page.
func (a *Arena) Bytes(p Page) []byte {
	off := int(p) * PageSize
	return a.store[off : off+PageSize]
}

/// Arena simulates physical RAM: a byte slice divided into pages, plus
/// a freelist-of-indices allocator grounded on kernel/mem.c's
/// kalloc_page/kfree_page and biscuit's Physmem_t (minus its per-CPU
/// free lists and runtime-coupled direct map, which have no standalone
/// Go equivalent outside biscuit's own runtime).
type Arena struct {
	mu       sync.Mutex
	store    []byte
	free     []Page // stack of free page indices
	npages   int
	refcount []int32
}

/// NewArena allocates an arena of npages pages, all initially free.
func NewArena(npages int) *Arena {
	a := &Arena{
		store:    make([]byte, npages*PageSize),
		npages:   npages,
		refcount: make([]int32, npages),
	}
	a.free = make([]Page, npages)
	for i := 0; i < npages; i++ {
		a.free[i] = Page(npages - 1 - i)
	}
	return a
}

/// AllocPage removes a page from the freelist, zeroes it, and sets its
/// refcount to 1. Returns false if the arena is exhausted.
func (a *Arena) AllocPage() (Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, false
	}
	p := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.refcount[p] = 1
	clear(a.Bytes(p))
	return p, true
}

/// Refup increments a page's reference count (used when a page is
/// shared, e.g. by vm_copy's future-COW note or by the circbuf-style
/// sharing pattern).
func (a *Arena) Refup(p Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refcount[p] <= 0 {
		panic("refup on free page")
	}
	a.refcount[p]++
}

/// FreePage decrements a page's refcount and returns it to the
/// freelist once the count reaches zero. Returns true if the page was
/// actually freed.
func (a *Arena) FreePage(p Page) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refcount[p] <= 0 {
		panic("double free of page")
	}
	a.refcount[p]--
	if a.refcount[p] != 0 {
		return false
	}
	a.free = append(a.free, p)
	return true
}

/// FreePages reports the number of pages still on the freelist.
func (a *Arena) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

/// NPages reports the arena's total capacity.
func (a *Arena) NPages() int { return a.npages }
