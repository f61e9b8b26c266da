package vm

import (
	"oslab/kerr"
	"oslab/mem"
)

// Section flags, grounded on spec.md §3's PageTable description
// ("flags include ST_HEAP, ST_SWAP, etc").
const (
	ST_HEAP = 1 << iota
	ST_STACK
	ST_CODE
	ST_SWAP
)

/// Section is a contiguous user-VA range with uniform policy: a
/// process's heap, its stack, or a loaded ELF segment. Grounded on
/// kernel/paging.c's section list.
type Section struct {
	Begin uint64
	End   uint64
	Flags int
}

/// InitSections installs an empty heap section at begin (sbrk grows it
/// from there), grounded on init_sections.
func InitSections(pgdir *Pgdir, heapBegin uint64) *Section {
	s := &Section{Begin: heapBegin, End: heapBegin, Flags: ST_HEAP}
	pgdir.Sections = append(pgdir.Sections, s)
	return s
}

/// AddSection appends a new section (used by exec for PT_LOAD segments
/// and the initial user stack) and returns it.
func AddSection(pgdir *Pgdir, begin, end uint64, flags int) *Section {
	s := &Section{Begin: begin, End: end, Flags: flags}
	pgdir.Sections = append(pgdir.Sections, s)
	return s
}

/// HeapSection returns the address space's heap section, installed by
/// InitSections, for Sbrk to grow or shrink. Returns nil for a pgdir
/// that has never been exec'd.
func HeapSection(pgdir *Pgdir) *Section {
	for _, s := range pgdir.Sections {
		if s.Flags&ST_HEAP != 0 {
			return s
		}
	}
	return nil
}

func findSection(pgdir *Pgdir, va uint64) *Section {
	for _, s := range pgdir.Sections {
		if va >= s.Begin && va < s.End {
			return s
		}
	}
	return nil
}

// roundUpPage rounds n up to the next page boundary.
func roundUpPage(n uint64) uint64 {
	return (n + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

/// Sbrk grows or shrinks heap by delta bytes (positive or negative),
/// allocating zero pages for a growing region and freeing pages mapped
/// in a vacated shrinking region. Returns the heap's prior end (the
/// classic sbrk return value) or an error. Grounded on sbrk.
func Sbrk(pgdir *Pgdir, heap *Section, delta int) (uint64, kerr.Errno) {
	old := heap.End
	if delta == 0 {
		return old, 0
	}
	newEnd := uint64(int64(heap.End) + int64(delta))
	if int64(newEnd) < int64(heap.Begin) {
		return 0, kerr.EINVAL
	}

	if delta > 0 {
		from := roundUpPage(old)
		to := roundUpPage(newEnd)
		for va := from; va < to; va += mem.PageSize {
			if pte := pgdir.walk(va, false); pte != nil && pte.present() {
				continue
			}
			p, ok := pgdir.arena.AllocPage()
			if !ok {
				// Unwind pages already allocated this call before failing.
				for back := from; back < va; back += mem.PageSize {
					pgdir.Unmap(back)
				}
				return 0, kerr.ENOMEM
			}
			pgdir.Map(va, p, PTE_USER_DATA)
		}
	} else {
		from := roundUpPage(newEnd)
		to := roundUpPage(old)
		for va := from; va < to; va += mem.PageSize {
			pgdir.Unmap(va)
		}
	}
	heap.End = newEnd
	return old, 0
}

/// UvmAlloc grows an address space by mapping fresh zero pages across
/// [begin,end) with the given flags, used by exec to materialize
/// PT_LOAD segments before copying their bytes in. Grounded on
/// uvm_alloc's equivalent allocation loop in kernel/exec.c.
func UvmAlloc(pgdir *Pgdir, begin, end uint64, flags int) bool {
	from := begin &^ (mem.PageSize - 1)
	to := roundUpPage(end)
	for va := from; va < to; va += mem.PageSize {
		p, ok := pgdir.arena.AllocPage()
		if !ok {
			for back := from; back < va; back += mem.PageSize {
				pgdir.Unmap(back)
			}
			return false
		}
		pgdir.Map(va, p, flags|PTE_VALID)
	}
	return true
}

/// Fault resolves a page fault at va for a write (iswrite) or read
/// access. It finds the containing section (killing the process — by
/// returning EFAULT for the caller to act on — if none matches), then:
/// if the PTE is absent, either faults in from backing store (ST_SWAP,
/// reserved, not implemented for the in-memory variant) or installs a
/// fresh zero page; if the PTE exists but is marked copy-on-write and
/// the access is a write, duplicates the page and installs a writable
/// mapping. Grounded on the page-fault handler in kernel/paging.c.
func Fault(pgdir *Pgdir, va uint64, iswrite bool) kerr.Errno {
	s := findSection(pgdir, va)
	if s == nil {
		return kerr.EFAULT
	}

	pageVA := va &^ (mem.PageSize - 1)
	pte := pgdir.walk(pageVA, true)

	if !pte.present() {
		if s.Flags&ST_SWAP != 0 {
			return kerr.ENOSYS
		}
		p, ok := pgdir.arena.AllocPage()
		if !ok {
			return kerr.ENOMEM
		}
		*pte = PTE{Page: p, Flags: PTE_USER_DATA}
		InvalidateRange(pageVA, mem.PageSize)
		return 0
	}

	if iswrite && pte.Flags&PTE_WRITE == 0 {
		if pte.Flags&PTE_COW == 0 {
			return kerr.EFAULT
		}
		np, ok := pgdir.arena.AllocPage()
		if !ok {
			return kerr.ENOMEM
		}
		copy(pgdir.arena.Bytes(np), pgdir.arena.Bytes(pte.Page))
		old := pte.Page
		*pte = PTE{Page: np, Flags: PTE_USER_DATA}
		pgdir.arena.FreePage(old)
		InvalidateRange(pageVA, mem.PageSize)
		return 0
	}

	return 0
}
