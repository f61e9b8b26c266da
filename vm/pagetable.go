// Package vm implements the 4-level AArch64-style page table, the
// per-address-space section list, page-fault handling, fork's address
// space copy, and kernel-to-user byte copy routines — the L3 virtual
// memory layer of the kernel core.
package vm

import (
	"oslab/mem"
)

// / PtEntriesPerLevel is the fan-out of each table level: 9 bits of VA
// / per level, 512 entries per 4 KiB table page.
const PtEntriesPerLevel = 512

// / Levels indexes VA bits [47:39], [38:30], [29:21], [20:12] — the
// / four AArch64 translation table levels this kernel walks.
const Levels = 4

// PTE flag bits. There is no real MMU underneath this simulation, so
// only the bits the fault handler and copy routines actually consult
// are modeled: present, writable, user-accessible, and the
// software-defined copy-on-write marker.
const (
	PTE_VALID = 1 << 0
	PTE_WRITE = 1 << 1
	PTE_USER  = 1 << 2
	PTE_COW   = 1 << 3
)

/// PTE_USER_DATA is the flag set installed for ordinary writable user
/// pages (heap, stack, loaded segments before a COW fault narrows it).
const PTE_USER_DATA = PTE_VALID | PTE_WRITE | PTE_USER

// PTE is a software page-table entry: the physical page it maps plus
// its flag bits. A zero-value PTE (Page==0, Flags==0) represents an
// absent mapping because PTE_VALID is clear; presence is decided by
// that bit alone, since page 0 of the arena is an ordinary page that
// can be mapped.
type PTE struct {
	Page  mem.Page
	Flags int
}

func (e PTE) present() bool { return e.Flags&PTE_VALID != 0 }

// table is one level of the walk: either PtEntriesPerLevel further
// tables (non-leaf) or PtEntriesPerLevel PTEs (leaf, level 3).
type table struct {
	entries [PtEntriesPerLevel]*table
	leaf    [PtEntriesPerLevel]PTE
}

/// Pgdir is a process address space's page table root plus its section
/// list, grounded on kernel/pt.c's pagetable root and spec.md §3's
/// PageTable description. The arena backs every table-page and every
/// data page this pgdir maps.
type Pgdir struct {
	arena    *mem.Arena
	root     *table
	Sections []*Section
}

/// NewPgdir allocates an empty address space over arena.
func NewPgdir(arena *mem.Arena) *Pgdir {
	return &Pgdir{arena: arena, root: &table{}}
}

func vaIndex(va uint64, level int) int {
	shift := uint(12 + (Levels-1-level)*9)
	return int((va >> shift) & (PtEntriesPerLevel - 1))
}

// walk descends from the root to the level-3 leaf entry for va,
// allocating intermediate tables on demand when alloc is true.
// Grounded on get_pte.
func (pd *Pgdir) walk(va uint64, alloc bool) *PTE {
	t := pd.root
	for level := 0; level < Levels-1; level++ {
		idx := vaIndex(va, level)
		if t.entries[idx] == nil {
			if !alloc {
				return nil
			}
			t.entries[idx] = &table{}
		}
		t = t.entries[idx]
	}
	idx := vaIndex(va, Levels-1)
	return &t.leaf[idx]
}

/// GetPTE walks the table for va, allocating intermediate levels when
/// alloc is set. Returns nil if the mapping (or an ancestor table) is
/// absent and alloc is false.
func (pd *Pgdir) GetPTE(va uint64, alloc bool) *PTE {
	return pd.walk(va, alloc)
}

/// Map installs page at va with the given flags, overwriting any prior
/// entry. Used by UvmAlloc, the fault handler, and Copy.
func (pd *Pgdir) Map(va uint64, page mem.Page, flags int) {
	pte := pd.walk(va, true)
	*pte = PTE{Page: page, Flags: flags | PTE_VALID}
	InvalidateRange(va, mem.PageSize)
}

/// Unmap clears the mapping at va, freeing the underlying page.
/// Returns true if a mapping was actually present.
func (pd *Pgdir) Unmap(va uint64) bool {
	pte := pd.walk(va, false)
	if pte == nil || !pte.present() {
		return false
	}
	pd.arena.FreePage(pte.Page)
	*pte = PTE{}
	InvalidateRange(va, mem.PageSize)
	return true
}

// freeTable recursively frees a non-leaf table's children (levels 0-2)
// or discards leaf flags (level 3, whose data pages are owned by
// Sections and freed separately by Sbrk/Free). Grounded on free_pgdir's
// depth-first walk: it frees the pages that make up the table itself,
// never the pages the table describes.
func freeTable(t *table, level int) {
	if level == Levels-1 {
		return
	}
	for _, child := range t.entries {
		if child != nil {
			freeTable(child, level+1)
		}
	}
}

/// Free releases every page this pgdir still maps (walking its
/// sections) and then the table structure itself. Grounded on
/// free_pgdir: leaf data pages are freed first (per section, since that
/// is where ownership lives), then intermediate tables are discarded to
/// the garbage collector (they hold no arena pages of their own in this
/// software walk — table nodes are plain Go structs, not arena pages,
/// since there is no physical backing store to reclaim for them).
func (pd *Pgdir) Free() {
	for _, s := range pd.Sections {
		for va := s.Begin; va < s.End; va += mem.PageSize {
			pd.Unmap(va)
		}
	}
	freeTable(pd.root, 0)
	pd.root = &table{}
	pd.Sections = nil
}

/// InvalidateRange is the TLB-invalidation hook every install/unmap
/// calls, standing in for AArch64's `tlbi` broadcast (spec.md §5's
/// "every installing write is followed by a tlbi covering the
/// inner-shareable domain"). There is no real TLB in a goroutine-hosted
/// simulation — every "core" reads the same Pgdir struct directly — so
/// this is a documented no-op hook rather than a real shootdown.
func InvalidateRange(va uint64, length int) {}

/// Copy performs vm_copy: a deep copy of every present leaf mapping
/// that lies inside one of src's sections into a freshly allocated
/// Pgdir over the same arena (mappings outside every section are not
/// copied), installed
/// with user-data flags (a future optimization could instead mark both
/// sides read-only/COW, per spec.md §4.3's note, but this kernel copies
/// eagerly). Grounded on vm_copy.
func Copy(arena *mem.Arena, src *Pgdir) (*Pgdir, bool) {
	dst := NewPgdir(arena)
	for _, s := range src.Sections {
		dst.Sections = append(dst.Sections, &Section{Begin: s.Begin, End: s.End, Flags: s.Flags})
		for va := s.Begin; va < s.End; va += mem.PageSize {
			pte := src.walk(va, false)
			if pte == nil || !pte.present() {
				continue
			}
			np, ok := arena.AllocPage()
			if !ok {
				dst.Free()
				return nil, false
			}
			copy(arena.Bytes(np), arena.Bytes(pte.Page))
			dst.Map(va, np, PTE_USER_DATA)
		}
	}
	return dst, true
}

/// Copyout byte-copies src into pgdir's user pages starting at va,
/// allocating pages on demand for any absent mapping (used by exec to
/// build the initial argv/envp stack). Grounded on copyout.
func Copyout(pgdir *Pgdir, va uint64, src []byte) bool {
	for len(src) > 0 {
		pageVA := va &^ (mem.PageSize - 1)
		off := int(va - pageVA)
		pte := pgdir.walk(pageVA, true)
		if !pte.present() {
			p, ok := pgdir.arena.AllocPage()
			if !ok {
				return false
			}
			*pte = PTE{Page: p, Flags: PTE_USER_DATA}
		}
		n := min(len(src), mem.PageSize-off)
		copy(pgdir.arena.Bytes(pte.Page)[off:off+n], src[:n])
		src = src[n:]
		va += uint64(n)
	}
	return true
}

/// Copyin byte-copies out of pgdir's user pages starting at va into
/// dst, failing if any page the range touches is unmapped. The
/// counterpart to Copyout, used by the syscall layer to pull argument
/// buffers (paths, iovecs, write data) in from user space.
func Copyin(pgdir *Pgdir, va uint64, dst []byte) bool {
	for len(dst) > 0 {
		pageVA := va &^ (mem.PageSize - 1)
		off := int(va - pageVA)
		pte := pgdir.walk(pageVA, false)
		if pte == nil || !pte.present() {
			return false
		}
		n := min(len(dst), mem.PageSize-off)
		copy(dst, pgdir.arena.Bytes(pte.Page)[off:off+n])
		dst = dst[n:]
		va += uint64(n)
	}
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
