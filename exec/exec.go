// Package exec implements the ELF64 program loader: validating the
// header, mapping PT_LOAD segments into a fresh address space, and
// building the argv/envp stack — the L4 exec operation of the kernel
// core.
package exec

import (
	"debug/elf"
	"encoding/binary"

	"oslab/fs"
	"oslab/kerr"
	"oslab/mem"
	"oslab/vm"
)

// USERTOP is the top of the user address range; the initial stack is
// built downward from here. There is no hardware-imposed VA limit in
// this simulation, so the value is simply a round number comfortably
// inside the 4-level table's addressable range.
const USERTOP = uint64(0x0000700000000000)

// maxArgs bounds argv/envp the way the original's fixed argv[10]/envp[10]
// arrays do, grounded on execve's `argc < 10`/`envc < 10` loops.
const maxArgs = 10

// StackPages records execve's stksz rounding to 10*PAGE_SIZE. The
// loader does not consult it: buildStack maps only the pages that the
// argv/envp strings and vectors below USERTOP touch.
const StackPages = 10

const elfHeaderSize = 64
const phdrSize = 56

/// Exec replaces p's address space with the program at path: it reads
/// and validates the ELF64 header, maps every PT_LOAD segment into a
/// freshly built Pgdir, copies segment bytes in through the inode, and
/// constructs the argv/envp stack below USERTOP. It installs the new
/// Pgdir into p and returns the entry point only once every step has
/// succeeded — any failure leaves p's existing address space untouched
/// and returns an error rather than panicking, per the loader's
/// explicit error-propagation requirement. Grounded on execve().
func Exec(p execProc, fsys *fs.Fs_t, path string, argv, envp []string) (entry uint64, err kerr.Errno) {
	ctx := fsys.Cache.BeginOp()
	ip := fsys.NameI(path, p.CwdInode())
	if ip == nil {
		fsys.Cache.EndOp(ctx)
		return 0, kerr.ENOENT
	}
	ip.Lock()

	hdr := make([]byte, elfHeaderSize)
	if n := ip.Read(hdr, 0, elfHeaderSize); n != elfHeaderSize {
		ip.Unlock()
		fsys.Put(ctx, ip)
		fsys.Cache.EndOp(ctx)
		return 0, kerr.ENOEXEC
	}
	if err := validateHeader(hdr); err != 0 {
		ip.Unlock()
		fsys.Put(ctx, ip)
		fsys.Cache.EndOp(ctx)
		return 0, err
	}

	phoff := binary.LittleEndian.Uint64(hdr[32:40])
	phnum := binary.LittleEndian.Uint16(hdr[56:58])
	entryVA := binary.LittleEndian.Uint64(hdr[24:32])

	arena := p.ArenaMem()
	npg := vm.NewPgdir(arena)

	var maxVA uint64
	ok := true
	for i := uint16(0); i < phnum && ok; i++ {
		ph := make([]byte, phdrSize)
		if n := ip.Read(ph, int(phoff)+int(i)*phdrSize, phdrSize); n != phdrSize {
			ok = false
			break
		}
		ptype := binary.LittleEndian.Uint32(ph[0:4])
		if ptype != uint32(elf.PT_LOAD) {
			continue
		}
		vaddr := binary.LittleEndian.Uint64(ph[16:24])
		fileOff := binary.LittleEndian.Uint64(ph[8:16])
		filesz := binary.LittleEndian.Uint64(ph[32:40])
		memsz := binary.LittleEndian.Uint64(ph[40:48])

		if memsz < filesz || vaddr+memsz < vaddr {
			ok = false
			break
		}
		if !vm.UvmAlloc(npg, vaddr, vaddr+memsz, vm.PTE_WRITE|vm.PTE_USER) {
			ok = false
			break
		}
		if filesz > 0 {
			buf := make([]byte, filesz)
			if n := ip.Read(buf, int(fileOff), int(filesz)); uint64(n) != filesz {
				ok = false
				break
			}
			if !vm.Copyout(npg, vaddr, buf) {
				ok = false
				break
			}
		}
		if end := vaddr + memsz; end > maxVA {
			maxVA = end
		}
	}

	ip.Unlock()
	fsys.Put(ctx, ip)
	fsys.Cache.EndOp(ctx)

	if !ok {
		npg.Free()
		return 0, kerr.ENOEXEC
	}
	vm.AddSection(npg, alignDown(0), alignUp(maxVA), vm.ST_CODE)
	heapBegin := alignUp(maxVA)
	vm.InitSections(npg, heapBegin)

	sp, buildErr := buildStack(npg, arena, argv, envp)
	if buildErr != 0 {
		npg.Free()
		return 0, buildErr
	}
	vm.AddSection(npg, alignDown(sp), USERTOP, vm.ST_STACK)

	old := p.SwapPgdir(npg)
	old.Free()
	p.SetSP(sp)
	return entryVA, 0
}

// execProc is the slice of *proc.Proc's behavior Exec needs, kept as
// an interface so this package never imports proc (exec is a leaf
// consumed by proc/sys, not the other way around).
type execProc interface {
	CwdInode() *fs.Inode
	ArenaMem() *mem.Arena
	SwapPgdir(next *vm.Pgdir) *vm.Pgdir
	SetSP(sp uint64)
}

func validateHeader(hdr []byte) kerr.Errno {
	if hdr[0] != 0x7f || hdr[1] != 'E' || hdr[2] != 'L' || hdr[3] != 'F' {
		return kerr.ENOEXEC
	}
	if elf.Class(hdr[4]) != elf.ELFCLASS64 {
		return kerr.ENOEXEC
	}
	if elf.Data(hdr[5]) != elf.ELFDATA2LSB {
		return kerr.ENOEXEC
	}
	return 0
}

func alignDown(va uint64) uint64 { return va &^ (mem.PageSize - 1) }
func alignUp(va uint64) uint64   { return (va + mem.PageSize - 1) &^ (mem.PageSize - 1) }

// buildStack lays out argv then envp as NUL-terminated strings from
// USERTOP downward, followed by the envp/argv pointer vectors and an
// argc word, matching execve's construction exactly (strings first,
// highest addresses; then envp[]; then argv[]; then argc at the
// lowest address, 16-byte aligned).
func buildStack(pgd *vm.Pgdir, arena *mem.Arena, argv, envp []string) (uint64, kerr.Errno) {
	if len(argv) > maxArgs {
		argv = argv[:maxArgs]
	}
	if len(envp) > maxArgs {
		envp = envp[:maxArgs]
	}

	sp := USERTOP
	argPtrs := make([]uint64, len(argv))
	envPtrs := make([]uint64, len(envp))

	for i, s := range argv {
		b := append([]byte(s), 0)
		sp -= uint64(len(b))
		if !vm.Copyout(pgd, sp, b) {
			return 0, kerr.ENOMEM
		}
		argPtrs[i] = sp
	}
	for i, s := range envp {
		b := append([]byte(s), 0)
		sp -= uint64(len(b))
		if !vm.Copyout(pgd, sp, b) {
			return 0, kerr.ENOMEM
		}
		envPtrs[i] = sp
	}

	vecWords := uint64(len(argPtrs) + 1 + len(envPtrs) + 1 + 1)
	newsp := ((sp - vecWords*8) / 16) * 16

	argcBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(argcBuf, uint64(len(argPtrs)))
	if !vm.Copyout(pgd, newsp, argcBuf) {
		return 0, kerr.ENOMEM
	}

	argvBase := newsp + 8
	for i, v := range argPtrs {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		if !vm.Copyout(pgd, argvBase+uint64(i)*8, buf) {
			return 0, kerr.ENOMEM
		}
	}
	zero := make([]byte, 8)
	if !vm.Copyout(pgd, argvBase+uint64(len(argPtrs))*8, zero) {
		return 0, kerr.ENOMEM
	}

	envBase := argvBase + uint64(len(argPtrs)+1)*8
	for i, v := range envPtrs {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		if !vm.Copyout(pgd, envBase+uint64(i)*8, buf) {
			return 0, kerr.ENOMEM
		}
	}
	if !vm.Copyout(pgd, envBase+uint64(len(envPtrs))*8, zero) {
		return 0, kerr.ENOMEM
	}

	return newsp, 0
}
