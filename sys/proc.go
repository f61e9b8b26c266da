package sys

import (
	"encoding/binary"

	"oslab/exec"
	"oslab/fs"
	"oslab/proc"
	"oslab/vm"
)

// maxExecArgs bounds how many argv/envp pointer-vector entries execve
// reads before giving up, guarding against a corrupt or malicious
// pointer array running the scan unbounded. Grounded on execve's own
// fixed argv[10]/envp[10] arrays.
const maxExecArgs = 10

// maxArgLen bounds a single argv/envp string, matching the path
// length limit the rest of the syscall surface uses.
const maxArgLen = 128

func sysExecve(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	path, errno := copyInString(p, a[0], maxPathLen)
	if errno != 0 {
		return -1
	}
	argv, ok := readStringVector(p, a[1])
	if !ok {
		return -1
	}
	envp, ok := readStringVector(p, a[2])
	if !ok {
		return -1
	}

	entry, xerr := exec.Exec(p, fsys, path, argv, envp)
	if xerr != 0 {
		return -1
	}
	p.UserPC = entry
	return 0
}

// readStringVector reads a NUL-pointer-terminated array of string
// pointers (argv/envp's shape) out of user space. A zero va is read
// as an empty vector, matching a caller passing NULL for envp.
func readStringVector(p *proc.Proc, va uint64) ([]string, bool) {
	if va == 0 {
		return nil, true
	}
	var out []string
	ptrBuf := make([]byte, 8)
	for i := 0; i < maxExecArgs; i++ {
		if !userReadable(p, va+uint64(i)*8, 8) || !vm.Copyin(p.Pgdir, va+uint64(i)*8, ptrBuf) {
			return nil, false
		}
		strVA := binary.LittleEndian.Uint64(ptrBuf)
		if strVA == 0 {
			return out, true
		}
		s, errno := copyInString(p, strVA, maxArgLen)
		if errno != 0 {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func sysFork(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	child, errno := p.Fork(p.Body())
	if errno != 0 {
		return -1
	}
	return int64(child.Pid)
}

func sysWait(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	statusVA := a[0]
	if statusVA != 0 && !userWriteable(p, statusVA, 4) {
		return -1
	}
	pid, code := p.Wait()
	if pid < 0 {
		return -1
	}
	if statusVA != 0 {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(int32(code)))
		if !vm.Copyout(p.Pgdir, statusVA, buf) {
			return -1
		}
	}
	return int64(pid)
}

// sysExit commits the process to ZOMBIE and returns. The calling
// Entry must return immediately afterward — there is no trapframe
// return path in this simulation for a process that has already
// exited, so an Entry that keeps running after exit() is a caller
// bug, same as falling through exit(2) in a real program would be.
func sysExit(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	p.Exit(int(int32(a[0])))
	return 0
}

func sysKill(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	if !p.KillPid(int(int32(a[0]))) {
		return -1
	}
	return 0
}

func sysSbrk(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	heap := vm.HeapSection(p.Pgdir)
	if heap == nil {
		return -1
	}
	old, errno := vm.Sbrk(p.Pgdir, heap, int(int32(a[0])))
	if errno != 0 {
		return -1
	}
	return int64(old)
}
