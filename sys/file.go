package sys

import (
	"encoding/binary"

	"oslab/fs"
	"oslab/klimits"
	"oslab/proc"
	"oslab/vm"
)

// open(2) mode bits this kernel recognizes, matching their Linux
// aarch64 values so a user program's own <fcntl.h> constants line up.
const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2
	O_CREAT  = 0x40
)

const maxPathLen = 256

// fd2file returns the open File for fd, or nil if fd is out of range
// or unused. Grounded on fd2file.
func fd2file(p *proc.Proc, fd int) *fs.File {
	if fd < 0 || fd >= len(p.Files) {
		return nil
	}
	return p.Files[fd]
}

// fdalloc installs f in the first free slot of p's descriptor table,
// or returns -1 if it is full. Grounded on fdalloc.
func fdalloc(p *proc.Proc, f *fs.File) int {
	for i, e := range p.Files {
		if e == nil {
			p.Files[i] = f
			return i
		}
	}
	return -1
}

func sysIoctl(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	request := a[1]
	if request != 0x5413 {
		return -1
	}
	return 0
}

// sysMmap and sysMunmap are unimplemented stubs, grounded on the
// original's own TODO bodies: mmap always reports success without
// actually mapping anything, munmap reports the requested range as
// unmapped regardless of whether it ever was.
func sysMmap(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	return 0
}

func sysMunmap(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	addr, length := a[0], a[1]
	return int64(addr + length)
}

func sysDup(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	f := fd2file(p, int(int32(a[0])))
	if f == nil {
		return -1
	}
	fd := fdalloc(p, f)
	if fd < 0 {
		return -1
	}
	p.Ftab.Dup(f)
	return int64(fd)
}

func sysRead(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	f := fd2file(p, int(int32(a[0])))
	size := int(int32(a[2]))
	if f == nil || size <= 0 || !userWriteable(p, a[1], size) {
		return -1
	}
	buf := make([]byte, size)
	n, errno := f.Read(background, buf)
	if errno != 0 {
		return -1
	}
	if !vm.Copyout(p.Pgdir, a[1], buf[:n]) {
		return -1
	}
	return int64(n)
}

func sysWrite(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	f := fd2file(p, int(int32(a[0])))
	size := int(int32(a[2]))
	if f == nil || size <= 0 || !userReadable(p, a[1], size) {
		return -1
	}
	buf := make([]byte, size)
	if !vm.Copyin(p.Pgdir, a[1], buf) {
		return -1
	}
	n, errno := f.Write(background, p.Cache, klimits.Default.OpMaxBlks, buf)
	if errno != 0 {
		return -1
	}
	return int64(n)
}

// iovec mirrors struct iovec's layout: a user VA and a length, packed
// 16 bytes apart. Grounded on sysfile.c's struct iovec.
const iovecSize = 16

func sysWritev(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	f := fd2file(p, int(int32(a[0])))
	iovcnt := int(int32(a[2]))
	if f == nil || iovcnt <= 0 || !userReadable(p, a[1], iovcnt*iovecSize) {
		return -1
	}
	var total int64
	for i := 0; i < iovcnt; i++ {
		ent := make([]byte, iovecSize)
		if !vm.Copyin(p.Pgdir, a[1]+uint64(i*iovecSize), ent) {
			return -1
		}
		base := binary.LittleEndian.Uint64(ent[0:8])
		length := int(binary.LittleEndian.Uint64(ent[8:16]))
		if !userReadable(p, base, length) {
			return -1
		}
		buf := make([]byte, length)
		if !vm.Copyin(p.Pgdir, base, buf) {
			return -1
		}
		n, errno := f.Write(background, p.Cache, klimits.Default.OpMaxBlks, buf)
		if errno != 0 {
			return -1
		}
		total += int64(n)
	}
	return total
}

func sysClose(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	fd := int(int32(a[0]))
	f := fd2file(p, fd)
	if f == nil {
		return -1
	}
	p.Files[fd] = nil
	ctx := p.Cache.BeginOp()
	p.Ftab.Close(ctx, f)
	p.Cache.EndOp(ctx)
	return 0
}

func sysFstat(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	f := fd2file(p, int(int32(a[0])))
	if f == nil || !userWriteable(p, a[1], statSize) {
		return -1
	}
	var st fs.Stat
	if errno := f.Stat(&st); errno != 0 {
		return -1
	}
	buf := marshalStat(&st)
	if !vm.Copyout(p.Pgdir, a[1], buf) {
		return -1
	}
	return 0
}

func sysNewfstatat(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	dirfd := int(int32(a[0]))
	path, errno := copyInString(p, a[1], maxPathLen)
	if errno != 0 || !userWriteable(p, a[2], statSize) {
		return -1
	}
	if dirfd != atFdcwd || a[3] != 0 {
		return -1
	}

	ctx := fsys.Cache.BeginOp()
	ip := fsys.NameI(path, p.Cwd)
	if ip == nil {
		fsys.Cache.EndOp(ctx)
		return -1
	}
	ip.Lock()
	var st fs.Stat
	ip.StatInto(&st)
	ip.Unlock()
	fsys.Put(ctx, ip)
	fsys.Cache.EndOp(ctx)

	buf := marshalStat(&st)
	if !vm.Copyout(p.Pgdir, a[2], buf) {
		return -1
	}
	return 0
}

// isdirempty reports whether dp (locked, a directory) has no entries
// besides "." and "..". Grounded on isdirempty.
func isdirempty(dp *fs.Inode) bool { return dp.IsEmpty() }

func sysUnlinkat(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	dirfd := int(int32(a[0]))
	path, errno := copyInString(p, a[1], maxPathLen)
	if errno != 0 || dirfd != atFdcwd || int32(a[2]) != 0 {
		return -1
	}

	ctx := fsys.Cache.BeginOp()
	dp, name := fsys.NameIParent(path, p.Cwd)
	if dp == nil {
		fsys.Cache.EndOp(ctx)
		return -1
	}
	dp.Lock()

	if name == "." || name == ".." {
		dp.Unlock()
		fsys.Put(ctx, dp)
		fsys.Cache.EndOp(ctx)
		return -1
	}

	inum, off := dp.Lookup(name)
	if inum == 0 {
		dp.Unlock()
		fsys.Put(ctx, dp)
		fsys.Cache.EndOp(ctx)
		return -1
	}
	ip := fsys.Inodes.Get(int(inum))
	ip.Lock()

	if ip.Disk.Type == fs.T_DIR && !isdirempty(ip) {
		ip.Unlock()
		fsys.Put(ctx, ip)
		dp.Unlock()
		fsys.Put(ctx, dp)
		fsys.Cache.EndOp(ctx)
		return -1
	}

	dp.Remove(ctx, off)
	if ip.Disk.Type == fs.T_DIR {
		dp.Disk.NumLinks--
		dp.Sync(ctx)
	}
	dp.Unlock()
	fsys.Put(ctx, dp)

	ip.Disk.NumLinks--
	ip.Sync(ctx)
	ip.Unlock()
	fsys.Put(ctx, ip)
	fsys.Cache.EndOp(ctx)
	return 0
}

func sysOpenat(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	dirfd := int(int32(a[0]))
	path, perr := copyInString(p, a[1], maxPathLen)
	if perr != 0 || dirfd != atFdcwd {
		return -1
	}
	omode := int32(a[2])

	ctx := fsys.Cache.BeginOp()
	var ip *fs.Inode
	if omode&O_CREAT != 0 {
		created, errno := fsys.Create(ctx, path, fs.T_FILE, 0, 0, p.Cwd)
		if errno != 0 {
			fsys.Cache.EndOp(ctx)
			return -1
		}
		ip = created
	} else {
		ip = fsys.NameI(path, p.Cwd)
		if ip == nil {
			fsys.Cache.EndOp(ctx)
			return -1
		}
		ip.Lock()
	}

	f := p.Ftab.Alloc()
	var fd int
	if f != nil {
		fd = fdalloc(p, f)
	}
	if f == nil || fd < 0 {
		if f != nil {
			p.Ftab.Close(ctx, f)
		}
		ip.Unlock()
		fsys.Put(ctx, ip)
		fsys.Cache.EndOp(ctx)
		return -1
	}
	ip.Unlock()
	fsys.Cache.EndOp(ctx)

	f.Kind = fs.FD_INODE
	f.Inode = ip
	f.Off = 0
	f.Readable = omode&O_WRONLY == 0
	f.Writable = omode&O_WRONLY != 0 || omode&O_RDWR != 0
	return int64(fd)
}

func sysMkdirat(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	dirfd := int(int32(a[0]))
	path, perr := copyInString(p, a[1], maxPathLen)
	if perr != 0 || dirfd != atFdcwd || int32(a[2]) != 0 {
		return -1
	}
	ctx := fsys.Cache.BeginOp()
	ip, errno := fsys.Create(ctx, path, fs.T_DIR, 0, 0, p.Cwd)
	if errno != 0 {
		fsys.Cache.EndOp(ctx)
		return -1
	}
	ip.Unlock()
	fsys.Put(ctx, ip)
	fsys.Cache.EndOp(ctx)
	return 0
}

func sysMknodat(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	dirfd := int(int32(a[0]))
	path, perr := copyInString(p, a[1], maxPathLen)
	if perr != 0 || dirfd != atFdcwd {
		return -1
	}
	dev := a[3]
	major := uint16(dev >> 8)
	minor := uint16(dev)

	ctx := fsys.Cache.BeginOp()
	ip, errno := fsys.Create(ctx, path, fs.T_DEV, major, minor, p.Cwd)
	if errno != 0 {
		fsys.Cache.EndOp(ctx)
		return -1
	}
	ip.Unlock()
	fsys.Put(ctx, ip)
	fsys.Cache.EndOp(ctx)
	return 0
}

func sysChdir(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	path, errno := copyInString(p, a[0], maxPathLen)
	if errno != 0 {
		return -1
	}
	ctx := fsys.Cache.BeginOp()
	ip := fsys.NameI(path, p.Cwd)
	if ip == nil {
		fsys.Cache.EndOp(ctx)
		return -1
	}
	ip.Lock()
	if ip.Disk.Type != fs.T_DIR {
		ip.Unlock()
		fsys.Put(ctx, ip)
		fsys.Cache.EndOp(ctx)
		return -1
	}
	ip.Unlock()
	fsys.Put(ctx, p.Cwd)
	fsys.Cache.EndOp(ctx)
	p.Cwd = ip
	return 0
}

func sysPipe2(p *proc.Proc, fsys *fs.Fs_t, a Args) int64 {
	flags := int32(a[1])
	if flags != 0 || !userWriteable(p, a[0], 8) {
		return -1
	}
	rf, wf, errno := fs.PipeAlloc(p.Ftab, fs.DefaultPipeSize(nil))
	if errno != 0 {
		return -1
	}
	fdr := fdalloc(p, rf)
	fdw := fdalloc(p, wf)
	if fdr < 0 || fdw < 0 {
		if fdr >= 0 {
			p.Files[fdr] = nil
		}
		if fdw >= 0 {
			p.Files[fdw] = nil
		}
		ctx := p.Cache.BeginOp()
		p.Ftab.Close(ctx, rf)
		p.Ftab.Close(ctx, wf)
		p.Cache.EndOp(ctx)
		return -1
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fdr))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(fdw))
	if !vm.Copyout(p.Pgdir, a[0], buf) {
		return -1
	}
	return 0
}

// statSize is the marshaled byte size of fs.Stat, laid out field by
// field rather than via unsafe/binary struct tags since Stat mixes
// uint32 and uint64 fields.
const statSize = 4 + 4 + 4 + 8 + 4

func marshalStat(st *fs.Stat) []byte {
	buf := make([]byte, statSize)
	binary.LittleEndian.PutUint32(buf[0:4], st.Dev)
	binary.LittleEndian.PutUint32(buf[4:8], st.Ino)
	binary.LittleEndian.PutUint32(buf[8:12], st.Mode)
	binary.LittleEndian.PutUint64(buf[12:20], st.Size)
	binary.LittleEndian.PutUint32(buf[20:24], st.Rdev)
	return buf
}
