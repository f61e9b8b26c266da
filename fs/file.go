package fs

import (
	"context"
	"sync"

	"oslab/kerr"
)

/// FileKind tags the variant a File object holds, grounded on
/// fs/file.h's enum fd_type.
type FileKind int

const (
	FD_NONE FileKind = iota
	FD_INODE
	FD_PIPE
	FD_DEVICE
)

/// File is the tagged, refcounted global file-object the open-file
/// table hands out, grounded on fs/file.c's struct file.
type File struct {
	Kind     FileKind
	ref      int
	Readable bool
	Writable bool
	Inode    *Inode
	Off      int
	Pipe     *Pipe
	PipeRd   bool // this end is the pipe's read end
}

/// FTable is the global fixed-size file-object pool, grounded on
/// fs/file.c's static struct ftable.
type FTable struct {
	fs *Fs_t
	mu sync.Mutex
	files []*File
}

/// NewFTable allocates a pool of n file objects, grounded on
/// init_ftable.
func NewFTable(fs *Fs_t, n int) *FTable {
	t := &FTable{fs: fs, files: make([]*File, n)}
	for i := range t.files {
		t.files[i] = &File{}
	}
	return t
}

/// Alloc returns an unused File with ref==1, or nil if the pool is
/// exhausted. Grounded on file_alloc.
func (t *FTable) Alloc() *File {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.files {
		if f.ref == 0 {
			f.ref = 1
			return f
		}
	}
	return nil
}

/// Dup increments f's refcount. Grounded on file_dup.
func (t *FTable) Dup(f *File) *File {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.ref++
	return f
}

/// Close decrements f's refcount, releasing the underlying inode or
/// pipe once it reaches zero. Grounded on file_close.
func (t *FTable) Close(ctx *OpContext, f *File) {
	t.mu.Lock()
	f.ref--
	if f.ref > 0 {
		t.mu.Unlock()
		return
	}
	kind, ip, pipe, pipeRd := f.Kind, f.Inode, f.Pipe, f.PipeRd
	*f = File{}
	t.mu.Unlock()

	switch kind {
	case FD_INODE, FD_DEVICE:
		t.fs.Put(ctx, ip)
	case FD_PIPE:
		pipe.Close(pipeRd)
	}
}

/// Stat fills st from f's inode; only FD_INODE and FD_DEVICE files
/// have one, and any other kind returns EINVAL.
/// Grounded on file_stat.
func (f *File) Stat(st *Stat) kerr.Errno {
	if f.Kind != FD_INODE && f.Kind != FD_DEVICE {
		return kerr.EINVAL
	}
	f.Inode.Lock()
	f.Inode.StatInto(st)
	f.Inode.Unlock()
	return 0
}

/// Read dispatches to the pipe or inode reader and advances f's
/// offset for inode files. cctx carries the calling process's
/// alertable-cancellation signal through to a pipe wait. Grounded on
/// file_read.
func (f *File) Read(cctx context.Context, dst []byte) (int, kerr.Errno) {
	if !f.Readable {
		return 0, kerr.EBADF
	}
	switch f.Kind {
	case FD_PIPE:
		return f.Pipe.Read(cctx, dst)
	case FD_INODE, FD_DEVICE:
		f.Inode.Lock()
		n := f.Inode.Read(dst, f.Off, len(dst))
		if n > 0 {
			f.Off += n
		}
		f.Inode.Unlock()
		return n, 0
	}
	return 0, 0
}

/// Write dispatches to the pipe or inode writer, chunking large inode
/// writes so each chunk fits the log's per-op block budget. Grounded
/// on file_write.
func (f *File) Write(cctx context.Context, cache *Cache, opMaxBlks int, src []byte) (int, kerr.Errno) {
	if !f.Writable {
		return 0, kerr.EBADF
	}
	switch f.Kind {
	case FD_PIPE:
		return f.Pipe.Write(cctx, src)
	case FD_INODE, FD_DEVICE:
		max := (opMaxBlks - 4) / 2 * BSIZE
		if max <= 0 {
			max = BSIZE
		}
		cur := 0
		for cur < len(src) {
			c := min(len(src)-cur, max)
			opctx := cache.BeginOp()
			f.Inode.Lock()
			n := f.Inode.Write(opctx, src[cur:cur+c], f.Off, c)
			if n > 0 {
				f.Off += n
			}
			f.Inode.Unlock()
			cache.EndOp(opctx)
			if n < 0 {
				break
			}
			cur += n
			if n < c {
				break
			}
		}
		if cur != len(src) {
			return cur, kerr.EINVAL
		}
		return cur, 0
	}
	return 0, 0
}
