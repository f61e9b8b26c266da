package fs

import (
	"context"
	"sync"

	"oslab/kerr"
	"oslab/klimits"
	"oslab/klock"
)

/// Pipe is a ring buffer of PipeSize bytes with monotonically
/// increasing nread/nwrite counters, grounded on fs/pipe.c's
/// struct pipe. Invariant: 0 <= nwrite-nread <= PipeSize.
type Pipe struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	nread     uint64
	nwrite    uint64
	readOpen  bool
	writeOpen bool
}

/// PipeAlloc constructs a pipe and its two File endpoints. Per
/// SPEC_FULL.md/§9, the original's pipe_alloc calls init_read_pipe on
/// both ends (a bug); here the read endpoint is readable-only and the
/// write endpoint writable-only, both sharing the one buffer.
func PipeAlloc(t *FTable, size int) (*File, *File, kerr.Errno) {
	rf := t.Alloc()
	if rf == nil {
		return nil, nil, kerr.EMFILE
	}
	wf := t.Alloc()
	if wf == nil {
		t.Close(nil, rf)
		return nil, nil, kerr.EMFILE
	}
	p := &Pipe{
		buf:       make([]byte, size),
		readOpen:  true,
		writeOpen: true,
	}
	p.cond = sync.NewCond(&p.mu)

	rf.Kind, rf.Readable, rf.Writable, rf.Pipe, rf.PipeRd = FD_PIPE, true, false, p, true
	wf.Kind, wf.Readable, wf.Writable, wf.Pipe, wf.PipeRd = FD_PIPE, false, true, p, false
	return rf, wf, 0
}

/// Close marks one endpoint closed; if both ends are now closed the
/// pipe is abandoned to the garbage collector (there is no separate
/// free list the way a C kernel needs one). Grounded on pipe_close.
func (p *Pipe) Close(readEnd bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if readEnd {
		p.readOpen = false
	} else {
		p.writeOpen = false
	}
	p.cond.Broadcast()
}

/// Read blocks only while the buffer is empty and the writer is still
/// open; returns 0 (EOF) once the writer has closed and the buffer is
/// drained. An alertable wait: killing the caller aborts the read.
/// Grounded on pipe_read.
func (p *Pipe) Read(ctx context.Context, dst []byte) (int, kerr.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.nread == p.nwrite && p.writeOpen {
		if !klock.CondWaitAlertable(ctx, p.cond) {
			return 0, kerr.EINTR
		}
	}
	n := 0
	for n < len(dst) && p.nread < p.nwrite {
		dst[n] = p.buf[p.nread%uint64(len(p.buf))]
		p.nread++
		n++
	}
	p.cond.Broadcast()
	return n, 0
}

/// Write blocks while the buffer is full (one byte at a time,
/// matching the original's per-byte blocking loop), failing if the
/// caller is killed or the reader has closed. Grounded on pipe_write.
func (p *Pipe) Write(ctx context.Context, src []byte) (int, kerr.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(src); i++ {
		for p.nwrite-p.nread == uint64(len(p.buf)) {
			if !p.readOpen {
				return i, kerr.EPIPE
			}
			if !klock.CondWaitAlertable(ctx, p.cond) {
				return i, kerr.EINTR
			}
		}
		if !p.readOpen {
			return i, kerr.EPIPE
		}
		p.buf[p.nwrite%uint64(len(p.buf))] = src[i]
		p.nwrite++
		p.cond.Broadcast()
	}
	return len(src), 0
}

/// DefaultPipeSize is used when callers don't override it from
/// klimits.
func DefaultPipeSize(limits *klimits.Limits_t) int {
	if limits == nil || limits.PipeSize <= 0 {
		return 4096
	}
	return limits.PipeSize
}
