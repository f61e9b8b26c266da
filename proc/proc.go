// Package proc implements process creation/destruction, parent/child
// bookkeeping, kill/wait/exit semantics, and the per-CPU round-robin
// scheduler — the L4 process and scheduler layer of the kernel core.
package proc

import (
	"context"

	"oslab/fs"
	"oslab/kerr"
	"oslab/klimits"
	"oslab/klock"
	"oslab/mem"
	"oslab/vm"
)

var contextBackground = context.Background()

/// EntryFunc is the body a process runs once scheduled in, the
/// goroutine-hosted analogue of proc_entry(entry, arg) jumping into
/// user/kernel code. A well-behaved Entry calls p.Yield periodically so
/// the per-CPU timer's cooperative preemption has somewhere to act, and
/// returns to let the caller implicitly Exit(0) if it doesn't call Exit
/// itself.
type EntryFunc func(p *Proc)

/// Proc is one process: its scheduling state, its parent/child links,
/// its address space, and its open-file table. Grounded on
/// kernel/proc.h's struct Proc.
type Proc struct {
	sched *Scheduler

	Pid      int
	State    State
	Killed   bool
	Idle     bool
	ExitCode int

	Parent   *Proc
	Children []*Proc

	ChildExit *klock.Sem

	Pgdir *vm.Pgdir
	Arena *mem.Arena

	// UserPC/UserSP stand in for the saved user trap frame's elr/sp:
	// the address and stack pointer the process resumes at on its next
	// trip to user mode. execve overwrites both via SwapPgdir/SetSP.
	UserPC uint64
	UserSP uint64

	Files  []*fs.File
	Ftab   *fs.FTable
	Inodes *fs.InodeTable
	Cache  *fs.Cache
	Cwd    *fs.Inode

	CPUIndex int

	resume         chan struct{}
	preemptPending bool

	entry EntryFunc
	done  chan struct{}
}

func newProc(s *Scheduler, arena *mem.Arena, ftab *fs.FTable, inodes *fs.InodeTable, cache *fs.Cache) *Proc {
	p := &Proc{
		sched:     s,
		Pid:       s.AllocPid(),
		State:     UNUSED,
		ChildExit: klock.MkSem(0),
		Pgdir:     vm.NewPgdir(arena),
		Arena:     arena,
		Files:     make([]*fs.File, klimits.Default.NOFILE),
		Ftab:      ftab,
		Inodes:    inodes,
		Cache:     cache,
		resume:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	return p
}

/// InitRootProc constructs the kernel's root process, its own parent,
/// grounded on init_kproc/start_proc(&root_proc, kernel_entry, ...).
func InitRootProc(s *Scheduler, arena *mem.Arena, ftab *fs.FTable, inodes *fs.InodeTable, cache *fs.Cache, cwd *fs.Inode, entry EntryFunc) *Proc {
	root := newProc(s, arena, ftab, inodes, cache)
	root.Parent = root
	s.root = root
	root.Cwd = cwd
	startProc(s, root, entry)
	return root
}

// startProc finishes initializing a freshly allocated proc (parenting
// it to root if unparented), activates it, and launches its goroutine.
// Grounded on start_proc.
func startProc(s *Scheduler, p *Proc, entry EntryFunc) int {
	s.treeMu.Lock()
	if p.Parent == nil {
		p.Parent = s.root
		s.root.Children = append(s.root.Children, p)
	}
	s.treeMu.Unlock()

	p.entry = entry
	go p.run()
	s.Activate(p, false)
	return p.Pid
}

// run is the process's dedicated goroutine: it waits to be scheduled
// in (unless it is already RUNNING, as the idle procs are at boot),
// runs Entry, and implicitly exits once Entry returns if the process
// hasn't already become a ZOMBIE.
func (p *Proc) run() {
	if p.State != RUNNING {
		<-p.resume
	}
	if p.entry != nil {
		p.entry(p)
	}
	if p.State != ZOMBIE {
		p.Exit(0)
	}
	close(p.done)
}

/// Yield is the cooperative preemption checkpoint an Entry body calls
/// between units of work; it honors a pending timer tick by
/// transitioning RUNNABLE, matching sched_timer_handler's
/// sched(RUNNABLE) without requiring true asynchronous preemption.
func (p *Proc) Yield() {
	p.sched.mu.Lock()
	pending := p.preemptPending
	p.preemptPending = false
	p.sched.mu.Unlock()
	if pending {
		p.Sched(RUNNABLE)
	}
}

/// Sched is the public form of the scheduler's sched() primitive,
/// called by a process on itself to change its own state and hand off
/// the CPU. Grounded on sched().
func (p *Proc) Sched(newState State) {
	p.sched.sched(p, newState)
}

/// Fork allocates a child proc, deep-copies the parent's address space
/// via vm.Copy, dups every open file descriptor, shares the cwd inode,
/// links the child into the process tree, and activates it to start
/// its own Entry at the head of its body (conventionally reading from
/// fork's zero return value). Grounded on fork().
func (p *Proc) Fork(entry EntryFunc) (*Proc, kerr.Errno) {
	child := newProc(p.sched, p.Arena, p.Ftab, p.Inodes, p.Cache)

	cpgdir, ok := vm.Copy(p.Arena, p.Pgdir)
	if !ok {
		p.sched.recyclePid(child.Pid)
		return nil, kerr.ENOMEM
	}
	child.Pgdir = cpgdir

	for i, f := range p.Files {
		if f != nil {
			child.Files[i] = p.Ftab.Dup(f)
		}
	}
	if p.Cwd != nil {
		child.Cwd = p.Inodes.Share(p.Cwd)
	}

	p.sched.treeMu.Lock()
	child.Parent = p
	p.Children = append(p.Children, child)
	p.sched.treeMu.Unlock()

	startProc(p.sched, child, entry)
	return child, 0
}

/// Exit marks the process's exit code, reparents every child to root
/// (posting root's childexit for any already-ZOMBIE child), closes
/// every open file, releases the cwd inode, frees the address space,
/// wakes the parent's wait, and transitions to ZOMBIE. Grounded on
/// exit().
func (p *Proc) Exit(code int) {
	p.ExitCode = code

	s := p.sched
	s.treeMu.Lock()
	root := s.root
	alreadyZombie := 0
	for _, c := range p.Children {
		c.Parent = root
		if c.State == ZOMBIE {
			alreadyZombie++
		}
	}
	if len(p.Children) > 0 {
		root.Children = append(root.Children, p.Children...)
	}
	p.Children = nil
	s.treeMu.Unlock()
	for i := 0; i < alreadyZombie; i++ {
		root.ChildExit.Post()
	}

	ctx := p.Cache.BeginOp()
	for i, f := range p.Files {
		if f != nil {
			p.Ftab.Close(ctx, f)
			p.Files[i] = nil
		}
	}
	if p.Cwd != nil {
		p.Inodes.Put(ctx, p.Cwd)
		p.Cwd = nil
	}
	p.Cache.EndOp(ctx)
	p.Pgdir.Free()

	// The state transition to ZOMBIE must be visible before the post:
	// a parent woken by ChildExit scans for a ZOMBIE child, and must
	// never observe one still marked RUNNING.
	if p.State == RUNNING {
		p.Sched(ZOMBIE)
	} else {
		s.mu.Lock()
		p.State = ZOMBIE
		s.mu.Unlock()
	}

	p.Parent.ChildExit.Post()
}

/// Wait blocks for any child to become a ZOMBIE, then reaps it: detach
/// from the tree, read its exit code, recycle its pid, and return its
/// pid. Returns -1 if the caller has no children. Grounded on wait().
func (p *Proc) Wait() (int, int) {
	s := p.sched
	s.treeMu.Lock()
	if len(p.Children) == 0 {
		s.treeMu.Unlock()
		return -1, 0
	}
	s.treeMu.Unlock()

	if !p.ChildExit.Wait(contextBackground) {
		return -1, 0
	}

	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	for i, c := range p.Children {
		s.mu.Lock()
		isZombie := c.State == ZOMBIE
		s.mu.Unlock()
		if isZombie {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			exitcode := c.ExitCode
			pid := c.Pid
			s.recyclePid(pid)
			return pid, exitcode
		}
	}
	return -1, 0
}

// search performs the depth-first process-tree walk kill() uses to
// locate a pid. Grounded on search().
func search(pid int, cur *Proc) *Proc {
	if cur.Pid == pid && cur.State != UNUSED {
		return cur
	}
	for _, c := range cur.Children {
		if found := search(pid, c); found != nil {
			return found
		}
	}
	return nil
}

/// Kill locates pid in the process tree, sets its killed flag, and
/// alerts an alertable sleeper. Returns false if pid was not found.
/// Grounded on kill().
func (s *Scheduler) Kill(pid int) bool {
	s.treeMu.Lock()
	target := search(pid, s.root)
	s.treeMu.Unlock()
	if target == nil {
		return false
	}
	s.mu.Lock()
	target.Killed = true
	s.mu.Unlock()
	s.Alert(target)
	return true
}

/// Done reports, via a channel closed on exit, when this process's
/// goroutine has fully exited, letting tests and cmd/kerneld
/// synchronize on completion without reaching into scheduler internals.
func (p *Proc) Done() <-chan struct{} { return p.done }

/// CwdInode returns the process's current working directory inode,
/// satisfying exec.execProc for execve.
func (p *Proc) CwdInode() *fs.Inode { return p.Cwd }

/// ArenaMem returns the physical-page arena backing this process's
/// address space, satisfying exec.execProc.
func (p *Proc) ArenaMem() *mem.Arena { return p.Arena }

/// SwapPgdir installs next as the process's address space and returns
/// the previous one, for the caller to free once it has finished using
/// it (execve frees the old pgdir only after confirming the new one
/// loaded successfully). Grounded on execve's `cur->pgdir = *pgd`.
func (p *Proc) SwapPgdir(next *vm.Pgdir) *vm.Pgdir {
	old := p.Pgdir
	p.Pgdir = next
	return old
}

/// SetSP records the initial user stack pointer execve built, stored
/// until the process's next return to user mode installs it into the
/// trap frame.
func (p *Proc) SetSP(sp uint64) { p.UserSP = sp }

/// Body returns the EntryFunc this process was started with. The
/// fork syscall has no trapframe to copy the way execve's assembly
/// convention does in the original, so the sys package reuses a
/// process's own Body as its child's Entry rather than resuming
/// mid-function. The child starts Body from the top with its own
/// non-zero pid and never sees fork's return value, so a Body has to
/// tell parent and child apart by state of its own.
func (p *Proc) Body() EntryFunc { return p.entry }

/// KillPid locates pid anywhere in the process tree and kills it,
/// the per-process handle to Scheduler.Kill the sys package's kill
/// syscall dispatches into.
func (p *Proc) KillPid(pid int) bool { return p.sched.Kill(pid) }

/// IsKilled reports whether Kill has targeted this process, the
/// lock-guarded read of the flag a killed process's Entry should poll
/// after an alertable Sched call returns. Grounded on the killed-flag
/// check inside fork()/sched() in kernel/proc.c.
func (p *Proc) IsKilled() bool {
	p.sched.mu.Lock()
	defer p.sched.mu.Unlock()
	return p.Killed
}

/// GetState returns the process's current scheduling state under the
/// scheduler's lock, for callers outside the package (tests, cmd/kerneld
/// diagnostics) that need to observe it safely instead of racing the
/// field directly.
func (p *Proc) GetState() State {
	p.sched.mu.Lock()
	defer p.sched.mu.Unlock()
	return p.State
}
