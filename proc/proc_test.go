package proc

import (
	"fmt"
	"testing"
	"time"

	"oslab/bdev"
	"oslab/fs"
	"oslab/klimits"
	"oslab/mem"
)

func newTestEnv(t *testing.T) (*fs.Fs_t, *fs.FTable, *mem.Arena) {
	t.Helper()
	limits := *klimits.MkDefaultLimits()
	disk := bdev.NewMemDisk(4096)
	sb := fs.Format(disk, 64, 200, &limits)
	fsys := fs.NewFs(disk, sb, &limits)
	ftab := fs.NewFTable(fsys, limits.NFILE)
	arena := mem.NewArena(64)
	return fsys, ftab, arena
}

// waitFor polls until cond is true or the deadline passes, since the
// scheduler hands work off across goroutines asynchronously.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestForkWaitExitReturnsChildPidAndCode(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()
	fsys, ftab, arena := newTestEnv(t)

	results := make(chan string, 4)
	var childPid int

	root := InitRootProc(s, arena, ftab, fsys.Inodes, fsys.Cache, fsys.Root(), func(p *Proc) {
		child, errno := p.Fork(func(c *Proc) {
			c.Exit(7)
		})
		if errno != 0 {
			results <- fmt.Sprintf("fork error: %v", errno)
			return
		}
		childPid = child.Pid

		pid, code := p.Wait()
		results <- fmt.Sprintf("%d %d", pid, code)
	})

	select {
	case got := <-results:
		want := fmt.Sprintf("%d %d", childPid, 7)
		if got != want {
			t.Fatalf("wait result = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fork/wait result")
	}
	<-root.Done()
}

func TestWaitWithNoChildrenReturnsMinusOne(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()
	fsys, ftab, arena := newTestEnv(t)

	results := make(chan [2]int, 1)
	root := InitRootProc(s, arena, ftab, fsys.Inodes, fsys.Cache, fsys.Root(), func(p *Proc) {
		pid, code := p.Wait()
		results <- [2]int{pid, code}
	})

	select {
	case got := <-results:
		if got[0] != -1 {
			t.Fatalf("Wait with no children returned pid %d, want -1", got[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	<-root.Done()
}

func TestPidsAreUniqueAcrossForkExitWaitCycles(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()
	fsys, ftab, arena := newTestEnv(t)

	seen := make(chan int, 8)
	root := InitRootProc(s, arena, ftab, fsys.Inodes, fsys.Cache, fsys.Root(), func(p *Proc) {
		for i := 0; i < 5; i++ {
			child, errno := p.Fork(func(c *Proc) { c.Exit(0) })
			if errno != 0 {
				t.Errorf("fork %d failed: %v", i, errno)
				return
			}
			seen <- child.Pid
		}
		for i := 0; i < 5; i++ {
			p.Wait()
		}
	})
	<-root.Done()
	close(seen)

	pids := map[int]bool{}
	for pid := range seen {
		if pids[pid] {
			t.Fatalf("pid %d reused while presumed live", pid)
		}
		pids[pid] = true
	}
	if len(pids) != 5 {
		t.Fatalf("saw %d distinct pids, want 5", len(pids))
	}
}

func TestKillOfSleepingChildCausesExit(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()
	fsys, ftab, arena := newTestEnv(t)

	childStarted := make(chan *Proc, 1)
	reaped := make(chan int, 1)

	root := InitRootProc(s, arena, ftab, fsys.Inodes, fsys.Cache, fsys.Root(), func(p *Proc) {
		child, _ := p.Fork(func(c *Proc) {
			childStarted <- c
			for {
				c.Sched(SLEEPING)
				if c.IsKilled() {
					c.Exit(9)
					return
				}
			}
		})
		_ = child
		_, code := p.Wait()
		reaped <- code
	})

	var child *Proc
	select {
	case child = <-childStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("child never started")
	}

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return child.State == SLEEPING || child.State == DEEPSLEEPING
	})

	if !s.Kill(child.Pid) {
		t.Fatal("Kill did not find the child pid")
	}

	select {
	case code := <-reaped:
		if code != 9 {
			t.Fatalf("killed child exited with code %d, want 9", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for killed child to be reaped")
	}
	<-root.Done()
}

func TestActivateWakeupRules(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()

	cases := []struct {
		from    State
		onalert bool
		want    bool
		after   State
	}{
		{RUNNING, false, false, RUNNING},
		{RUNNABLE, false, false, RUNNABLE},
		{ZOMBIE, false, false, ZOMBIE},
		{SLEEPING, false, true, RUNNABLE},
		{SLEEPING, true, true, RUNNABLE},
		{UNUSED, false, true, RUNNABLE},
		{DEEPSLEEPING, false, true, RUNNABLE},
		{DEEPSLEEPING, true, false, DEEPSLEEPING},
	}
	for i, c := range cases {
		p := &Proc{sched: s, State: c.from, resume: make(chan struct{}, 1)}
		got := s.Activate(p, c.onalert)
		if got != c.want || p.State != c.after {
			t.Errorf("case %d: from=%v onalert=%v: Activate=%v state=%v, want activate=%v state=%v",
				i, c.from, c.onalert, got, p.State, c.want, c.after)
		}
	}
}

func TestDeepSleepingNonAlertableKillDoesNotWake(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()

	p := &Proc{sched: s, State: DEEPSLEEPING, resume: make(chan struct{}, 1)}
	s.treeMu.Lock()
	s.root = p
	s.treeMu.Unlock()
	p.Pid = 123

	if !s.Kill(p.Pid) {
		t.Fatal("Kill did not find proc")
	}
	s.mu.Lock()
	killed := p.Killed
	state := p.State
	s.mu.Unlock()
	if !killed {
		t.Fatal("Kill must still set the killed flag even on a non-alertable sleeper")
	}
	if state != DEEPSLEEPING {
		t.Fatalf("deep-sleeping non-alertable proc should not be woken by kill, state=%v", state)
	}
}

func TestSchedulerEventuallyRunsARunnableChild(t *testing.T) {
	s := NewScheduler(2)
	defer s.Stop()
	fsys, ftab, arena := newTestEnv(t)

	ran := make(chan struct{}, 1)
	root := InitRootProc(s, arena, ftab, fsys.Inodes, fsys.Cache, fsys.Root(), func(p *Proc) {
		p.Fork(func(c *Proc) {
			ran <- struct{}{}
			c.Exit(0)
		})
		p.Wait()
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("forked child was never scheduled")
	}
	<-root.Done()
}
