// Command kerneld boots the simulated kernel over a filesystem image
// built by cmd/mkfs: it brings up the physical-page arena, the block
// cache and its log, the inode table, and the scheduler, then starts
// the init process and waits for signals until SIGINT or SIGTERM.
// Grounded on kernel/core.c's
// kernel_entry.
package main

import (
	"bytes"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/google/pprof/profile"

	"oslab/bdev"
	"oslab/exec"
	"oslab/fs"
	"oslab/klimits"
	"oslab/mem"
	"oslab/proc"
)

// defaultArenaPages sizes the simulated physical memory when no -mem
// flag is given: 8192 pages is comfortably enough for a handful of
// concurrent processes' address spaces in this single-host simulation.
const defaultArenaPages = 8192

// defaultImageBlocks sizes a disk opened by path alone, when the host
// file doesn't already exist (or is empty) to report its own size.
const defaultImageBlocks = 16384

// initPath is the program the root process execve's into once the
// kernel has booted, mirroring kernel_entry's own hardcoded init path.
const initPath = "/init"

func main() {
	imagePath := flag.String("disk", "disk.img", "path to the filesystem image built by mkfs")
	arenaPages := flag.Int("mem", defaultArenaPages, "simulated physical memory, in pages")
	flag.Parse()

	disk, err := openDisk(*imagePath)
	if err != nil {
		log.Fatalf("kerneld: open %s: %v", *imagePath, err)
	}
	defer disk.Close()

	limits := klimits.Default
	sb := fs.ReadSuperBlock(disk)
	fsys := fs.NewFs(disk, sb, limits)
	ftab := fs.NewFTable(fsys, limits.NFILE)
	arena := mem.NewArena(*arenaPages)

	sched := proc.NewScheduler(1)
	defer sched.Stop()

	root := proc.InitRootProc(sched, arena, ftab, fsys.Inodes, fsys.Cache, fsys.Root(), initEntry(fsys))

	log.Printf("kerneld: booted, root pid %d, image %s", root.Pid, *imagePath)
	watchSignals(root)
}

// openDisk opens path as a FileDisk, sizing it from the host file's
// existing length when one is already present (as it will be after
// mkfs) and falling back to defaultImageBlocks for a bare device node.
func openDisk(path string) (*bdev.FileDisk, error) {
	nblk := defaultImageBlocks
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		nblk = int(fi.Size() / bdev.BlockSize)
	}
	return bdev.OpenFileDisk(path, nblk)
}

// initEntry builds the root process's body: it execve's into /init
// and then blocks forever. There is no trapframe/instruction-level
// interpreter in this simulation to actually run the loaded program
// (that belongs to the trap/driver glue this core leaves out of
// scope), so reaching a valid entry point is itself success — the
// process simply parks, the same way a real init blocked in its own
// event loop would look from kernel_entry's point of view.
func initEntry(fsys *fs.Fs_t) proc.EntryFunc {
	return func(p *proc.Proc) {
		entry, errno := exec.Exec(p, fsys, initPath, []string{initPath}, nil)
		if errno != 0 {
			log.Printf("kerneld: exec %s failed: %v", initPath, errno)
			return
		}
		p.UserPC = entry
		log.Printf("kerneld: init running at entry %#x", entry)
		select {}
	}
}

// watchSignals blocks the main goroutine, dumping a goroutine profile
// on SIGUSR1 and killing the root process on SIGINT/SIGTERM before
// returning to let deferred cleanup run.
func watchSignals(root *proc.Proc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigs {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines()
		default:
			log.Printf("kerneld: received %v, shutting down", sig)
			root.KillPid(root.Pid)
			return
		}
	}
}

// dumpGoroutines collects the live goroutine profile through the
// standard runtime hook, then parses and prints it via
// github.com/google/pprof's profile reader rather than dumping the
// raw protobuf, grounded on the teacher's own pprof dependency.
func dumpGoroutines() {
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 0); err != nil {
		log.Printf("kerneld: goroutine profile: %v", err)
		return
	}
	prof, err := profile.Parse(&buf)
	if err != nil {
		log.Printf("kerneld: parse profile: %v", err)
		return
	}
	log.Printf("kerneld: goroutine profile:\n%s", prof.String())
}
