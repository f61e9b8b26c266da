// Command mkfs builds a fresh on-disk filesystem image: a super block,
// a zeroed write-ahead log, an inode table, a free-block bitmap, and
// the data region, then optionally populates it by replicating a host
// skeleton directory. Grounded on mkfs/mkfs.go's CLI shape, adapted to
// this repo's layout — there is no separate bootloader/kernel image
// blob the way the original's <bootimage> <kernel image> pair were;
// only the filesystem region matters to this core.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"oslab/bdev"
	"oslab/fs"
	"oslab/klimits"
)

// Default image sizing, generous enough for a small skeleton tree.
// Grounded on mkfs.go's (nlogblks, ninodeblks, ndatablks) constants,
// scaled down since this core has no bootloader/kernel blobs competing
// for the image's data region.
const (
	defaultNumInodes     = 512
	defaultNumDataBlocks = 8192
)

func main() {
	numInodes := flag.Int("inodes", defaultNumInodes, "number of inodes")
	numDataBlocks := flag.Int("datablocks", defaultNumDataBlocks, "number of data blocks")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: mkfs [flags] <output image> [skel dir]\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	image := args[0]

	limits := klimits.MkDefaultLimits()
	logBlocks := limits.LogMaxLen + 1
	inodeBlocks := (*numInodes + fs.INODE_PER_BLOCK - 1) / fs.INODE_PER_BLOCK
	// Overallocate the backing file generously; Format computes the
	// exact block count it needs and only writes that many — extra
	// capacity in the host file is simply never touched.
	nblk := 2 + logBlocks + inodeBlocks + *numDataBlocks + *numDataBlocks/32 + 64

	disk, err := bdev.OpenFileDisk(image, nblk)
	if err != nil {
		log.Fatalf("mkfs: open %s: %v", image, err)
	}
	defer disk.Close()

	sb := fs.Format(disk, *numInodes, *numDataBlocks, limits)
	fsys := fs.NewFs(disk, sb, limits)

	root := fsys.Root()
	if len(args) >= 2 {
		addfiles(fsys, root, args[1])
	}
	ctx := fsys.Cache.BeginOp()
	fsys.Put(ctx, root)
	fsys.Cache.EndOp(ctx)

	if err := disk.Sync(); err != nil {
		log.Fatalf("mkfs: sync: %v", err)
	}
	fmt.Printf("mkfs: wrote %s (%d inodes, %d data blocks)\n", image, *numInodes, *numDataBlocks)
}

// addfiles walks skeldir on the host and replicates its contents into
// fsys starting at root, grounded on mkfs.go's addfiles/copydata pair.
// Each create and each write chunk runs under its own BeginOp/EndOp,
// matching the syscall layer's one-op-per-filesystem-mutation
// discipline rather than batching the whole walk into a single op
// that would overrun the log's per-op block budget.
func addfiles(fsys *fs.Fs_t, root *fs.Inode, skeldir string) {
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: failed to access %q: %v\n", path, err)
			return err
		}
		rel := strings.TrimPrefix(path, skeldir)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			return nil
		}

		if d.IsDir() {
			ctx := fsys.Cache.BeginOp()
			_, errno := fsys.Create(ctx, rel, fs.T_DIR, 0, 0, root)
			fsys.Cache.EndOp(ctx)
			if errno != 0 {
				fmt.Fprintf(os.Stderr, "mkfs: failed to create dir %v: %v\n", rel, errno)
			}
			return nil
		}

		ctx := fsys.Cache.BeginOp()
		ip, errno := fsys.Create(ctx, rel, fs.T_FILE, 0, 0, root)
		if errno != 0 {
			fsys.Cache.EndOp(ctx)
			fmt.Fprintf(os.Stderr, "mkfs: failed to create file %v: %v\n", rel, errno)
			return nil
		}
		ip.Unlock()
		fsys.Cache.EndOp(ctx)

		copydata(fsys, path, ip)

		ctx = fsys.Cache.BeginOp()
		fsys.Put(ctx, ip)
		fsys.Cache.EndOp(ctx)
		return nil
	})
	if err != nil {
		log.Fatalf("mkfs: error walking %q: %v", skeldir, err)
	}
}

// copydata streams the host file at src into ip in BSIZE-sized chunks,
// grounded on mkfs.go's copydata; each chunk writes under its own op.
func copydata(fsys *fs.Fs_t, src string, ip *fs.Inode) {
	srcFile, err := os.Open(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: open %v: %v\n", src, err)
		return
	}
	defer srcFile.Close()

	buf := make([]byte, fs.BSIZE)
	off := 0
	for {
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			ctx := fsys.Cache.BeginOp()
			ip.Lock()
			w := ip.Write(ctx, buf[:n], off, n)
			ip.Unlock()
			fsys.Cache.EndOp(ctx)
			if w != n {
				fmt.Fprintf(os.Stderr, "mkfs: short write copying %v\n", src)
				return
			}
			off += n
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			fmt.Fprintf(os.Stderr, "mkfs: read %v: %v\n", src, readErr)
			return
		}
	}
}
