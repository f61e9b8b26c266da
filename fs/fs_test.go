package fs

import (
	"context"
	"testing"

	"oslab/bdev"
	"oslab/kerr"
	"oslab/klimits"
)

func testLimits() *klimits.Limits_t {
	l := *klimits.MkDefaultLimits()
	return &l
}

func newTestFs(t *testing.T, numDataBlocks int) (*Fs_t, bdev.BlockDevice) {
	t.Helper()
	limits := testLimits()
	disk := bdev.NewMemDisk(4096)
	sb := Format(disk, 64, numDataBlocks, limits)
	return NewFs(disk, sb, limits), disk
}

func TestFormatAndReopen(t *testing.T) {
	limits := testLimits()
	disk := bdev.NewMemDisk(4096)
	sb := Format(disk, 64, 200, limits)

	got := ReadSuperBlock(disk)
	if got.NumInodes != sb.NumInodes || got.DataStart != sb.DataStart || got.NumBlocks != sb.NumBlocks {
		t.Fatalf("reopened super block mismatch: got %+v want %+v", got, sb)
	}
}

// Create /a, write "hello", read it back — spec.md scenario 1.
func TestCreateWriteReadFile(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	root := fs.Root()

	opctx := fs.Cache.BeginOp()
	ip, err := fs.Create(opctx, "/a", T_FILE, 0, 0, root)
	fs.Cache.EndOp(opctx)
	if err != 0 {
		t.Fatalf("create /a: %v", err)
	}

	content := []byte("hello")
	opctx = fs.Cache.BeginOp()
	n := ip.Write(opctx, content, 0, len(content))
	fs.Cache.EndOp(opctx)
	if n != len(content) {
		t.Fatalf("write returned %d, want %d", n, len(content))
	}
	ip.Unlock()
	fs.Put(nil, ip)
	fs.Put(nil, root)

	ip2 := fs.NameI("/a", fs.Root())
	if ip2 == nil {
		t.Fatal("NameI(/a) returned nil")
	}
	ip2.Lock()
	buf := make([]byte, len(content))
	n = ip2.Read(buf, 0, len(buf))
	ip2.Unlock()
	fs.Put(nil, ip2)

	if n != len(content) || string(buf) != "hello" {
		t.Fatalf("read back %q (%d bytes), want %q", buf[:n], n, "hello")
	}
}

// mkdir /d, chdir into it, create a file there and look it up by
// relative path — spec.md scenario 2.
func TestMkdirChdirRelativePath(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	root := fs.Root()

	opctx := fs.Cache.BeginOp()
	dir, err := fs.Create(opctx, "/d", T_DIR, 0, 0, root)
	fs.Cache.EndOp(opctx)
	if err != 0 {
		t.Fatalf("create /d: %v", err)
	}
	dir.Unlock()

	opctx = fs.Cache.BeginOp()
	f, err := fs.Create(opctx, "b", T_FILE, 0, 0, dir)
	fs.Cache.EndOp(opctx)
	if err != 0 {
		t.Fatalf("create b under /d as cwd: %v", err)
	}
	f.Unlock()
	fs.Put(nil, f)
	fs.Put(nil, dir)
	fs.Put(nil, root)

	found := fs.NameI("/d/b", fs.Root())
	if found == nil {
		t.Fatal("NameI(/d/b) returned nil")
	}
	fs.Put(nil, found)

	dir2 := fs.NameI("/d", fs.Root())
	if dir2 == nil {
		t.Fatal("NameI(/d) returned nil")
	}
	foundRel := fs.NameI("b", dir2)
	if foundRel == nil {
		t.Fatal("NameI(b) relative to /d returned nil")
	}
	fs.Put(nil, foundRel)
	fs.Put(nil, dir2)
}

func TestCreateExistingFileReturnsIt(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	root := fs.Root()

	opctx := fs.Cache.BeginOp()
	ip1, err := fs.Create(opctx, "/a", T_FILE, 0, 0, root)
	fs.Cache.EndOp(opctx)
	if err != 0 {
		t.Fatalf("first create: %v", err)
	}
	no1 := ip1.InodeNo
	ip1.Unlock()
	fs.Put(nil, ip1)

	opctx = fs.Cache.BeginOp()
	ip2, err := fs.Create(opctx, "/a", T_FILE, 0, 0, root)
	fs.Cache.EndOp(opctx)
	if err != 0 {
		t.Fatalf("second create: %v", err)
	}
	if ip2.InodeNo != no1 {
		t.Fatalf("re-create of existing file got a different inode: %d vs %d", ip2.InodeNo, no1)
	}
	ip2.Unlock()
	fs.Put(nil, ip2)
	fs.Put(nil, root)
}

func TestCreateDuplicateDirFails(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	root := fs.Root()

	opctx := fs.Cache.BeginOp()
	dir, err := fs.Create(opctx, "/d", T_DIR, 0, 0, root)
	fs.Cache.EndOp(opctx)
	if err != 0 {
		t.Fatalf("create /d: %v", err)
	}
	dir.Unlock()
	fs.Put(nil, dir)

	opctx = fs.Cache.BeginOp()
	_, err = fs.Create(opctx, "/d", T_DIR, 0, 0, root)
	fs.Cache.EndOp(opctx)
	if err != kerr.EEXIST {
		t.Fatalf("duplicate dir create returned %v, want EEXIST", err)
	}
	fs.Put(nil, root)
}

func TestNameIMissingReturnsNil(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	root := fs.Root()
	if ip := fs.NameI("/nope", root); ip != nil {
		t.Fatal("NameI on a missing path should return nil")
	}
	fs.Put(nil, root)
}

func TestLargeWriteSpansIndirectBlocks(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	root := fs.Root()

	opctx := fs.Cache.BeginOp()
	ip, err := fs.Create(opctx, "/big", T_FILE, 0, 0, root)
	fs.Cache.EndOp(opctx)
	if err != 0 {
		t.Fatalf("create /big: %v", err)
	}

	// A few blocks past the direct region to force indirect addressing.
	size := (INODE_NUM_DIRECT + 3) * BSIZE
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i)
	}

	cur := 0
	for cur < len(content) {
		c := min(len(content)-cur, BSIZE)
		opctx := fs.Cache.BeginOp()
		n := ip.Write(opctx, content[cur:cur+c], cur, c)
		fs.Cache.EndOp(opctx)
		if n != c {
			t.Fatalf("chunked write at %d: got %d want %d", cur, n, c)
		}
		cur += c
	}
	ip.Unlock()
	fs.Put(nil, ip)
	fs.Put(nil, root)

	ip2 := fs.NameI("/big", fs.Root())
	ip2.Lock()
	buf := make([]byte, size)
	n := ip2.Read(buf, 0, size)
	ip2.Unlock()
	fs.Put(nil, ip2)

	if n != size {
		t.Fatalf("read back %d bytes, want %d", n, size)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("byte %d corrupted: got %d want %d", i, buf[i], byte(i))
		}
	}
}

// The log header replay must be idempotent: constructing a second Cache
// over a disk whose header is already clear (the common case, since
// EndOp clears it after commit) must not alter any data blocks.
func TestRecoverIsIdempotentOnCleanLog(t *testing.T) {
	fs, disk := newTestFs(t, 200)
	root := fs.Root()

	opctx := fs.Cache.BeginOp()
	ip, err := fs.Create(opctx, "/a", T_FILE, 0, 0, root)
	fs.Cache.EndOp(opctx)
	if err != 0 {
		t.Fatalf("create /a: %v", err)
	}
	content := []byte("durable")
	opctx = fs.Cache.BeginOp()
	ip.Write(opctx, content, 0, len(content))
	fs.Cache.EndOp(opctx)
	ip.Unlock()
	fs.Put(nil, ip)
	fs.Put(nil, root)

	sb2 := ReadSuperBlock(disk)
	fs2 := NewFs(disk, sb2, testLimits())
	ip2 := fs2.NameI("/a", fs2.Root())
	if ip2 == nil {
		t.Fatal("file vanished across reopen")
	}
	ip2.Lock()
	buf := make([]byte, len(content))
	n := ip2.Read(buf, 0, len(buf))
	ip2.Unlock()
	fs2.Put(nil, ip2)
	fs2.Put(nil, fs2.Root())

	if n != len(content) || string(buf) != "durable" {
		t.Fatalf("reopened file reads %q, want %q", buf[:n], "durable")
	}
}

// Simulates a crash mid-commit: a log header naming one pending block
// plus its staged slot content, with the destination block still
// stale. Recovery on the next NewCache must replay it.
func TestRecoverReplaysPendingCommit(t *testing.T) {
	limits := testLimits()
	disk := bdev.NewMemDisk(4096)
	sb := Format(disk, 64, 200, limits)

	destBlock := int(sb.DataStart)
	staged := make([]byte, BSIZE)
	staged[0] = 0xAB
	staged[1] = 0xCD

	hdr := make([]byte, BSIZE)
	putInt32(hdr[0:4], 1)
	putInt32(hdr[4:8], int32(destBlock))
	if err := disk.WriteBlock(int(sb.LogStart), hdr); err != nil {
		t.Fatal(err)
	}
	if err := disk.WriteBlock(int(sb.LogStart)+1, staged); err != nil {
		t.Fatal(err)
	}

	stale := make([]byte, BSIZE)
	stale[0] = 0x00
	if err := disk.WriteBlock(destBlock, stale); err != nil {
		t.Fatal(err)
	}

	NewCache(disk, sb, limits)

	got := make([]byte, BSIZE)
	if err := disk.ReadBlock(destBlock, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xAB || got[1] != 0xCD {
		t.Fatalf("recovery did not replay staged block: got %x %x", got[0], got[1])
	}

	clearHdr := make([]byte, BSIZE)
	if err := disk.ReadBlock(int(sb.LogStart), clearHdr); err != nil {
		t.Fatal(err)
	}
	if int32FromBytes(clearHdr[0:4]) != 0 {
		t.Fatal("log header was not cleared after replay")
	}
}

// Pipe round trip (minus the fork/wait machinery, which lives in the
// proc package) — spec.md scenario 3's data-plane half.
func TestPipeRoundTrip(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	ft := NewFTable(fs, 8)

	rf, wf, err := PipeAlloc(ft, 16)
	if err != 0 {
		t.Fatalf("PipeAlloc: %v", err)
	}

	msg := []byte("hello, pipe")
	n, err := wf.Write(context.Background(), fs.Cache, testLimits().OpMaxBlks, msg)
	if err != 0 || n != len(msg) {
		t.Fatalf("pipe write: n=%d err=%v", n, err)
	}

	buf := make([]byte, len(msg))
	n, err = rf.Read(context.Background(), buf)
	if err != 0 || n != len(msg) || string(buf) != string(msg) {
		t.Fatalf("pipe read: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestPipeWriteAfterReaderClosedReturnsEPIPE(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	ft := NewFTable(fs, 8)

	rf, wf, err := PipeAlloc(ft, 16)
	if err != 0 {
		t.Fatalf("PipeAlloc: %v", err)
	}
	rf.Pipe.Close(true)

	_, werr := wf.Write(context.Background(), fs.Cache, testLimits().OpMaxBlks, []byte("x"))
	if werr != kerr.EPIPE {
		t.Fatalf("write after reader closed: got %v, want EPIPE", werr)
	}
}

func TestPipeReadReturnsEOFAfterWriterCloses(t *testing.T) {
	fs, _ := newTestFs(t, 200)
	ft := NewFTable(fs, 8)

	rf, wf, err := PipeAlloc(ft, 16)
	if err != 0 {
		t.Fatalf("PipeAlloc: %v", err)
	}
	wf.Pipe.Close(false)

	buf := make([]byte, 4)
	n, rerr := rf.Read(context.Background(), buf)
	if rerr != 0 || n != 0 {
		t.Fatalf("read on closed, empty pipe: n=%d err=%v, want n=0 err=0 (EOF)", n, rerr)
	}
}

func TestConsoleReadLineBuffering(t *testing.T) {
	var echoed []byte
	c := NewConsole(func(b byte) { echoed = append(echoed, b) }, nil)
	InstallConsole(c)
	defer InstallConsole(nil)

	for _, b := range []byte("hi\n") {
		c.Intr(b)
	}

	buf := make([]byte, 16)
	n := c.Read(context.Background(), buf)
	if n != 3 || string(buf[:n]) != "hi\n" {
		t.Fatalf("console read got %q (%d), want %q", buf[:n], n, "hi\n")
	}
}

func TestConsoleCtrlUErasesCurrentLine(t *testing.T) {
	var echoed []byte
	c := NewConsole(func(b byte) { echoed = append(echoed, b) }, nil)

	for _, b := range []byte("abc") {
		c.Intr(b)
	}
	c.Intr(asciiCtrlU)
	for _, b := range []byte("z\n") {
		c.Intr(b)
	}

	buf := make([]byte, 16)
	n := c.Read(context.Background(), buf)
	if n != 2 || string(buf[:n]) != "z\n" {
		t.Fatalf("after ^U, read got %q (%d), want %q", buf[:n], n, "z\n")
	}
}

func TestConsoleCtrlDSignalsEOFOnEmptyLine(t *testing.T) {
	c := NewConsole(func(byte) {}, nil)
	c.Intr(asciiCtrlD)

	buf := make([]byte, 16)
	n := c.Read(context.Background(), buf)
	if n != -1 {
		t.Fatalf("^D on an empty line should signal EOF (-1), got %d", n)
	}
}

func TestConsoleCtrlCInvokesKillFn(t *testing.T) {
	killed := false
	c := NewConsole(func(byte) {}, func() { killed = true })
	c.Intr(asciiCtrlC)
	if !killed {
		t.Fatal("^C did not invoke the kill callback")
	}
}

func TestBlockCacheEvictsUnpinnedLRU(t *testing.T) {
	limits := testLimits()
	limits.EvictAt = 4
	disk := bdev.NewMemDisk(4096)
	sb := Format(disk, 64, 200, limits)
	c := NewCache(disk, sb, limits)

	for i := 0; i < 10; i++ {
		b := c.Acquire(int(sb.DataStart) + i)
		c.Release(b)
	}
	// None of this should panic or corrupt data; re-reading an evicted
	// block must reload its (zeroed) content from disk faithfully.
	b := c.Acquire(int(sb.DataStart))
	for _, v := range b.Data {
		if v != 0 {
			t.Fatal("reloaded block has unexpected nonzero content")
		}
	}
	c.Release(b)
}
