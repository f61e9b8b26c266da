package fs

import (
	"container/list"
	"sync"

	"oslab/bdev"
	"oslab/kerr"
	"oslab/klimits"
	"oslab/klock"
)

/// Block is a cached disk block: fixed-size data tagged with its
/// block_no, a per-block sleep-lock, and LRU/pin bookkeeping. Grounded
/// on fs/cache.c's struct block and biscuit's Bdev_block_t shape.
type Block struct {
	BlockNo  int
	Data     []byte
	valid    bool
	pinned   bool
	acquired bool
	lock     *klock.SleepLock
}

/// LogHeader mirrors the on-disk log header: the destination block for
/// each occupied log slot. Slot i's content lives at LogStart+1+i.
type LogHeader struct {
	NumBlocks int
	BlockNo   []int
}

/// Cache is the block cache plus write-ahead log, grounded on
/// fs/cache.c in full.
type Cache struct {
	disk    bdev.BlockDevice
	sb      *SuperBlock
	limits  *klimits.Limits_t
	evictAt int

	mu     sync.Mutex
	blocks map[int]*list.Element
	lru    *list.List // front = MRU, back = LRU

	bitmapMu sync.Mutex

	logMu      sync.Mutex
	logCond    *sync.Cond
	header     LogHeader
	committed  int // commit generation, bumped after each completed commit
	outstand   int
	committing bool // true while EndOp's commit runs with logMu released
}

/// NewCache constructs a cache over disk using the given super block
/// and limits, then replays the write-ahead log to recover from a
/// crash mid-commit, matching fs/cache.c's init_bcache.
func NewCache(disk bdev.BlockDevice, sb *SuperBlock, limits *klimits.Limits_t) *Cache {
	c := &Cache{
		disk:    disk,
		sb:      sb,
		limits:  limits,
		evictAt: limits.EvictAt,
		blocks:  make(map[int]*list.Element),
		lru:     list.New(),
		header:  LogHeader{BlockNo: make([]int, limits.LogMaxLen)},
	}
	c.logCond = sync.NewCond(&c.logMu)
	c.recover()
	return c
}

func (c *Cache) readRaw(blockNo int) []byte {
	buf := make([]byte, BSIZE)
	if err := c.disk.ReadBlock(blockNo, buf); err != nil {
		panic(err)
	}
	return buf
}

func (c *Cache) writeRaw(blockNo int, data []byte) {
	if err := c.disk.WriteBlock(blockNo, data); err != nil {
		panic(err)
	}
}

// recover replays the log header at boot, idempotently: copying each
// slot's content to its destination block and then clearing the
// header. Re-running this on an already-clean log is a no-op since
// NumBlocks reads back as zero.
func (c *Cache) recover() {
	hdr := c.readRaw(int(c.sb.LogStart))
	n := int(int32FromBytes(hdr[0:4]))
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		bn := int(int32FromBytes(hdr[4+4*i : 8+4*i]))
		data := c.readRaw(int(c.sb.LogStart) + 1 + i)
		c.writeRaw(bn, data)
	}
	c.clearHeaderOnDisk()
}

func int32FromBytes(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Acquire returns the cached block for blockNo, loading it from disk
// on first access. The caller owns exclusive access to the returned
// block's Data until Release. Grounded on fs/cache.c's cache_acquire.
func (c *Cache) Acquire(blockNo int) *Block {
	c.mu.Lock()
	if el, ok := c.blocks[blockNo]; ok {
		b := el.Value.(*Block)
		c.lru.MoveToFront(el)
		c.mu.Unlock()
		b.lock.LockUninterruptible()
		b.acquired = true
		return b
	}

	if c.lru.Len() >= c.evictAt {
		c.evictOne()
	}

	b := &Block{BlockNo: blockNo, Data: make([]byte, BSIZE), lock: klock.MkSleepLock()}
	el := c.lru.PushFront(b)
	c.blocks[blockNo] = el
	c.mu.Unlock()

	b.lock.LockUninterruptible()
	b.acquired = true
	copy(b.Data, c.readRaw(blockNo))
	b.valid = true
	return b
}

// evictOne walks the LRU list from the tail, removing the first block
// that is neither acquired nor pinned. Called with c.mu held.
func (c *Cache) evictOne() {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Block)
		if b.acquired || b.pinned {
			continue
		}
		c.lru.Remove(e)
		delete(c.blocks, b.BlockNo)
		return
	}
	// Nothing evictable: every resident block is pinned or held. The
	// cache simply grows past evictAt until pressure relieves itself;
	// this mirrors the original, which never deadlocks here because
	// OP_MAX_NUM_BLOCKS keeps pinned blocks bounded relative to
	// LOG_MAX_SIZE.
}

/// Release posts the block's sleep-lock and clears its acquired flag.
func (b *Block) release() {
	b.acquired = false
	b.lock.Unlock()
}

/// Release is the public form of release, grounded on cache_release.
func (c *Cache) Release(b *Block) {
	b.release()
}

/// OpContext is the handle for one atomic filesystem operation,
/// grounded on fs/cache.c's OpContext / struct OpContext.
type OpContext struct {
	rm int
}

// BeginOp blocks while a commit is in progress or while admitting this
// op would overflow the log budget, then reserves OP_MAX_NUM_BLOCKS
// worth of log space for it. Grounded on cache_begin_op.
func (c *Cache) BeginOp() *OpContext {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	max := c.limits.OpMaxBlks
	for {
		if c.committing || c.header.NumBlocks+(c.outstand+1)*max > c.limits.LogMaxLen {
			c.logCond.Wait()
			continue
		}
		c.outstand++
		return &OpContext{}
	}
}

// Sync, with ctx==nil, writes synchronously through to disk (used by
// commit and recovery). With ctx!=nil, it pins the block and records
// it in the log header instead of writing immediately. Grounded on
// cache_sync.
func (c *Cache) Sync(ctx *OpContext, b *Block) {
	if ctx == nil {
		c.writeRaw(b.BlockNo, b.Data)
		return
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	b.pinned = true
	found := false
	for i := 0; i < c.header.NumBlocks; i++ {
		if c.header.BlockNo[i] == b.BlockNo {
			found = true
			break
		}
	}
	if !found {
		if c.header.NumBlocks >= len(c.header.BlockNo) {
			panic("log overflow: kernel bug, budget accounting violated")
		}
		c.header.BlockNo[c.header.NumBlocks] = b.BlockNo
		c.header.NumBlocks++
	}
	ctx.rm++
	if ctx.rm > c.limits.OpMaxBlks {
		panic("op exceeded OP_MAX_NUM_BLOCKS")
	}
}

// EndOp decrements the outstanding op count. The last op out performs
// the commit: copy each pinned block to its log slot, persist the
// header, write each block to its destination, clear the header, then
// unpin everything and wake all waiters. Grounded on cache_end_op.
func (c *Cache) EndOp(ctx *OpContext) {
	c.logMu.Lock()
	c.outstand--
	if c.outstand > 0 {
		gen := c.committed
		c.logCond.Broadcast()
		for c.committed == gen {
			c.logCond.Wait()
		}
		c.logMu.Unlock()
		return
	}
	blockNos := append([]int(nil), c.header.BlockNo[:c.header.NumBlocks]...)
	c.committing = true
	c.logMu.Unlock()

	c.commit(blockNos)

	c.logMu.Lock()
	c.header.NumBlocks = 0
	c.committing = false
	c.committed++
	c.logCond.Broadcast()
	c.logMu.Unlock()
}

func (c *Cache) peek(blockNo int) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.blocks[blockNo]
	if !ok {
		panic("commit references a block no longer cached: pinning invariant violated")
	}
	return el.Value.(*Block)
}

func (c *Cache) commit(blockNos []int) {
	if len(blockNos) == 0 {
		return
	}
	for i, bn := range blockNos {
		b := c.peek(bn)
		c.writeRaw(int(c.sb.LogStart)+1+i, b.Data)
	}
	c.persistHeader(blockNos)
	for _, bn := range blockNos {
		b := c.peek(bn)
		c.writeRaw(b.BlockNo, b.Data)
	}
	c.clearHeaderOnDisk()
	for _, bn := range blockNos {
		c.peek(bn).pinned = false
	}
}

func (c *Cache) persistHeader(blockNos []int) {
	buf := make([]byte, BSIZE)
	putInt32(buf[0:4], int32(len(blockNos)))
	for i, bn := range blockNos {
		putInt32(buf[4+4*i:8+4*i], int32(bn))
	}
	c.writeRaw(int(c.sb.LogStart), buf)
}

func (c *Cache) clearHeaderOnDisk() {
	buf := make([]byte, BSIZE)
	c.writeRaw(int(c.sb.LogStart), buf)
}

// --- free-block bitmap, grounded on fs/cache.c's bitmap alloc/free ---

func (c *Cache) bitPos(blockNo int) (blk int, byteOff int, bitOff uint) {
	blk = int(c.sb.BitmapStart) + blockNo/(BSIZE*8)
	rem := blockNo % (BSIZE * 8)
	byteOff = rem / 8
	bitOff = uint(rem % 8)
	return
}

/// Alloc finds the first clear bit in the free-block bitmap, sets it,
/// zeroes the corresponding data block, and syncs both under ctx.
/// Grounded on cache_alloc.
func (c *Cache) Alloc(ctx *OpContext) (int, kerr.Errno) {
	c.bitmapMu.Lock()
	defer c.bitmapMu.Unlock()
	for bn := int(c.sb.DataStart); bn < int(c.sb.NumBlocks); bn++ {
		blk, byteOff, bitOff := c.bitPos(bn)
		b := c.Acquire(blk)
		if b.Data[byteOff]&(1<<bitOff) == 0 {
			b.Data[byteOff] |= 1 << bitOff
			c.Sync(ctx, b)
			c.Release(b)

			db := c.Acquire(bn)
			clear(db.Data)
			c.Sync(ctx, db)
			c.Release(db)
			return bn, 0
		}
		c.Release(b)
	}
	return 0, kerr.ENOSPC
}

/// Free clears the bitmap bit for blockNo. Grounded on cache_free.
func (c *Cache) Free(ctx *OpContext, blockNo int) {
	c.bitmapMu.Lock()
	defer c.bitmapMu.Unlock()
	blk, byteOff, bitOff := c.bitPos(blockNo)
	b := c.Acquire(blk)
	b.Data[byteOff] &^= 1 << bitOff
	c.Sync(ctx, b)
	c.Release(b)
}
