package fs

import (
	"container/list"
	"sync"

	"oslab/kerr"
	"oslab/klimits"
	"oslab/klock"
)

/// Stat mirrors the subset of struct stat this kernel exposes,
/// grounded on stat/stat.go's field list.
type Stat struct {
	Dev   uint32
	Ino   uint32
	Mode  uint32
	Size  uint64
	Rdev  uint32
}

/// Inode is the in-memory inode cache entry: an inode number, a
/// content sleep-lock distinct from its refcount, and the embedded
/// on-disk entry. Grounded on fs/inode.c's struct inode.
type Inode struct {
	table   *InodeTable
	InodeNo int
	lock    *klock.SleepLock
	rc      klock.RefCount
	valid   bool
	Disk    DiskInode
}

/// InodeTable is the global in-memory inode cache, grounded on
/// fs/inode.c's static struct inode table[] plus its list/lock split:
/// the table lock protects list membership and refcounts; each
/// inode's own sleep-lock protects its content.
type InodeTable struct {
	cache  *Cache
	sb     *SuperBlock
	limits *klimits.Limits_t

	mu   sync.Mutex
	byNo map[int]*list.Element
	lru  *list.List
}

/// NewInodeTable constructs an empty in-memory inode cache over cache.
func NewInodeTable(cache *Cache, sb *SuperBlock, limits *klimits.Limits_t) *InodeTable {
	return &InodeTable{
		cache:  cache,
		sb:     sb,
		limits: limits,
		byNo:   make(map[int]*list.Element),
		lru:    list.New(),
	}
}

func (t *InodeTable) inodeBlockNo(inodeNo int) (blk int, idx int) {
	blk = int(t.sb.InodeStart) + (inodeNo-1)/INODE_PER_BLOCK
	idx = (inodeNo - 1) % INODE_PER_BLOCK
	return
}

/// Get returns the cached inode for inodeNo, bumping its refcount. If
/// not resident, allocates a new (lazily loaded) entry. Grounded on
/// inode_get: returns without holding the content lock.
func (t *InodeTable) Get(inodeNo int) *Inode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.byNo[inodeNo]; ok {
		ip := el.Value.(*Inode)
		ip.rc.Inc()
		t.lru.MoveToFront(el)
		return ip
	}
	ip := &Inode{table: t, InodeNo: inodeNo, lock: klock.MkSleepLock()}
	ip.rc.Inc()
	el := t.lru.PushFront(ip)
	t.byNo[inodeNo] = el
	return ip
}

/// Share bumps ip's refcount, grounded on inode_share.
func (t *InodeTable) Share(ip *Inode) *Inode {
	ip.rc.Inc()
	return ip
}

/// Put decrements ip's refcount; if it reaches zero and the on-disk
/// link count is also zero, the inode's data is freed and the entry
/// removed from the table. Grounded on inode_put.
func (t *InodeTable) Put(ctx *OpContext, ip *Inode) {
	ip.Lock()
	links := ip.Disk.NumLinks
	ip.Unlock()

	t.mu.Lock()
	rc := ip.rc.Dec()
	if rc != 0 || links != 0 {
		t.mu.Unlock()
		return
	}
	el, ok := t.byNo[ip.InodeNo]
	if ok {
		t.lru.Remove(el)
		delete(t.byNo, ip.InodeNo)
	}
	t.mu.Unlock()

	ip.Lock()
	ip.truncate(ctx)
	ip.Disk.Type = T_NONE
	ip.sync(ctx)
	ip.Unlock()
}

/// Lock acquires the inode's content sleep-lock, lazily loading the
/// on-disk entry on first use.
func (ip *Inode) Lock() {
	ip.lock.LockUninterruptible()
	if !ip.valid {
		blk, idx := ip.table.inodeBlockNo(ip.InodeNo)
		b := ip.table.cache.Acquire(blk)
		ip.Disk.unmarshal(b.Data[idx*diskInodeSize : (idx+1)*diskInodeSize])
		ip.table.cache.Release(b)
		ip.valid = true
	}
}

/// Unlock releases the inode's content sleep-lock.
func (ip *Inode) Unlock() {
	ip.lock.Unlock()
}

func (ip *Inode) sync(ctx *OpContext) {
	blk, idx := ip.table.inodeBlockNo(ip.InodeNo)
	b := ip.table.cache.Acquire(blk)
	ip.Disk.marshal(b.Data[idx*diskInodeSize : (idx+1)*diskInodeSize])
	ip.table.cache.Sync(ctx, b)
	ip.table.cache.Release(b)
}

/// Sync persists ip's in-memory entry to its on-disk inode block.
func (ip *Inode) Sync(ctx *OpContext) { ip.sync(ctx) }

/// Alloc finds a free on-disk inode slot, marks it with typ, and
/// returns the corresponding in-memory Inode locked. Grounded on
/// inode_alloc.
func (t *InodeTable) Alloc(ctx *OpContext, typ InodeType) (*Inode, kerr.Errno) {
	for no := ROOT_INODE_NO; no <= int(t.sb.NumInodes); no++ {
		blk, idx := t.inodeBlockNo(no)
		b := t.cache.Acquire(blk)
		var d DiskInode
		d.unmarshal(b.Data[idx*diskInodeSize : (idx+1)*diskInodeSize])
		if d.Type == T_NONE {
			d = DiskInode{Type: typ}
			d.marshal(b.Data[idx*diskInodeSize : (idx+1)*diskInodeSize])
			t.cache.Sync(ctx, b)
			t.cache.Release(b)
			ip := t.Get(no)
			ip.Lock()
			ip.Disk = d
			ip.valid = true
			return ip, 0
		}
		t.cache.Release(b)
	}
	return nil, kerr.ENOSPC
}

// --- block address mapping, grounded on to_block_no/get_addrs ---

// mapBlock translates a file-relative block index to an on-disk block
// number, allocating on demand when ctx != nil. When ctx == nil and
// the slot is unallocated, it returns 0 without mutating anything.
func (ip *Inode) mapBlock(ctx *OpContext, index int) int {
	if index < INODE_NUM_DIRECT {
		bn := ip.Disk.Direct[index]
		if bn == 0 && ctx != nil {
			nbn, err := ip.table.cache.Alloc(ctx)
			if err != 0 {
				return 0
			}
			ip.Disk.Direct[index] = uint32(nbn)
			bn = uint32(nbn)
		}
		return int(bn)
	}
	index -= INODE_NUM_DIRECT
	if index >= INODE_NUM_INDIRECT {
		panic("block index beyond INODE_MAX_BYTES")
	}
	indBlk := ip.Disk.Indirect
	if indBlk == 0 {
		if ctx == nil {
			return 0
		}
		nbn, err := ip.table.cache.Alloc(ctx)
		if err != 0 {
			return 0
		}
		ip.Disk.Indirect = uint32(nbn)
		indBlk = uint32(nbn)
	}
	b := ip.table.cache.Acquire(int(indBlk))
	bn := int32FromBytes(b.Data[index*4 : index*4+4])
	if bn == 0 && ctx != nil {
		nbn, err := ip.table.cache.Alloc(ctx)
		if err != 0 {
			ip.table.cache.Release(b)
			return 0
		}
		putInt32(b.Data[index*4:index*4+4], int32(nbn))
		ip.table.cache.Sync(ctx, b)
		bn = int32(nbn)
	}
	ip.table.cache.Release(b)
	return int(bn)
}

// truncate frees every data block and the indirect block, used by Put
// when an inode's link count has reached zero.
func (ip *Inode) truncate(ctx *OpContext) {
	for i := 0; i < INODE_NUM_DIRECT; i++ {
		if ip.Disk.Direct[i] != 0 {
			ip.table.cache.Free(ctx, int(ip.Disk.Direct[i]))
			ip.Disk.Direct[i] = 0
		}
	}
	if ip.Disk.Indirect != 0 {
		b := ip.table.cache.Acquire(int(ip.Disk.Indirect))
		for i := 0; i < INODE_NUM_INDIRECT; i++ {
			bn := int32FromBytes(b.Data[i*4 : i*4+4])
			if bn != 0 {
				ip.table.cache.Free(ctx, int(bn))
			}
		}
		ip.table.cache.Release(b)
		ip.table.cache.Free(ctx, int(ip.Disk.Indirect))
		ip.Disk.Indirect = 0
	}
	ip.Disk.NumBytes = 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

/// Read copies up to n bytes starting at off out of ip into dst, for
/// type DEVICE dispatching to the console. Grounded on inode_read.
func (ip *Inode) Read(dst []byte, off, n int) int {
	if ip.Disk.Type == T_DEV {
		if ip.Disk.Major == uint16(DevConsole) {
			return ConsoleRead(dst)
		}
		return 0
	}
	if off > int(ip.Disk.NumBytes) {
		return 0
	}
	if off+n > int(ip.Disk.NumBytes) {
		n = int(ip.Disk.NumBytes) - off
	}
	total := 0
	for total < n {
		bn := ip.mapBlock(nil, off/BSIZE)
		if bn == 0 {
			break
		}
		b := ip.table.cache.Acquire(bn)
		boff := off % BSIZE
		c := min(n-total, BSIZE-boff)
		copy(dst[total:total+c], b.Data[boff:boff+c])
		ip.table.cache.Release(b)
		total += c
		off += c
	}
	return total
}

/// Write copies n bytes from src into ip starting at off, extending
/// NumBytes as needed, allocating blocks on demand. Grounded on
/// inode_write.
func (ip *Inode) Write(ctx *OpContext, src []byte, off, n int) int {
	if off+n > INODE_MAX_BYTES {
		return -1
	}
	total := 0
	for total < n {
		bn := ip.mapBlock(ctx, off/BSIZE)
		if bn == 0 {
			break
		}
		b := ip.table.cache.Acquire(bn)
		boff := off % BSIZE
		c := min(n-total, BSIZE-boff)
		copy(b.Data[boff:boff+c], src[total:total+c])
		ip.table.cache.Sync(ctx, b)
		ip.table.cache.Release(b)
		total += c
		off += c
		if off > int(ip.Disk.NumBytes) {
			ip.Disk.NumBytes = uint32(off)
		}
	}
	ip.sync(ctx)
	return total
}

/// StatInto fills st with ip's metadata. Grounded on stati.
func (ip *Inode) StatInto(st *Stat) {
	st.Ino = uint32(ip.InodeNo)
	st.Size = uint64(ip.Disk.NumBytes)
	switch ip.Disk.Type {
	case T_DIR:
		st.Mode = 1
	case T_DEV:
		st.Mode = 3
		st.Rdev = uint32(ip.Disk.Major)<<8 | uint32(ip.Disk.Minor)
	default:
		st.Mode = 2
	}
}
