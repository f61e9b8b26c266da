package fs

import (
	"strings"

	"oslab/bdev"
	"oslab/kerr"
	"oslab/klimits"
)

/// Fs_t aggregates the cache and inode table into one filesystem
/// handle, so the per-subsystem state travels as one value instead of
/// package-level singletons. Grounded on biscuit's Fs_t (fs/fs.go-equivalent
/// wiring visible throughout ufs/ufs.go's Ufs_t.fs field).
type Fs_t struct {
	Cache  *Cache
	Inodes *InodeTable
	Super  *SuperBlock
}

/// NewFs constructs a filesystem handle over an already-formatted
/// disk, replaying the log as part of cache construction.
func NewFs(disk bdev.BlockDevice, sb *SuperBlock, limits *klimits.Limits_t) *Fs_t {
	c := NewCache(disk, sb, limits)
	return &Fs_t{Cache: c, Inodes: NewInodeTable(c, sb, limits), Super: sb}
}

/// Root returns the root inode, refcounted.
func (fs *Fs_t) Root() *Inode {
	return fs.Inodes.Get(ROOT_INODE_NO)
}

/// Put releases a reference obtained from Root/NameI/Create et al.
func (fs *Fs_t) Put(ctx *OpContext, ip *Inode) {
	fs.Inodes.Put(ctx, ip)
}

// skipelem consumes one "/"-delimited path component, returning it
// and the remaining path. Grounded on fs/inode.c's skipelem.
func skipelem(path string) (elem, rest string) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	elem = path[:i]
	rest = path[i:]
	for len(rest) > 0 && rest[0] == '/' {
		rest = rest[1:]
	}
	return elem, rest
}

// namex walks path one component at a time starting from root (for
// absolute paths) or cwd (for relative ones), locking/looking
// up/unlocking/putting at each step. If wantParent and a final
// component remains, it returns the containing directory and the
// component name instead of resolving fully. Grounded on namex.
func (fs *Fs_t) namex(path string, wantParent bool, cwd *Inode) (*Inode, string) {
	var cur *Inode
	if strings.HasPrefix(path, "/") {
		cur = fs.Root()
	} else {
		cur = fs.Inodes.Share(cwd)
	}

	var elem string
	for {
		elem, path = skipelem(path)
		if elem == "" {
			break
		}
		cur.Lock()
		if cur.Disk.Type != T_DIR {
			cur.Unlock()
			fs.Put(nil, cur)
			return nil, ""
		}
		if wantParent && path == "" {
			cur.Unlock()
			return cur, elem
		}
		no, _ := cur.Lookup(elem)
		cur.Unlock()
		if no == 0 {
			fs.Put(nil, cur)
			return nil, ""
		}
		next := fs.Inodes.Get(int(no))
		fs.Put(nil, cur)
		cur = next
	}
	if wantParent {
		fs.Put(nil, cur)
		return nil, ""
	}
	return cur, ""
}

/// NameI resolves path fully to an inode, or nil if any component is
/// missing. Grounded on namei.
func (fs *Fs_t) NameI(path string, cwd *Inode) *Inode {
	ip, _ := fs.namex(path, false, cwd)
	return ip
}

/// NameIParent resolves all but the final component of path, returning
/// the parent directory and the final component's name. Grounded on
/// nameiparent.
func (fs *Fs_t) NameIParent(path string, cwd *Inode) (*Inode, string) {
	return fs.namex(path, true, cwd)
}

/// Create locates path's parent (returning ENOENT if it does not
/// exist), then allocates a new inode of type typ and links it in. If typ is T_FILE and an entry
/// of type T_FILE already exists at path, that existing inode is
/// returned instead (open(O_CREAT) semantics). Returns the new/found
/// inode locked. Grounded on the shared create() helper in
/// kernel/sysfile.c.
func (fs *Fs_t) Create(ctx *OpContext, path string, typ InodeType, major, minor uint16, cwd *Inode) (*Inode, kerr.Errno) {
	parent, name := fs.NameIParent(path, cwd)
	if parent == nil {
		return nil, kerr.ENOENT
	}
	parent.Lock()
	if no, _ := parent.Lookup(name); no != 0 {
		parent.Unlock()
		ip := fs.Inodes.Get(int(no))
		ip.Lock()
		if typ == T_FILE && ip.Disk.Type == T_FILE {
			fs.Put(ctx, parent)
			return ip, 0
		}
		ip.Unlock()
		fs.Put(ctx, ip)
		fs.Put(ctx, parent)
		return nil, kerr.EEXIST
	}

	ip, err := fs.Inodes.Alloc(ctx, typ)
	if err != 0 {
		parent.Unlock()
		fs.Put(ctx, parent)
		return nil, err
	}
	ip.Disk.Major = major
	ip.Disk.Minor = minor
	ip.Disk.NumLinks = 1

	if typ == T_DIR {
		ip.Disk.NumLinks = 2
		ip.sync(ctx)
		ip.Insert(ctx, ".", uint32(ip.InodeNo))
		ip.Insert(ctx, "..", uint32(parent.InodeNo))
		parent.Disk.NumLinks++
		parent.sync(ctx)
	}
	ip.sync(ctx)

	if err := parent.Insert(ctx, name, uint32(ip.InodeNo)); err != 0 {
		ip.Disk.NumLinks = 0
		ip.sync(ctx)
		ip.Unlock()
		fs.Put(ctx, ip)
		parent.Unlock()
		fs.Put(ctx, parent)
		return nil, err
	}
	parent.Unlock()
	fs.Put(ctx, parent)
	return ip, 0
}
