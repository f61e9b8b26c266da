package fs

import "oslab/kerr"

// Directory operations over a locked directory inode, grounded on
// fs/inode.c's inode_lookup/inode_insert/inode_remove.

func (ip *Inode) numEntries() int {
	return int(ip.Disk.NumBytes) / direntSize
}

func (ip *Inode) readEntry(i int) DirEntry {
	buf := make([]byte, direntSize)
	ip.Read(buf, i*direntSize, direntSize)
	var e DirEntry
	e.unmarshal(buf)
	return e
}

func (ip *Inode) writeEntry(ctx *OpContext, i int, e DirEntry) {
	buf := make([]byte, direntSize)
	e.marshal(buf)
	ip.Write(ctx, buf, i*direntSize, direntSize)
}

/// Lookup linearly scans ip's directory entries for name, skipping
/// free slots (InodeNo==0). Returns the inode number and byte offset
/// of the match, or 0 if absent. Grounded on inode_lookup.
func (ip *Inode) Lookup(name string) (uint32, int) {
	n := ip.numEntries()
	for i := 0; i < n; i++ {
		e := ip.readEntry(i)
		if e.InodeNo == 0 {
			continue
		}
		if direntNameString(e.Name) == name {
			return e.InodeNo, i * direntSize
		}
	}
	return 0, 0
}

/// Insert reuses the first free slot (or appends) to record name →
/// inodeNo, failing if name already exists. Grounded on inode_insert.
func (ip *Inode) Insert(ctx *OpContext, name string, inodeNo uint32) kerr.Errno {
	if len(name) > FILE_NAME_MAX_LENGTH {
		return kerr.ENAMETOOLONG
	}
	if no, _ := ip.Lookup(name); no != 0 {
		return kerr.EEXIST
	}
	n := ip.numEntries()
	slot := n
	for i := 0; i < n; i++ {
		e := ip.readEntry(i)
		if e.InodeNo == 0 {
			slot = i
			break
		}
	}
	ip.writeEntry(ctx, slot, DirEntry{InodeNo: inodeNo, Name: direntName(name)})
	return 0
}

/// Remove zeroes the entry at byte offset off. Grounded on
/// inode_remove.
func (ip *Inode) Remove(ctx *OpContext, off int) {
	ip.writeEntry(ctx, off/direntSize, DirEntry{})
}

/// IsEmpty reports whether ip (a directory) has no entries besides
/// "." and "..", used by unlinkat's isdirempty check.
func (ip *Inode) IsEmpty() bool {
	n := ip.numEntries()
	for i := 0; i < n; i++ {
		e := ip.readEntry(i)
		if e.InodeNo == 0 {
			continue
		}
		name := direntNameString(e.Name)
		if name != "." && name != ".." {
			return false
		}
	}
	return true
}
