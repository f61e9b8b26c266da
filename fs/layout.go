// Package fs implements the buffered block cache with write-ahead
// logging, the inode layer, directory/path resolution, the open-file
// table, pipes, and the console device — the L2/L3/L4 filesystem and
// file-abstraction layers of the kernel core.
package fs

import (
	"encoding/binary"

	"oslab/bdev"
)

/// BSIZE is the size of a disk block in bytes, matching bdev.BlockSize.
const BSIZE = bdev.BlockSize

/// On-disk inode shape, grounded on fs/inode.c's struct dinode.
const (
	INODE_NUM_DIRECT   = 10
	INODE_NUM_INDIRECT = BSIZE / 4
	INODE_MAX_BYTES    = (INODE_NUM_DIRECT + INODE_NUM_INDIRECT) * BSIZE
	diskInodeSize      = 64 // 2(type)+2(nlink)+4(size)+2(major)+2(minor)+10*4(direct)+4(indirect)+pad
	INODE_PER_BLOCK    = BSIZE / diskInodeSize
	ROOT_INODE_NO      = 1
)

/// Directory entry shape, grounded on fs/inode.c's struct dirent.
const (
	FILE_NAME_MAX_LENGTH = 28
	direntSize           = 4 + FILE_NAME_MAX_LENGTH
	NDIRENTS             = BSIZE / direntSize
)

/// Inode type tags, grounded on fs/inode.h's enum inode_type.
type InodeType uint16

const (
	T_NONE InodeType = 0
	T_DIR  InodeType = 1
	T_FILE InodeType = 2
	T_DEV  InodeType = 3
)

/// DiskInode is the on-disk inode representation, packed
/// INODE_PER_BLOCK per block starting at SuperBlock.InodeStart.
type DiskInode struct {
	Type     InodeType
	NumLinks uint16
	NumBytes uint32
	Major    uint16
	Minor    uint16
	Direct   [INODE_NUM_DIRECT]uint32
	Indirect uint32
}

func (d *DiskInode) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(d.Type))
	binary.LittleEndian.PutUint16(buf[2:4], d.NumLinks)
	binary.LittleEndian.PutUint32(buf[4:8], d.NumBytes)
	binary.LittleEndian.PutUint16(buf[8:10], d.Major)
	binary.LittleEndian.PutUint16(buf[10:12], d.Minor)
	off := 12
	for i := 0; i < INODE_NUM_DIRECT; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], d.Direct[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], d.Indirect)
}

func (d *DiskInode) unmarshal(buf []byte) {
	d.Type = InodeType(binary.LittleEndian.Uint16(buf[0:2]))
	d.NumLinks = binary.LittleEndian.Uint16(buf[2:4])
	d.NumBytes = binary.LittleEndian.Uint32(buf[4:8])
	d.Major = binary.LittleEndian.Uint16(buf[8:10])
	d.Minor = binary.LittleEndian.Uint16(buf[10:12])
	off := 12
	for i := 0; i < INODE_NUM_DIRECT; i++ {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	d.Indirect = binary.LittleEndian.Uint32(buf[off : off+4])
}

/// DirEntry names one directory slot; InodeNo == 0 marks a free slot.
type DirEntry struct {
	InodeNo uint32
	Name    [FILE_NAME_MAX_LENGTH]byte
}

func (e *DirEntry) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], e.InodeNo)
	copy(buf[4:4+FILE_NAME_MAX_LENGTH], e.Name[:])
}

func (e *DirEntry) unmarshal(buf []byte) {
	e.InodeNo = binary.LittleEndian.Uint32(buf[0:4])
	copy(e.Name[:], buf[4:4+FILE_NAME_MAX_LENGTH])
}

func direntName(s string) [FILE_NAME_MAX_LENGTH]byte {
	var n [FILE_NAME_MAX_LENGTH]byte
	copy(n[:], s)
	return n
}

func direntNameString(n [FILE_NAME_MAX_LENGTH]byte) string {
	i := 0
	for i < len(n) && n[i] != 0 {
		i++
	}
	return string(n[:i])
}

/// SuperBlock describes the on-disk layout, grounded on fs/super.go's
/// fixed-offset accessor pattern and §3's field list:
/// [boot][super][log_start: header + N slots][inode_start][bitmap_start][data].
type SuperBlock struct {
	NumBlocks    uint32
	NumInodes    uint32
	InodeStart   uint32
	BitmapStart  uint32
	LogStart     uint32
	NumLogBlocks uint32
	DataStart    uint32
}

const superBlockOnDiskSize = 7 * 4

func (s *SuperBlock) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], s.NumBlocks)
	binary.LittleEndian.PutUint32(buf[4:8], s.NumInodes)
	binary.LittleEndian.PutUint32(buf[8:12], s.InodeStart)
	binary.LittleEndian.PutUint32(buf[12:16], s.BitmapStart)
	binary.LittleEndian.PutUint32(buf[16:20], s.LogStart)
	binary.LittleEndian.PutUint32(buf[20:24], s.NumLogBlocks)
	binary.LittleEndian.PutUint32(buf[24:28], s.DataStart)
}

func (s *SuperBlock) unmarshal(buf []byte) {
	s.NumBlocks = binary.LittleEndian.Uint32(buf[0:4])
	s.NumInodes = binary.LittleEndian.Uint32(buf[4:8])
	s.InodeStart = binary.LittleEndian.Uint32(buf[8:12])
	s.BitmapStart = binary.LittleEndian.Uint32(buf[12:16])
	s.LogStart = binary.LittleEndian.Uint32(buf[16:20])
	s.NumLogBlocks = binary.LittleEndian.Uint32(buf[20:24])
	s.DataStart = binary.LittleEndian.Uint32(buf[24:28])
}

/// SuperBlockNo is the fixed block every image's super block lives at.
const SuperBlockNo = 1
