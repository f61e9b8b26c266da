package fs

import (
	"oslab/bdev"
	"oslab/klimits"
)

// Format lays out a fresh, empty filesystem on disk and returns its
// super block: [boot][super][log header+slots][inode table][bitmap][data],
// grounded on mkfs/mkfs.go's disk-image construction, generalized from
// its hardcoded (nlogblks, ninodeblks, ndatablks) triple to sizes
// derived from the requested inode/data block counts.
func Format(disk bdev.BlockDevice, numInodes, numDataBlocks int, limits *klimits.Limits_t) *SuperBlock {
	logBlocks := limits.LogMaxLen + 1 // header + LOG_MAX_SIZE slots
	inodeBlocks := (numInodes + INODE_PER_BLOCK - 1) / INODE_PER_BLOCK

	logStart := uint32(SuperBlockNo + 1)
	inodeStart := logStart + uint32(logBlocks)

	// First pass: bitmap must cover every block including itself, so
	// size it against an initial estimate and grow until stable.
	bitmapStart := inodeStart + uint32(inodeBlocks)
	total := bitmapStart + 1 + uint32(numDataBlocks)
	bitmapBlocks := uint32((total + BSIZE*8 - 1) / (BSIZE * 8))
	for {
		need := (bitmapStart + bitmapBlocks + uint32(numDataBlocks) + BSIZE*8 - 1) / (BSIZE * 8)
		if need <= bitmapBlocks {
			break
		}
		bitmapBlocks = need
	}
	dataStart := bitmapStart + bitmapBlocks
	total = dataStart + uint32(numDataBlocks)

	sb := &SuperBlock{
		NumBlocks:    total,
		NumInodes:    uint32(numInodes),
		InodeStart:   inodeStart,
		BitmapStart:  bitmapStart,
		LogStart:     logStart,
		NumLogBlocks: uint32(logBlocks),
		DataStart:    dataStart,
	}

	zero := make([]byte, BSIZE)
	for b := uint32(0); b < total; b++ {
		must(disk.WriteBlock(int(b), zero))
	}

	sbuf := make([]byte, BSIZE)
	sb.marshal(sbuf)
	must(disk.WriteBlock(SuperBlockNo, sbuf))

	return sb
}

/// ReadSuperBlock loads the super block from an already-formatted
/// disk, grounded on ufs.BootFS's boot-time read of the layout block.
func ReadSuperBlock(disk bdev.BlockDevice) *SuperBlock {
	buf := make([]byte, BSIZE)
	must(disk.ReadBlock(SuperBlockNo, buf))
	sb := &SuperBlock{}
	sb.unmarshal(buf)
	return sb
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
