package bdev

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestMemDiskRoundTrip(t *testing.T) {
	d := NewMemDisk(4)
	buf := bytes.Repeat([]byte{0x42}, BlockSize)
	if err := d.WriteBlock(2, buf); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, BlockSize)
	if err := d.ReadBlock(2, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, out) {
		t.Fatal("read back mismatched write")
	}
}

func TestMemDiskOutOfRange(t *testing.T) {
	d := NewMemDisk(1)
	if err := d.ReadBlock(5, make([]byte, BlockSize)); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestFileDiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	d, err := OpenFileDisk(path, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if d.NumBlocks() != 8 {
		t.Fatalf("expected 8 blocks, got %d", d.NumBlocks())
	}
	buf := bytes.Repeat([]byte{0x7}, BlockSize)
	if err := d.WriteBlock(3, buf); err != nil {
		t.Fatal(err)
	}
	if err := d.Sync(); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, BlockSize)
	if err := d.ReadBlock(3, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, out) {
		t.Fatal("read back mismatched write")
	}
}
