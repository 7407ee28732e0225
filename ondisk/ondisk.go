// Package ondisk defines the packed, little-endian on-disk records of the
// MINIX v3 layout (superblock, inode, directory entry) and their
// encoding/binary codecs. Struct fields are declared in wire order so
// binary.Read/Write produce the exact packed encoding.
package ondisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic is the MINIX v3 superblock magic number.
const Magic = 0x4D5A

// SuperblockSize is the on-disk encoded size of Superblock, in bytes.
const SuperblockSize = 32

// SuperblockOffset is the fixed byte offset of the superblock on the device.
const SuperblockOffset = 1024

// InodeSize is the on-disk size of one inode record, in bytes.
const InodeSize = 64

// DirEntrySize is the on-disk size of one directory entry, in bytes.
const DirEntrySize = 64

// NameMax is the maximum directory entry name length (DirEntrySize - 4).
const NameMax = DirEntrySize - 4

// NumZonePointers is the number of zone-pointer slots in an inode.
const NumZonePointers = 10

// Zone pointer slot indices.
const (
	DirectZones    = 7 // slots 0..6
	IndirectSlot   = 7
	DoubleIndirect = 8
	TripleIndirect = 9
)

// Superblock is the MINIX v3 superblock record, 32 bytes packed.
type Superblock struct {
	Ninodes       uint32
	Pad0          uint16
	ImapBlocks    uint16
	ZmapBlocks    uint16
	FirstDataZone uint16
	LogZoneSize   uint16
	Pad1          uint16
	MaxSize       uint32
	Zones         uint32
	MagicNum      uint16
	Pad2          uint16
	BlockSize     uint16
	DiskVersion   uint8
}

// Marshal encodes the superblock into its 32-byte wire form.
func (s *Superblock) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(SuperblockSize)
	_ = binary.Write(buf, binary.LittleEndian, s)
	out := make([]byte, SuperblockSize)
	copy(out, buf.Bytes())
	return out
}

// Unmarshal decodes a superblock from its 32-byte wire form.
func (s *Superblock) Unmarshal(data []byte) error {
	if len(data) < SuperblockSize {
		return fmt.Errorf("ondisk: short superblock buffer: %d bytes", len(data))
	}
	r := bytes.NewReader(data[:SuperblockSize])
	return binary.Read(r, binary.LittleEndian, s)
}

// Inode is the 64-byte packed MINIX v3 inode record.
type Inode struct {
	Mode    uint16
	Nlinks  uint16
	Uid     uint16
	Gid     uint16
	Size    uint32
	Atime   uint32
	Mtime   uint32
	Ctime   uint32
	Zones   [NumZonePointers]uint32
}

// Marshal encodes the inode into its 64-byte wire form.
func (in *Inode) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(InodeSize)
	_ = binary.Write(buf, binary.LittleEndian, in)
	out := make([]byte, InodeSize)
	copy(out, buf.Bytes())
	return out
}

// Unmarshal decodes an inode from its 64-byte wire form.
func (in *Inode) Unmarshal(data []byte) error {
	if len(data) < InodeSize {
		return fmt.Errorf("ondisk: short inode buffer: %d bytes", len(data))
	}
	r := bytes.NewReader(data[:InodeSize])
	return binary.Read(r, binary.LittleEndian, in)
}

// Mode bits (the subset of POSIX S_IF* this filesystem distinguishes).
const (
	SIFMT  = 0170000
	SIFDIR = 0040000
	SIFREG = 0100000
	SIFLNK = 0120000
)

// IsDir reports whether mode describes a directory.
func IsDir(mode uint16) bool { return mode&SIFMT == SIFDIR }

// IsRegular reports whether mode describes a regular file.
func IsRegular(mode uint16) bool { return mode&SIFMT == SIFREG }

// IsSymlink reports whether mode describes a symbolic link.
func IsSymlink(mode uint16) bool { return mode&SIFMT == SIFLNK }

// DirEntry is the 64-byte packed directory entry: a 4-byte inode number
// followed by a 60-byte NUL-terminated (or filling) name.
type DirEntry struct {
	Ino  uint32
	Name [NameMax]byte
}

// Marshal encodes the directory entry into its 64-byte wire form.
func (d *DirEntry) Marshal() []byte {
	out := make([]byte, DirEntrySize)
	binary.LittleEndian.PutUint32(out[0:4], d.Ino)
	copy(out[4:], d.Name[:])
	return out
}

// Unmarshal decodes a directory entry from its 64-byte wire form.
func (d *DirEntry) Unmarshal(data []byte) error {
	if len(data) < DirEntrySize {
		return fmt.Errorf("ondisk: short dirent buffer: %d bytes", len(data))
	}
	d.Ino = binary.LittleEndian.Uint32(data[0:4])
	copy(d.Name[:], data[4:DirEntrySize])
	return nil
}

// NameString returns the entry's name truncated at the first NUL byte (or
// the full 60 bytes if none is present).
func (d *DirEntry) NameString() string {
	n := bytes.IndexByte(d.Name[:], 0)
	if n < 0 {
		n = len(d.Name)
	}
	return string(d.Name[:n])
}

// SetName writes name into the entry's fixed-size name field, zero-padding
// the remainder. The caller is responsible for checking len(name) <= NameMax.
func (d *DirEntry) SetName(name string) {
	var buf [NameMax]byte
	copy(buf[:], name)
	d.Name = buf
}

// IsTombstone reports whether the entry is a free/recyclable slot.
func (d *DirEntry) IsTombstone() bool { return d.Ino == 0 }
