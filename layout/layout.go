// Package layout derives the immutable on-disk geometry of a mounted MINIX
// v3 filesystem from its superblock, and maps inode numbers and zone
// numbers to physical block addresses.
package layout

import (
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/ondisk"
)

const (
	imapStartBlock = 2
)

// Layout holds every constant derivable from a validated superblock.
type Layout struct {
	BlockSize       uint32
	LogZoneSize     uint32
	BlocksPerZone   uint32
	Ninodes         uint32
	ImapBlocks      uint32
	ZmapBlocks      uint32
	FirstDataZone   uint32
	Zones           uint32
	MaxSize         uint64

	ImapStart       uint32
	ZmapStart       uint32
	InodeStart      uint32
	DataStartBlock  uint32

	InodesPerBlock    uint32
	ZonesPerIndirect  uint32
}

// Derive computes the layout constants from sb without mount-time
// validation. FromSuperblock is Derive plus the invariant checks; callers
// working with deliberately tiny geometry (tests) use Derive directly.
func Derive(sb *ondisk.Superblock) *Layout {
	l := &Layout{
		BlockSize:     uint32(sb.BlockSize),
		LogZoneSize:   uint32(sb.LogZoneSize),
		BlocksPerZone: 1 << uint(sb.LogZoneSize),
		Ninodes:       sb.Ninodes,
		ImapBlocks:    uint32(sb.ImapBlocks),
		ZmapBlocks:    uint32(sb.ZmapBlocks),
		FirstDataZone: uint32(sb.FirstDataZone),
		Zones:         sb.Zones,
		MaxSize:       uint64(sb.MaxSize),
	}

	l.InodesPerBlock = l.BlockSize / ondisk.InodeSize
	l.ZonesPerIndirect = l.BlockSize / 4

	l.ImapStart = imapStartBlock
	l.ZmapStart = l.ImapStart + l.ImapBlocks
	l.InodeStart = l.ZmapStart + l.ZmapBlocks

	l.DataStartBlock = l.FirstDataZone * l.BlocksPerZone

	return l
}

// FromSuperblock validates the superblock's invariants and derives the
// layout constants used by every other component.
func FromSuperblock(sb *ondisk.Superblock) (*Layout, error) {
	const op = "Layout.FromSuperblock"

	if sb.MagicNum != ondisk.Magic {
		return nil, minixerr.New(op, minixerr.InvalidSuperblock)
	}
	switch sb.BlockSize {
	case 1024, 2048, 4096:
	default:
		return nil, minixerr.New(op, minixerr.InvalidSuperblock)
	}
	if sb.LogZoneSize > 7 {
		return nil, minixerr.New(op, minixerr.InvalidSuperblock)
	}

	l := Derive(sb)

	// inode bitmap must cover at least [0, ninodes].
	imapBits := l.ImapBlocks * l.BlockSize * 8
	if imapBits < l.Ninodes+1 {
		return nil, minixerr.New(op, minixerr.InvalidSuperblock)
	}
	zmapBits := l.ZmapBlocks * l.BlockSize * 8
	if zmapBits < l.Zones {
		return nil, minixerr.New(op, minixerr.InvalidSuperblock)
	}

	inodeBlocks := (l.Ninodes + l.InodesPerBlock - 1) / l.InodesPerBlock
	if l.InodesPerBlock == 0 {
		inodeBlocks = 0
	}
	expectedFirstDataZoneBlock := l.InodeStart + inodeBlocks
	expectedFirstDataZone := (expectedFirstDataZoneBlock + l.BlocksPerZone - 1) / l.BlocksPerZone
	if l.FirstDataZone < expectedFirstDataZone {
		return nil, minixerr.New(op, minixerr.InvalidSuperblock)
	}

	return l, nil
}

// ZoneToBlock converts a zone number to its first physical block number.
func (l *Layout) ZoneToBlock(z uint32) uint32 {
	return z * l.BlocksPerZone
}

// InodeOffset returns the (block number, byte offset within block) of inode
// number i (1-based). Returns InvalidInode for i==0 or i>Ninodes.
func (l *Layout) InodeOffset(i uint32) (block uint32, offset uint32, err error) {
	if i == 0 || i > l.Ninodes {
		return 0, 0, minixerr.New("Layout.InodeOffset", minixerr.InvalidInode)
	}
	idx := i - 1
	block = l.InodeStart + idx/l.InodesPerBlock
	offset = (idx % l.InodesPerBlock) * ondisk.InodeSize
	return block, offset, nil
}

// ZoneSize returns the size in bytes of one zone.
func (l *Layout) ZoneSize() uint64 {
	return uint64(l.BlocksPerZone) * uint64(l.BlockSize)
}
