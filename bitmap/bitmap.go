// Package bitmap implements the inode/zone bitmap allocator: a cached,
// block-resident bit array with allocate/free, a rollback transaction, and
// a sync path that flushes dirty blocks back through BlockStore. Bit i
// lives in byte i/8 at position i%8 (LSB-first); bit 0 is reserved and
// never handed out.
package bitmap

import (
	"github.com/gsh20040816/minixfs/blockstore"
	"github.com/gsh20040816/minixfs/minixerr"
)

// Index identifies a bit position in the bitmap. Bit 0 is always reserved.
type Index uint32

// Allocator caches the full bitmap (numBlocks*blockSize bytes) in one
// contiguous buffer, allocated once at mount and held until unmount, so
// allocate/free never touch the device directly.
type Allocator struct {
	bs         *blockstore.BlockStore
	startBlock uint32
	numBlocks  uint32
	blockSize  uint32

	bytes []byte
	dirty map[uint32]bool // block index (0-based within this bitmap) -> dirty

	totalBits uint32

	firstFreeIndex    Index
	lastAllocatedHint Index

	inTx    bool
	pending map[uint32]byte // byte offset -> new byte value, transaction-only
}

// New constructs an Allocator over numBlocks blocks of the device starting
// at startBlock, covering totalBits logical bits (ninodes+1 for the inode
// map, total zones for the zone map). The cache is loaded from the device
// immediately.
func New(bs *blockstore.BlockStore, startBlock, numBlocks, blockSize, totalBits uint32) (*Allocator, error) {
	const op = "bitmap.New"

	a := &Allocator{
		bs:                bs,
		startBlock:        startBlock,
		numBlocks:         numBlocks,
		blockSize:         blockSize,
		bytes:             make([]byte, numBlocks*blockSize),
		dirty:             make(map[uint32]bool),
		totalBits:         totalBits,
		firstFreeIndex:    1,
		lastAllocatedHint: 1,
		pending:           make(map[uint32]byte),
	}

	buf := make([]byte, blockSize)
	for i := uint32(0); i < numBlocks; i++ {
		if err := bs.ReadBlock(startBlock+i, buf); err != nil {
			return nil, minixerr.Wrap(op, minixerr.ReadFail, err)
		}
		copy(a.bytes[i*blockSize:(i+1)*blockSize], buf)
	}

	return a, nil
}

func bitPos(i Index) (byteOff uint32, bit uint) {
	return uint32(i) / 8, uint(i) % 8
}

func (a *Allocator) testBit(i Index) bool {
	byteOff, bit := bitPos(i)
	return a.bytes[byteOff]&(1<<bit) != 0
}

func (a *Allocator) setBit(i Index) {
	byteOff, bit := bitPos(i)
	if a.inTx {
		cur, ok := a.pending[byteOff]
		if !ok {
			cur = a.bytes[byteOff]
		}
		a.pending[byteOff] = cur | (1 << bit)
		return
	}
	a.bytes[byteOff] |= 1 << bit
	a.markDirty(byteOff)
}

func (a *Allocator) clearBit(i Index) {
	byteOff, bit := bitPos(i)
	if a.inTx {
		cur, ok := a.pending[byteOff]
		if !ok {
			cur = a.bytes[byteOff]
		}
		a.pending[byteOff] = cur &^ (1 << bit)
		return
	}
	a.bytes[byteOff] &^= 1 << bit
	a.markDirty(byteOff)
}

func (a *Allocator) markDirty(byteOff uint32) {
	blk := byteOff / a.blockSize
	a.dirty[blk] = true
}

// Allocate scans from lastAllocatedHint, wrapping around, for the first bit
// that is clear, sets it, and returns its index. Bit 0 is never considered.
// Returns NoSpace if the full range (excluding bit 0) is already allocated.
func (a *Allocator) Allocate() (Index, error) {
	const op = "bitmap.Allocate"

	start := a.lastAllocatedHint
	if start == 0 {
		start = 1
	}

	for scanned := uint32(0); scanned < a.totalBits; scanned++ {
		idx := Index((uint32(start) + scanned) % a.totalBits)
		if idx == 0 {
			continue
		}
		if !a.Test(idx) {
			a.setBit(idx)
			a.lastAllocatedHint = idx + 1
			if uint32(a.lastAllocatedHint) >= a.totalBits {
				a.lastAllocatedHint = 1
			}
			return idx, nil
		}
	}

	return 0, minixerr.New(op, minixerr.NoSpace)
}

// Free clears the bit at index. Fails FreeingUnallocated if it is already
// clear, InvalidBmapIndex if out of bounds.
func (a *Allocator) Free(index Index) error {
	const op = "bitmap.Free"
	if index == 0 || uint32(index) >= a.totalBits {
		return minixerr.New(op, minixerr.InvalidBmapIndex)
	}
	if !a.Test(index) {
		return minixerr.New(op, minixerr.FreeingUnallocated)
	}
	a.clearBit(index)
	return nil
}

// Test reports whether index is currently allocated (bits pending inside an
// open transaction are visible to Test so callers within the same
// transaction see a consistent view).
func (a *Allocator) Test(index Index) bool {
	byteOff, bit := bitPos(index)
	if a.inTx {
		if v, ok := a.pending[byteOff]; ok {
			return v&(1<<bit) != 0
		}
	}
	return a.testBit(index)
}

// AllocatedCount returns the number of set bits in the cache (bit 0
// excluded), used for statvfs-style accounting.
func (a *Allocator) AllocatedCount() uint32 {
	var count uint32
	for i := uint32(1); i < a.totalBits; i++ {
		if a.testBit(Index(i)) {
			count++
		}
	}
	return count
}

// TotalCount returns the logical bit-space size (ninodes+1 for the inode
// map, total zones for the zone map).
func (a *Allocator) TotalCount() uint32 { return a.totalBits }

////////////////////////////////////////////////////////////////////////
// Sync
////////////////////////////////////////////////////////////////////////

// Sync writes every dirty block back through BlockStore and clears the
// dirty flags. Must not be called while a transaction is open.
func (a *Allocator) Sync() error {
	const op = "bitmap.Sync"
	if a.inTx {
		return minixerr.New(op, minixerr.InTransaction)
	}

	for blk := range a.dirty {
		buf := a.bytes[blk*a.blockSize : (blk+1)*a.blockSize]
		if err := a.bs.WriteBlock(a.startBlock+blk, buf); err != nil {
			return minixerr.Wrap(op, minixerr.WriteFail, err)
		}
		delete(a.dirty, blk)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Transactions
////////////////////////////////////////////////////////////////////////

// BeginTx opens a rollback transaction: subsequent Allocate/Free calls are
// recorded only in a pending byte-offset map, not applied to the cache.
func (a *Allocator) BeginTx() error {
	const op = "bitmap.BeginTx"
	if a.inTx {
		return minixerr.New(op, minixerr.InTransaction)
	}
	a.inTx = true
	a.pending = make(map[uint32]byte)
	return nil
}

// CommitTx applies the pending changes to the cache and marks the affected
// blocks dirty; a later Sync will flush them.
func (a *Allocator) CommitTx() error {
	const op = "bitmap.CommitTx"
	if !a.inTx {
		return minixerr.New(op, minixerr.NotInTransaction)
	}
	for byteOff, val := range a.pending {
		a.bytes[byteOff] = val
		a.markDirty(byteOff)
	}
	a.pending = make(map[uint32]byte)
	a.inTx = false
	return nil
}

// RevertTx discards the pending changes.
func (a *Allocator) RevertTx() error {
	const op = "bitmap.RevertTx"
	if !a.inTx {
		return minixerr.New(op, minixerr.NotInTransaction)
	}
	a.pending = make(map[uint32]byte)
	a.inTx = false
	return nil
}

// InTransaction reports whether a rollback transaction is open.
func (a *Allocator) InTransaction() bool { return a.inTx }
