// Package zonemap walks an inode's direct / single- / double- / triple-
// indirect zone pointers, translating a logical zone index into a physical
// zone number, with optional allocate-on-miss and free-on-hit.
package zonemap

import (
	"encoding/binary"

	"github.com/gsh20040816/minixfs/bitmap"
	"github.com/gsh20040816/minixfs/blockstore"
	"github.com/gsh20040816/minixfs/inodestore"
	"github.com/gsh20040816/minixfs/layout"
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/ondisk"
)

// Mapper holds non-owning references to BlockStore, Layout, the zone
// bitmap allocator, and the inode store; the FS facade owns all four.
type Mapper struct {
	bs     *blockstore.BlockStore
	lo     *layout.Layout
	zmap   *bitmap.Allocator
	inodes *inodestore.Store
}

// New builds a Mapper over the given collaborators.
func New(bs *blockstore.BlockStore, lo *layout.Layout, zmap *bitmap.Allocator, inodes *inodestore.Store) *Mapper {
	return &Mapper{bs: bs, lo: lo, zmap: zmap, inodes: inodes}
}

// ptrSource abstracts "a place a zone pointer is stored": either one of an
// inode's 10 zone slots, or one entry in an indirect block.
type ptrSource interface {
	get(idx uint32) (uint32, error)
	set(idx uint32, val uint32) error
}

////////////////////////////////////////////////////////////////////////
// inode direct-slot source
////////////////////////////////////////////////////////////////////////

type inodeZoneSrc struct {
	inodes  *inodestore.Store
	inodeNo uint32
	in      *ondisk.Inode
}

func (s *inodeZoneSrc) get(idx uint32) (uint32, error) {
	return s.in.Zones[idx], nil
}

func (s *inodeZoneSrc) set(idx uint32, val uint32) error {
	s.in.Zones[idx] = val
	return s.inodes.Write(s.inodeNo, s.in)
}

////////////////////////////////////////////////////////////////////////
// indirect-block source
////////////////////////////////////////////////////////////////////////

// indirectBlockSrc is the pointer array held in the first block of an
// indirect zone (zones_per_indirect = block_size/4 entries fit in exactly
// one block regardless of blocks_per_zone).
type indirectBlockSrc struct {
	bs     *blockstore.BlockStore
	block  uint32
	buf    []byte
	loaded bool
}

func newIndirectBlockSrcZeroed(bs *blockstore.BlockStore, block uint32) (*indirectBlockSrc, error) {
	buf := make([]byte, bs.BlockSize())
	if err := bs.WriteBlock(block, buf); err != nil {
		return nil, err
	}
	return &indirectBlockSrc{bs: bs, block: block, buf: buf, loaded: true}, nil
}

func (s *indirectBlockSrc) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	s.buf = make([]byte, s.bs.BlockSize())
	if err := s.bs.ReadBlock(s.block, s.buf); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func (s *indirectBlockSrc) get(idx uint32) (uint32, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	off := idx * 4
	return binary.LittleEndian.Uint32(s.buf[off : off+4]), nil
}

func (s *indirectBlockSrc) set(idx uint32, val uint32) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	off := idx * 4
	binary.LittleEndian.PutUint32(s.buf[off:off+4], val)
	return s.bs.WriteBlock(s.block, s.buf)
}

func (s *indirectBlockSrc) allZero() (bool, error) {
	if err := s.ensureLoaded(); err != nil {
		return false, err
	}
	for _, b := range s.buf {
		if b != 0 {
			return false, nil
		}
	}
	return true, nil
}

////////////////////////////////////////////////////////////////////////
// region decomposition
////////////////////////////////////////////////////////////////////////

// region identifies which of the four logical-index regions a zone index
// falls into, and the per-level indices needed to reach it.
type region struct {
	rootSlot  uint32   // one of 0..6 (direct), or IndirectSlot/DoubleIndirect/TripleIndirect
	direct    bool     // true iff this is a direct (slots 0-6) index
	innerIdxs []uint32 // indices to descend through indirect blocks, outer to inner
}

func (m *Mapper) decompose(li uint64) (region, error) {
	const op = "zonemap.decompose"

	n := uint64(m.lo.ZonesPerIndirect)
	if n == 0 {
		return region{}, minixerr.New(op, minixerr.InvalidFileOffset)
	}

	direct := uint64(ondisk.DirectZones)
	single := n
	double := n * n
	triple := n * n * n

	switch {
	case li < direct:
		return region{rootSlot: uint32(li), direct: true}, nil

	case li < direct+single:
		idx := li - direct
		return region{rootSlot: ondisk.IndirectSlot, innerIdxs: []uint32{uint32(idx)}}, nil

	case li < direct+single+double:
		idx := li - direct - single
		outer := uint32(idx / n)
		inner := uint32(idx % n)
		return region{rootSlot: ondisk.DoubleIndirect, innerIdxs: []uint32{outer, inner}}, nil

	case li < direct+single+double+triple:
		idx := li - direct - single - double
		outer := uint32(idx / (n * n))
		rem := idx % (n * n)
		mid := uint32(rem / n)
		inner := uint32(rem % n)
		return region{rootSlot: ondisk.TripleIndirect, innerIdxs: []uint32{outer, mid, inner}}, nil

	default:
		return region{}, minixerr.New(op, minixerr.InvalidFileOffset)
	}
}

////////////////////////////////////////////////////////////////////////
// Map (read, and optionally allocate)
////////////////////////////////////////////////////////////////////////

// Map translates logical zone index li for inode inodeNo (whose in-memory
// record is in) into a physical zone number. If allocate is true, any hole
// encountered along the path (including intermediate indirect blocks) is
// filled with a freshly allocated zone; newly allocated indirect-block
// zones are zero-initialised before use. If allocate is false, a hole
// anywhere along the path yields a physical result of 0.
func (m *Mapper) Map(inodeNo uint32, in *ondisk.Inode, li uint64, allocate bool) (uint32, error) {
	zone, _, err := m.MapAlloc(inodeNo, in, li, allocate)
	return zone, err
}

// MapAlloc is Map, additionally reporting whether the returned zone was
// freshly allocated by this call (so FileIO.Write knows it must
// zero-initialise the zone before a partial update).
func (m *Mapper) MapAlloc(inodeNo uint32, in *ondisk.Inode, li uint64, allocate bool) (uint32, bool, error) {
	r, err := m.decompose(li)
	if err != nil {
		return 0, false, err
	}

	root := &inodeZoneSrc{inodes: m.inodes, inodeNo: inodeNo, in: in}

	if r.direct {
		return m.mapLeaf(root, r.rootSlot, allocate)
	}

	curSrc := ptrSource(root)
	curIdx := r.rootSlot
	for _, nextIdx := range r.innerIdxs {
		zone, wasAlloc, err := m.mapLeaf(curSrc, curIdx, allocate)
		if err != nil {
			return 0, false, err
		}
		if zone == 0 {
			return 0, false, nil
		}

		block := m.lo.ZoneToBlock(zone)
		var child *indirectBlockSrc
		if wasAlloc {
			child, err = newIndirectBlockSrcZeroed(m.bs, block)
		} else {
			child = &indirectBlockSrc{bs: m.bs, block: block}
		}
		if err != nil {
			return 0, false, err
		}

		curSrc = child
		curIdx = nextIdx
	}

	return m.mapLeaf(curSrc, curIdx, allocate)
}

// mapLeaf reads the pointer at (src, idx); if it is zero and allocate is
// requested, it allocates a fresh zone, stores it, and reports that it was
// newly allocated (so the caller can zero-initialise an indirect block
// built atop it).
func (m *Mapper) mapLeaf(src ptrSource, idx uint32, allocate bool) (zone uint32, wasAllocated bool, err error) {
	ptr, err := src.get(idx)
	if err != nil {
		return 0, false, err
	}
	if ptr != 0 {
		return ptr, false, nil
	}
	if !allocate {
		return 0, false, nil
	}

	newZone, err := m.zmap.Allocate()
	if err != nil {
		return 0, false, err
	}
	if err := src.set(idx, uint32(newZone)); err != nil {
		return 0, false, err
	}
	return uint32(newZone), true, nil
}

////////////////////////////////////////////////////////////////////////
// FreeLogicalZone
////////////////////////////////////////////////////////////////////////

type step struct {
	src  ptrSource
	idx  uint32
	zone uint32
}

// FreeLogicalZone clears the pointer to logical zone li and returns its
// physical zone to the bitmap allocator, freeing empty indirect blocks
// along the way and clearing their pointers in turn. A no-op if li was
// already a hole.
func (m *Mapper) FreeLogicalZone(inodeNo uint32, in *ondisk.Inode, li uint64) error {
	r, err := m.decompose(li)
	if err != nil {
		return err
	}

	root := &inodeZoneSrc{inodes: m.inodes, inodeNo: inodeNo, in: in}

	if r.direct {
		zone, err := root.get(r.rootSlot)
		if err != nil {
			return err
		}
		if zone == 0 {
			return nil
		}
		if err := root.set(r.rootSlot, 0); err != nil {
			return err
		}
		return m.zmap.Free(bitmap.Index(zone))
	}

	steps, err := m.walkReadOnly(root, r.rootSlot, r.innerIdxs)
	if err != nil {
		return err
	}

	last := steps[len(steps)-1]
	if last.zone == 0 {
		return nil
	}
	if err := last.src.set(last.idx, 0); err != nil {
		return err
	}
	if err := m.zmap.Free(bitmap.Index(last.zone)); err != nil {
		return err
	}

	for k := len(steps) - 1; k >= 1; k-- {
		blockSrc, ok := steps[k].src.(*indirectBlockSrc)
		if !ok {
			break
		}
		allZero, err := blockSrc.allZero()
		if err != nil {
			return err
		}
		if !allZero {
			break
		}
		if err := steps[k-1].src.set(steps[k-1].idx, 0); err != nil {
			return err
		}
		if err := m.zmap.Free(bitmap.Index(steps[k-1].zone)); err != nil {
			return err
		}
	}

	return nil
}

// walkReadOnly descends without allocating, recording each (source, index,
// zone-read) step. If a hole is found partway, the returned slice stops
// there (its last entry has zone == 0) and the caller must treat the whole
// subtree as already free.
func (m *Mapper) walkReadOnly(rootSrc ptrSource, rootIdx uint32, innerIdxs []uint32) ([]step, error) {
	steps := make([]step, 0, len(innerIdxs)+1)

	curSrc := rootSrc
	curIdx := rootIdx
	for _, nextIdx := range innerIdxs {
		zone, err := curSrc.get(curIdx)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{src: curSrc, idx: curIdx, zone: zone})
		if zone == 0 {
			return steps, nil
		}

		block := m.lo.ZoneToBlock(zone)
		curSrc = &indirectBlockSrc{bs: m.bs, block: block}
		curIdx = nextIdx
	}

	zone, err := curSrc.get(curIdx)
	if err != nil {
		return nil, err
	}
	steps = append(steps, step{src: curSrc, idx: curIdx, zone: zone})
	return steps, nil
}
