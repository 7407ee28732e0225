package minixfs

import (
	"encoding/binary"
	"fmt"

	"github.com/gsh20040816/minixfs/bitmap"
	"github.com/gsh20040816/minixfs/ondisk"
)

// checkInvariants walks the whole filesystem and panics on the first
// structural violation it finds. It is wired into fs.mu via
// syncutil.NewInvariantMutex, so it runs around every mutating operation
// when invariant checking has been enabled (tests call
// syncutil.EnableInvariantChecking); production mounts never pay for it.
func (fs *FS) checkInvariants() {
	// INVARIANT: every allocated inode bit maps to a readable inode record.
	inodes := make(map[uint32]ondisk.Inode)
	reachable := make(map[uint32]bool)
	for i := uint32(1); i <= fs.lo.Ninodes; i++ {
		if !fs.imap.Test(bitmap.Index(i)) {
			continue
		}
		var in ondisk.Inode
		if err := fs.inodes.Read(i, &in); err != nil {
			panic(fmt.Sprintf("allocated inode %d unreadable: %v", i, err))
		}
		inodes[i] = in
		fs.collectZones(i, &in, reachable)
	}

	// INVARIANT: directory sizes are entry-aligned; every live entry points
	// to an allocated inode; "." (pointing to self) and ".." exist exactly
	// once each.
	refs := make(map[uint32]int)
	for i, in := range inodes {
		if !ondisk.IsDir(in.Mode) {
			continue
		}
		if in.Size%ondisk.DirEntrySize != 0 {
			panic(fmt.Sprintf("directory %d size %d not a multiple of %d", i, in.Size, ondisk.DirEntrySize))
		}

		dirIn := in
		slots := in.Size / ondisk.DirEntrySize
		dot, dotdot := 0, 0
		for s := uint32(0); s < slots; s++ {
			e, err := fs.dirs.ReadRaw(i, &dirIn, s)
			if err != nil {
				panic(fmt.Sprintf("directory %d slot %d unreadable: %v", i, s, err))
			}
			if e.IsTombstone() {
				continue
			}
			if _, ok := inodes[e.Ino]; !ok {
				panic(fmt.Sprintf("directory %d entry %q points to unallocated inode %d", i, e.NameString(), e.Ino))
			}
			refs[e.Ino]++
			switch e.NameString() {
			case ".":
				dot++
				if e.Ino != i {
					panic(fmt.Sprintf("directory %d \".\" points to %d", i, e.Ino))
				}
			case "..":
				dotdot++
			}
		}
		if dot != 1 || dotdot != 1 {
			panic(fmt.Sprintf("directory %d has %d \".\" and %d \"..\" entries", i, dot, dotdot))
		}
	}

	// INVARIANT: nlinks equals the number of directory entries pointing at
	// the inode, and an allocated inode with zero links is an orphan still
	// held open.
	for i, in := range inodes {
		if int(in.Nlinks) != refs[i] {
			panic(fmt.Sprintf("inode %d has nlinks %d but %d directory references", i, in.Nlinks, refs[i]))
		}
		if in.Nlinks == 0 && fs.open.Empty(i) {
			panic(fmt.Sprintf("inode %d allocated with no links and no open handles", i))
		}
	}

	// INVARIANT: the data-zone bitmap agrees exactly with the pointer graph.
	for z := fs.lo.FirstDataZone; z < fs.lo.Zones; z++ {
		allocated := fs.zmap.Test(bitmap.Index(z))
		if reachable[z] && !allocated {
			panic(fmt.Sprintf("zone %d reachable from an inode but free in the bitmap", z))
		}
		if !reachable[z] && allocated {
			panic(fmt.Sprintf("zone %d allocated in the bitmap but unreachable", z))
		}
	}
}

// collectZones records every physical zone reachable from in's pointer
// graph (direct plus all indirect levels), panicking on out-of-range or
// doubly-referenced pointers.
func (fs *FS) collectZones(ino uint32, in *ondisk.Inode, out map[uint32]bool) {
	for s := 0; s < ondisk.DirectZones; s++ {
		fs.noteZone(ino, in.Zones[s], out)
	}
	fs.collectIndirect(ino, in.Zones[ondisk.IndirectSlot], 1, out)
	fs.collectIndirect(ino, in.Zones[ondisk.DoubleIndirect], 2, out)
	fs.collectIndirect(ino, in.Zones[ondisk.TripleIndirect], 3, out)
}

func (fs *FS) noteZone(ino, z uint32, out map[uint32]bool) {
	if z == 0 {
		return
	}
	if z >= fs.lo.Zones {
		panic(fmt.Sprintf("inode %d holds zone pointer %d past the zone count %d", ino, z, fs.lo.Zones))
	}
	if out[z] {
		panic(fmt.Sprintf("zone %d referenced more than once (via inode %d)", z, ino))
	}
	out[z] = true
}

func (fs *FS) collectIndirect(ino, z uint32, depth int, out map[uint32]bool) {
	if z == 0 {
		return
	}
	fs.noteZone(ino, z, out)

	buf := make([]byte, fs.lo.BlockSize)
	if err := fs.bs.ReadBlock(fs.lo.ZoneToBlock(z), buf); err != nil {
		panic(fmt.Sprintf("inode %d indirect block in zone %d unreadable: %v", ino, z, err))
	}
	for k := uint32(0); k < fs.lo.ZonesPerIndirect; k++ {
		ptr := binary.LittleEndian.Uint32(buf[k*4 : k*4+4])
		if depth == 1 {
			fs.noteZone(ino, ptr, out)
		} else {
			fs.collectIndirect(ino, ptr, depth-1, out)
		}
	}
}
