// Package fileio reads and writes file byte ranges through the zone
// mapper, and implements truncate and hole semantics: a zero zone pointer
// in a regular file reads as zeros and is allocated lazily on write.
package fileio

import (
	"github.com/jacobsa/timeutil"

	"github.com/gsh20040816/minixfs/blockstore"
	"github.com/gsh20040816/minixfs/inodestore"
	"github.com/gsh20040816/minixfs/layout"
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/ondisk"
	"github.com/gsh20040816/minixfs/zonemap"
)

// maxExtendChunk bounds how many bytes Truncate's extend path will zero-fill
// in a single underlying write.
const maxExtendChunk = 1 << 20 // 1 MiB

// FileIO reads, writes, and truncates regular-file byte ranges.
type FileIO struct {
	bs     *blockstore.BlockStore
	lo     *layout.Layout
	inodes *inodestore.Store
	zones  *zonemap.Mapper
	clock  timeutil.Clock
}

// New builds a FileIO over the given collaborators. clock supplies
// mtime/ctime stamps (a timeutil.SimulatedClock in tests).
func New(bs *blockstore.BlockStore, lo *layout.Layout, inodes *inodestore.Store, zones *zonemap.Mapper, clock timeutil.Clock) *FileIO {
	return &FileIO{bs: bs, lo: lo, inodes: inodes, zones: zones, clock: clock}
}

func (f *FileIO) now() uint32 {
	return uint32(f.clock.Now().Unix())
}

// Read fills buf with the bytes of inode inodeNo starting at offset. The
// request is silently bounded at the current file size, returning the
// number of bytes actually produced; an offset at or past EOF reads zero
// bytes rather than failing, matching read(2).
func (f *FileIO) Read(inodeNo uint32, in *ondisk.Inode, buf []byte, offset uint64) (int, error) {
	const op = "FileIO.Read"

	if !ondisk.IsRegular(in.Mode) && !ondisk.IsDir(in.Mode) && !ondisk.IsSymlink(in.Mode) {
		return 0, minixerr.New(op, minixerr.FsBroken)
	}

	size := uint64(len(buf))
	if offset >= uint64(in.Size) {
		return 0, nil
	}
	if offset+size > uint64(in.Size) {
		size = uint64(in.Size) - offset
	}
	if size == 0 {
		return 0, nil
	}

	zoneSize := f.lo.ZoneSize()
	startZone := offset / zoneSize
	endZone := (offset + size - 1) / zoneSize

	bounce := make([]byte, zoneSize)

	read := uint64(0)
	for zi := startZone; zi <= endZone; zi++ {
		zoneStart := zi * zoneSize
		rangeStart := offset + read
		inZoneOff := rangeStart - zoneStart
		remaining := size - read
		chunk := zoneSize - inZoneOff
		if chunk > remaining {
			chunk = remaining
		}

		phys, err := f.zones.Map(inodeNo, in, zi, false)
		if err != nil {
			return int(read), err
		}

		if phys == 0 {
			if !ondisk.IsRegular(in.Mode) {
				return int(read), minixerr.New(op, minixerr.FsBroken)
			}
			for i := uint64(0); i < chunk; i++ {
				buf[read+i] = 0
			}
			read += chunk
			continue
		}

		if inZoneOff == 0 && chunk == zoneSize {
			if err := f.bs.ReadZone(phys, buf[read:read+chunk]); err != nil {
				return int(read), err
			}
		} else {
			if err := f.bs.ReadZone(phys, bounce); err != nil {
				return int(read), err
			}
			copy(buf[read:read+chunk], bounce[inZoneOff:inZoneOff+chunk])
		}
		read += chunk
	}

	return int(read), nil
}

// Write writes data to inode inodeNo at offset, allocating zones (and
// zero-filling any newly allocated zone before a partial update so holes
// never expose stale disk contents) as needed, updating size/mtime/ctime.
// The caller supplies a begun BlockStore + zone-bitmap transaction pair;
// Write neither begins nor commits them — the caller (NameOps/TxManager)
// owns that scope so multiple FileIO calls can share one transaction.
func (f *FileIO) Write(inodeNo uint32, in *ondisk.Inode, data []byte, offset uint64) (int, error) {
	const op = "FileIO.Write"

	if !ondisk.IsRegular(in.Mode) && !ondisk.IsDir(in.Mode) && !ondisk.IsSymlink(in.Mode) {
		return 0, minixerr.New(op, minixerr.NotRegularFile)
	}

	size := uint64(len(data))
	if size == 0 {
		return 0, nil
	}
	if f.lo.MaxSize != 0 && offset+size > f.lo.MaxSize {
		return 0, minixerr.New(op, minixerr.InvalidFileOffset)
	}

	zoneSize := f.lo.ZoneSize()
	startZone := offset / zoneSize
	endZone := (offset + size - 1) / zoneSize

	bounce := make([]byte, zoneSize)

	written := uint64(0)
	for zi := startZone; zi <= endZone; zi++ {
		zoneStart := zi * zoneSize
		rangeStart := offset + written
		inZoneOff := rangeStart - zoneStart
		remaining := size - written
		chunk := zoneSize - inZoneOff
		if chunk > remaining {
			chunk = remaining
		}

		phys, wasAlloc, err := f.zones.MapAlloc(inodeNo, in, zi, true)
		if err != nil {
			return int(written), err
		}

		if inZoneOff == 0 && chunk == zoneSize {
			if err := f.bs.WriteZone(phys, data[written:written+chunk]); err != nil {
				return int(written), err
			}
		} else {
			if wasAlloc {
				for i := range bounce {
					bounce[i] = 0
				}
			} else if err := f.bs.ReadZone(phys, bounce); err != nil {
				return int(written), err
			}
			copy(bounce[inZoneOff:inZoneOff+chunk], data[written:written+chunk])
			if err := f.bs.WriteZone(phys, bounce); err != nil {
				return int(written), err
			}
		}

		written += chunk
	}

	now := f.now()
	if offset+size > uint64(in.Size) {
		in.Size = uint32(offset + size)
	}
	in.Mtime = now
	in.Ctime = now

	if err := f.inodes.Write(inodeNo, in); err != nil {
		return int(written), err
	}

	return int(written), nil
}

// Truncate changes inode inodeNo's size to newSize, extending with
// zero-filled writes or releasing trailing zones as needed.
func (f *FileIO) Truncate(inodeNo uint32, in *ondisk.Inode, newSize uint64) error {
	const op = "FileIO.Truncate"

	if !ondisk.IsRegular(in.Mode) && !ondisk.IsDir(in.Mode) && !ondisk.IsSymlink(in.Mode) {
		return minixerr.New(op, minixerr.NotRegularFile)
	}

	curSize := uint64(in.Size)
	if newSize == curSize {
		return nil
	}

	if newSize > curSize {
		return f.extend(inodeNo, in, newSize)
	}
	return f.shrink(inodeNo, in, newSize)
}

func (f *FileIO) extend(inodeNo uint32, in *ondisk.Inode, newSize uint64) error {
	curSize := uint64(in.Size)
	zero := make([]byte, maxExtendChunk)

	for curSize < newSize {
		chunk := newSize - curSize
		if chunk > maxExtendChunk {
			chunk = maxExtendChunk
		}
		n, err := f.Write(inodeNo, in, zero[:chunk], curSize)
		if err != nil {
			return err
		}
		curSize += uint64(n)
		if uint64(n) < chunk {
			break
		}
	}
	return nil
}

func (f *FileIO) shrink(inodeNo uint32, in *ondisk.Inode, newSize uint64) error {
	zoneSize := f.lo.ZoneSize()
	curSize := uint64(in.Size)

	var lastSurvivingZone uint64
	haveLast := false
	if newSize > 0 {
		lastSurvivingZone = (newSize - 1) / zoneSize
		haveLast = true
	}

	if curSize > 0 {
		lastCurrentZone := (curSize - 1) / zoneSize
		start := uint64(0)
		if haveLast {
			start = lastSurvivingZone + 1
		}
		for zi := start; zi <= lastCurrentZone; zi++ {
			if err := f.zones.FreeLogicalZone(inodeNo, in, zi); err != nil {
				return err
			}
		}
	}

	if haveLast && newSize%zoneSize != 0 {
		phys, err := f.zones.Map(inodeNo, in, lastSurvivingZone, false)
		if err != nil {
			return err
		}
		if phys != 0 {
			bounce := make([]byte, zoneSize)
			if err := f.bs.ReadZone(phys, bounce); err != nil {
				return err
			}
			tailOff := newSize % zoneSize
			for i := tailOff; i < zoneSize; i++ {
				bounce[i] = 0
			}
			if err := f.bs.WriteZone(phys, bounce); err != nil {
				return err
			}
		}
	}

	now := f.now()
	in.Size = uint32(newSize)
	in.Mtime = now
	in.Ctime = now
	return f.inodes.Write(inodeNo, in)
}
