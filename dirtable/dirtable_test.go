package dirtable

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsh20040816/minixfs/bitmap"
	"github.com/gsh20040816/minixfs/blockstore"
	"github.com/gsh20040816/minixfs/fileio"
	"github.com/gsh20040816/minixfs/inodestore"
	"github.com/gsh20040816/minixfs/layout"
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/ondisk"
	"github.com/gsh20040816/minixfs/zonemap"
)

type memDevice struct{ data []byte }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(m.data) {
		return 0, nil
	}
	return copy(p, m.data[off:]), nil
}
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(m.data) {
		grown := make([]byte, need)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}
func (m *memDevice) Sync() error  { return nil }
func (m *memDevice) Close() error { return nil }

func newTable(t *testing.T) (*Table, *inodestore.Store) {
	t.Helper()
	const blockSize = 512
	dev := &memDevice{data: make([]byte, blockSize*64)}
	bs := blockstore.New(dev, "test", false, nil)

	sb := &ondisk.Superblock{
		Ninodes: 32, ImapBlocks: 1, ZmapBlocks: 1, FirstDataZone: 10,
		MaxSize: 1 << 20, Zones: 64, MagicNum: ondisk.Magic, BlockSize: blockSize, DiskVersion: 3,
	}
	lo := layout.Derive(sb)
	bs.SetGeometry(lo.BlockSize, lo.BlocksPerZone)

	zmap, err := bitmap.New(bs, lo.ZmapStart, lo.ZmapBlocks, lo.BlockSize, lo.Zones)
	require.NoError(t, err)

	inodes := inodestore.New(bs, lo)
	zones := zonemap.New(bs, lo, zmap, inodes)
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	fio := fileio.New(bs, lo, inodes, zones, clock)

	return New(fio, inodes), inodes
}

func newDirInode(t *testing.T, inodes *inodestore.Store, ino uint32) *ondisk.Inode {
	t.Helper()
	in := &ondisk.Inode{Mode: ondisk.SIFDIR | 0755, Nlinks: 2}
	require.NoError(t, inodes.Write(ino, in))
	return in
}

func TestAddEntryThenIndexOf(t *testing.T) {
	tbl, inodes := newTable(t)
	dirIn := newDirInode(t, inodes, 1)

	_, err := tbl.AddEntry(1, dirIn, 2, "foo")
	require.NoError(t, err)

	idx, err := tbl.IndexOf(1, dirIn, "foo")
	require.NoError(t, err)

	raw, err := tbl.ReadRaw(1, dirIn, idx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), raw.Ino)
	assert.Equal(t, "foo", raw.NameString())
}

func TestAddEntryDuplicateNameFails(t *testing.T) {
	tbl, inodes := newTable(t)
	dirIn := newDirInode(t, inodes, 1)

	_, err := tbl.AddEntry(1, dirIn, 2, "foo")
	require.NoError(t, err)

	_, err = tbl.AddEntry(1, dirIn, 3, "foo")
	assert.True(t, minixerr.Is(err, minixerr.FileNameExists))
}

func TestAddEntryNameTooLongFails(t *testing.T) {
	tbl, inodes := newTable(t)
	dirIn := newDirInode(t, inodes, 1)

	longName := make([]byte, ondisk.NameMax+1)
	for i := range longName {
		longName[i] = 'a'
	}
	_, err := tbl.AddEntry(1, dirIn, 2, string(longName))
	assert.True(t, minixerr.Is(err, minixerr.NameLengthExceeded))
}

func TestRemoveEntryRecyclesSlot(t *testing.T) {
	tbl, inodes := newTable(t)
	dirIn := newDirInode(t, inodes, 1)

	idx, err := tbl.AddEntry(1, dirIn, 2, "foo")
	require.NoError(t, err)
	require.NoError(t, tbl.RemoveEntry(1, dirIn, idx))

	_, err = tbl.IndexOf(1, dirIn, "foo")
	assert.True(t, minixerr.Is(err, minixerr.FileNotFound))

	idx2, err := tbl.AddEntry(1, dirIn, 5, "bar")
	require.NoError(t, err)
	assert.Equal(t, idx, idx2)
}

func TestReadDirSkipsTombstones(t *testing.T) {
	tbl, inodes := newTable(t)
	dirIn := newDirInode(t, inodes, 1)

	_ = newDirInode(t, inodes, 2)
	_ = newDirInode(t, inodes, 3)

	idxA, err := tbl.AddEntry(1, dirIn, 2, "a")
	require.NoError(t, err)
	_, err = tbl.AddEntry(1, dirIn, 3, "b")
	require.NoError(t, err)
	require.NoError(t, tbl.RemoveEntry(1, dirIn, idxA))

	entries, err := tbl.ReadDir(1, dirIn, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Name)
}

func TestIsEmptyIgnoresDotEntries(t *testing.T) {
	tbl, inodes := newTable(t)
	dirIn := newDirInode(t, inodes, 1)

	_, err := tbl.AddEntry(1, dirIn, 1, ".")
	require.NoError(t, err)
	_, err = tbl.AddEntry(1, dirIn, 1, "..")
	require.NoError(t, err)

	empty, err := tbl.IsEmpty(1, dirIn)
	require.NoError(t, err)
	assert.True(t, empty)

	_ = newDirInode(t, inodes, 2)
	_, err = tbl.AddEntry(1, dirIn, 2, "child")
	require.NoError(t, err)

	empty, err = tbl.IsEmpty(1, dirIn)
	require.NoError(t, err)
	assert.False(t, empty)
}
