// Package dirtable reads and writes fixed-size directory entries as a
// slotted, append-only array with tombstones. A directory is stored as an
// ordinary regular-file byte range, so this package is built entirely atop
// fileio.FileIO plus inodestore.Store for the attributes ReadDir must
// report per entry.
package dirtable

import (
	"github.com/gsh20040816/minixfs/fileio"
	"github.com/gsh20040816/minixfs/inodestore"
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/ondisk"
)

// Entry is one decoded, non-tombstone directory entry plus the inode
// attributes of the child it points to.
type Entry struct {
	Index uint32
	Ino   uint32
	Name  string
	Attr  ondisk.Inode
}

// Table reads/writes directory entries atop FileIO + InodeStore.
type Table struct {
	files  *fileio.FileIO
	inodes *inodestore.Store
}

// New builds a Table over the given collaborators.
func New(files *fileio.FileIO, inodes *inodestore.Store) *Table {
	return &Table{files: files, inodes: inodes}
}

func numSlots(dirIn *ondisk.Inode) uint32 {
	return dirIn.Size / ondisk.DirEntrySize
}

func (t *Table) readSlot(dirInodeNo uint32, dirIn *ondisk.Inode, index uint32) (ondisk.DirEntry, error) {
	const op = "dirtable.readSlot"
	buf := make([]byte, ondisk.DirEntrySize)
	n, err := t.files.Read(dirInodeNo, dirIn, buf, uint64(index)*ondisk.DirEntrySize)
	if err != nil {
		return ondisk.DirEntry{}, err
	}
	var e ondisk.DirEntry
	if n < ondisk.DirEntrySize {
		return e, minixerr.New(op, minixerr.FsBroken)
	}
	if err := e.Unmarshal(buf); err != nil {
		return e, minixerr.Wrap(op, minixerr.FsBroken, err)
	}
	return e, nil
}

func (t *Table) writeSlot(dirInodeNo uint32, dirIn *ondisk.Inode, index uint32, e ondisk.DirEntry) error {
	_, err := t.files.Write(dirInodeNo, dirIn, e.Marshal(), uint64(index)*ondisk.DirEntrySize)
	return err
}

// AddEntry appends a new directory entry (or recycles the first tombstone
// slot) mapping name to childInode, and returns its slot index. Fails
// NameLengthExceeded for names outside [1,60] bytes, FileNameExists if a
// live entry with the same name already exists.
func (t *Table) AddEntry(dirInodeNo uint32, dirIn *ondisk.Inode, childInode uint32, name string) (uint32, error) {
	const op = "dirtable.AddEntry"

	if len(name) == 0 || len(name) > ondisk.NameMax {
		return 0, minixerr.New(op, minixerr.NameLengthExceeded)
	}
	if childInode == 0 {
		return 0, minixerr.New(op, minixerr.InvalidInode)
	}

	n := numSlots(dirIn)
	var tombstoneIdx uint32
	haveTombstone := false

	for i := uint32(0); i < n; i++ {
		e, err := t.readSlot(dirInodeNo, dirIn, i)
		if err != nil {
			return 0, err
		}
		if e.IsTombstone() {
			if !haveTombstone {
				tombstoneIdx = i
				haveTombstone = true
			}
			continue
		}
		if e.NameString() == name {
			return 0, minixerr.New(op, minixerr.FileNameExists)
		}
	}

	var e ondisk.DirEntry
	e.Ino = childInode
	e.SetName(name)

	index := n
	if haveTombstone {
		index = tombstoneIdx
	}

	if err := t.writeSlot(dirInodeNo, dirIn, index, e); err != nil {
		return 0, err
	}
	return index, nil
}

// RemoveEntry tombstones the entry at index (inode==0); the directory file
// does not shrink.
func (t *Table) RemoveEntry(dirInodeNo uint32, dirIn *ondisk.Inode, index uint32) error {
	var e ondisk.DirEntry
	return t.writeSlot(dirInodeNo, dirIn, index, e)
}

// WriteEntry overwrites the entry at index in place, for rename-over-existing.
func (t *Table) WriteEntry(dirInodeNo uint32, dirIn *ondisk.Inode, index uint32, childInode uint32, name string) error {
	const op = "dirtable.WriteEntry"
	if len(name) == 0 || len(name) > ondisk.NameMax {
		return minixerr.New(op, minixerr.NameLengthExceeded)
	}
	var e ondisk.DirEntry
	e.Ino = childInode
	e.SetName(name)
	return t.writeSlot(dirInodeNo, dirIn, index, e)
}

// IndexOf returns the slot index of the live entry named name, or
// FileNotFound.
func (t *Table) IndexOf(dirInodeNo uint32, dirIn *ondisk.Inode, name string) (uint32, error) {
	const op = "dirtable.IndexOf"
	n := numSlots(dirIn)
	for i := uint32(0); i < n; i++ {
		e, err := t.readSlot(dirInodeNo, dirIn, i)
		if err != nil {
			return 0, err
		}
		if !e.IsTombstone() && e.NameString() == name {
			return i, nil
		}
	}
	return 0, minixerr.New(op, minixerr.FileNotFound)
}

// ReadRaw returns the raw decoded entry at index, tombstone or not.
func (t *Table) ReadRaw(dirInodeNo uint32, dirIn *ondisk.Inode, index uint32) (ondisk.DirEntry, error) {
	return t.readSlot(dirInodeNo, dirIn, index)
}

// ReadDir decodes entries starting at slot offset, skipping tombstones,
// returning at most count entries (or all remaining entries if count==0).
func (t *Table) ReadDir(dirInodeNo uint32, dirIn *ondisk.Inode, offset, count uint32) ([]Entry, error) {
	n := numSlots(dirIn)
	var out []Entry

	for i := offset; i < n; i++ {
		e, err := t.readSlot(dirInodeNo, dirIn, i)
		if err != nil {
			return nil, err
		}
		if e.IsTombstone() {
			continue
		}

		var attr ondisk.Inode
		if err := t.inodes.Read(e.Ino, &attr); err != nil {
			return nil, err
		}

		out = append(out, Entry{
			Index: i,
			Ino:   e.Ino,
			Name:  e.NameString(),
			Attr:  attr,
		})

		if count != 0 && uint32(len(out)) >= count {
			break
		}
	}

	return out, nil
}

// IsEmpty reports whether every live entry in the directory is "." or "..".
func (t *Table) IsEmpty(dirInodeNo uint32, dirIn *ondisk.Inode) (bool, error) {
	n := numSlots(dirIn)
	for i := uint32(0); i < n; i++ {
		e, err := t.readSlot(dirInodeNo, dirIn, i)
		if err != nil {
			return false, err
		}
		if e.IsTombstone() {
			continue
		}
		name := e.NameString()
		if name != "." && name != ".." {
			return false, nil
		}
	}
	return true, nil
}
