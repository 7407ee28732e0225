// Package inodestore reads and writes a single inode record by number
// through BlockStore and Layout.
package inodestore

import (
	"github.com/gsh20040816/minixfs/blockstore"
	"github.com/gsh20040816/minixfs/layout"
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/ondisk"
)

// Store is a thin, non-owning view over BlockStore+Layout that splices
// individual 64-byte inode records out of (and into) their containing
// block.
type Store struct {
	bs *blockstore.BlockStore
	lo *layout.Layout
}

// New builds an inode Store over the given BlockStore and Layout. Neither
// is owned by the Store.
func New(bs *blockstore.BlockStore, lo *layout.Layout) *Store {
	return &Store{bs: bs, lo: lo}
}

// Read decodes inode number i into out.
func (s *Store) Read(i uint32, out *ondisk.Inode) error {
	const op = "inodestore.Read"

	block, offset, err := s.lo.InodeOffset(i)
	if err != nil {
		return err
	}

	buf := make([]byte, s.lo.BlockSize)
	if err := s.bs.ReadBlock(block, buf); err != nil {
		return minixerr.Wrap(op, minixerr.ReadFail, err)
	}

	return out.Unmarshal(buf[offset : offset+ondisk.InodeSize])
}

// Write encodes in and writes it back to inode number i's slot, performing
// a read-modify-write of the full containing block.
func (s *Store) Write(i uint32, in *ondisk.Inode) error {
	const op = "inodestore.Write"

	block, offset, err := s.lo.InodeOffset(i)
	if err != nil {
		return err
	}

	buf := make([]byte, s.lo.BlockSize)
	if err := s.bs.ReadBlock(block, buf); err != nil {
		return minixerr.Wrap(op, minixerr.ReadFail, err)
	}

	copy(buf[offset:offset+ondisk.InodeSize], in.Marshal())

	if err := s.bs.WriteBlock(block, buf); err != nil {
		return minixerr.Wrap(op, minixerr.WriteFail, err)
	}
	return nil
}
