// Package minixfs assembles BlockStore, the two bitmap allocators,
// InodeStore, ZoneMapper, FileIO, DirTable, PathResolver, NameOps,
// OpenTable, and TxManager into one mounted filesystem, and exposes the
// path-based operation surface a caller (the FUSE bridge, or a CLI) drives.
// One FS value owns every subsystem for the lifetime of a Mount/Unmount
// pair; nothing in this module is a package-level singleton.
package minixfs

import (
	"log"
	"os"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/gsh20040816/minixfs/bitmap"
	"github.com/gsh20040816/minixfs/blockstore"
	"github.com/gsh20040816/minixfs/dirtable"
	"github.com/gsh20040816/minixfs/fileio"
	"github.com/gsh20040816/minixfs/inodestore"
	"github.com/gsh20040816/minixfs/layout"
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/nameops"
	"github.com/gsh20040816/minixfs/ondisk"
	"github.com/gsh20040816/minixfs/opentable"
	"github.com/gsh20040816/minixfs/pathresolver"
	"github.com/gsh20040816/minixfs/txmanager"
	"github.com/gsh20040816/minixfs/zonemap"
)

// Attr is the subset of inode metadata exposed to callers, so package
// consumers never need to import ondisk directly.
type Attr struct {
	Ino    uint32
	Mode   uint16
	Nlink  uint16
	Uid    uint16
	Gid    uint16
	Size   uint32
	Atime  uint32
	Mtime  uint32
	Ctime  uint32
	Blocks uint32
}

// DirEntry is one entry returned by ListDir.
type DirEntry struct {
	Name string
	Attr Attr
}

// StatFS reports filesystem-wide space/inode accounting for statvfs-style
// callers.
type StatFS struct {
	BlockSize       uint32
	TotalDataBlocks uint32
	FreeDataBlocks  uint32
	TotalInodes     uint32
	FreeInodes      uint32
	NameMax         uint32
}

// FS is a mounted MINIX v3 filesystem and every subsystem wired atop one
// open device.
type FS struct {
	bs   *blockstore.BlockStore
	lo   *layout.Layout
	imap *bitmap.Allocator
	zmap *bitmap.Allocator

	inodes   *inodestore.Store
	zones    *zonemap.Mapper
	files    *fileio.FileIO
	dirs     *dirtable.Table
	resolver *pathresolver.Resolver
	names    *nameops.NameOps
	open     *opentable.Table
	tx       *txmanager.Manager

	// mu guards the mutating operation surface and, when invariant checking
	// is enabled (syncutil.EnableInvariantChecking, tests only), re-walks
	// the structural invariants in checkInvariants around every mutation.
	mu syncutil.InvariantMutex

	log *log.Logger
}

// Mount opens the device at path, validates its superblock, and wires every
// subsystem together. logger may be nil.
func Mount(path string, logger *log.Logger) (*FS, error) {
	const op = "minixfs.Mount"

	if logger == nil {
		logger = log.New(os.Stderr, "minixfs: ", log.LstdFlags)
	}

	bs, err := blockstore.Open(path, logger)
	if err != nil {
		return nil, err
	}

	sbBuf := make([]byte, ondisk.SuperblockSize)
	if err := bs.ReadBytes(int64(ondisk.SuperblockOffset), sbBuf); err != nil {
		_ = bs.Close()
		return nil, err
	}
	var sb ondisk.Superblock
	if err := sb.Unmarshal(sbBuf); err != nil {
		_ = bs.Close()
		return nil, minixerr.Wrap(op, minixerr.InvalidSuperblock, err)
	}

	lo, err := layout.FromSuperblock(&sb)
	if err != nil {
		_ = bs.Close()
		return nil, err
	}
	bs.SetGeometry(lo.BlockSize, lo.BlocksPerZone)

	// The backing store must actually be large enough to hold the geometry
	// the superblock describes; probe the last metadata byte.
	if lo.DataStartBlock > 0 {
		var probe [1]byte
		probeOff := int64(lo.DataStartBlock)*int64(lo.BlockSize) - 1
		if err := bs.ReadBytes(probeOff, probe[:]); err != nil {
			_ = bs.Close()
			return nil, minixerr.Wrap(op, minixerr.FsBroken, err)
		}
	}

	imap, err := bitmap.New(bs, lo.ImapStart, lo.ImapBlocks, lo.BlockSize, lo.Ninodes+1)
	if err != nil {
		_ = bs.Close()
		return nil, err
	}
	zmap, err := bitmap.New(bs, lo.ZmapStart, lo.ZmapBlocks, lo.BlockSize, lo.Zones)
	if err != nil {
		_ = bs.Close()
		return nil, err
	}

	clock := timeutil.RealClock()
	inodes := inodestore.New(bs, lo)
	zones := zonemap.New(bs, lo, zmap, inodes)
	files := fileio.New(bs, lo, inodes, zones, clock)
	dirs := dirtable.New(files, inodes)
	resolver := pathresolver.New(dirs, inodes, files)
	names := nameops.New(dirs, inodes, files, imap, resolver, lo, clock)
	open := opentable.New()
	tx := txmanager.New(bs, imap, zmap, logger)

	logger.Printf("mounted %s: %d inodes, %d zones, block size %d", path, lo.Ninodes, lo.Zones, lo.BlockSize)

	fs := &FS{
		bs: bs, lo: lo, imap: imap, zmap: zmap,
		inodes: inodes, zones: zones, files: files, dirs: dirs,
		resolver: resolver, names: names, open: open, tx: tx,
		log: logger,
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs, nil
}

// Unmount syncs both bitmap allocators to the device and closes it.
func (fs *FS) Unmount() error {
	if err := fs.imap.Sync(); err != nil {
		return err
	}
	if err := fs.zmap.Sync(); err != nil {
		return err
	}
	if err := fs.bs.Fsync(); err != nil {
		return err
	}
	return fs.bs.Close()
}

// withTx runs fn under a freshly begun transaction, committing on success
// and reverting on failure, following BlockStore/Allocator's begin-mutate-
// commit-or-revert discipline uniformly for every mutating operation. The
// surrounding mu acquisition re-checks the structural invariants on both
// sides of the mutation when checking is enabled.
func (fs *FS) withTx(fn func() error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.tx.BeginTx(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = fs.tx.RevertTx()
		return err
	}
	return fs.tx.CommitTx()
}

func (fs *FS) readInode(ino uint32) (ondisk.Inode, error) {
	var in ondisk.Inode
	err := fs.inodes.Read(ino, &in)
	return in, err
}

func (fs *FS) attrOf(ino uint32, in *ondisk.Inode) Attr {
	return Attr{
		Ino: ino, Mode: in.Mode, Nlink: in.Nlinks,
		Uid: in.Uid, Gid: in.Gid, Size: in.Size,
		Atime: in.Atime, Mtime: in.Mtime, Ctime: in.Ctime,
		Blocks: (in.Size + fs.lo.BlockSize - 1) / fs.lo.BlockSize,
	}
}

////////////////////////////////////////////////////////////////////////
// Path resolution helpers
////////////////////////////////////////////////////////////////////////

func (fs *FS) resolveParentAndLeaf(path string) (parent uint32, leaf string, err error) {
	comps := pathresolver.SplitPath(path)
	if len(comps) == 0 {
		return 0, "", minixerr.New("minixfs.resolveParentAndLeaf", minixerr.FileNotFound)
	}
	leaf = comps[len(comps)-1]
	parentPath := "/" + joinComponents(comps[:len(comps)-1])
	parent, err = fs.resolver.Resolve(parentPath, pathresolver.RootInode, true)
	return parent, leaf, err
}

func joinComponents(comps []string) string {
	out := ""
	for i, c := range comps {
		if i > 0 {
			out += "/"
		}
		out += c
	}
	return out
}

////////////////////////////////////////////////////////////////////////
// Public operation surface
////////////////////////////////////////////////////////////////////////

// GetAttr resolves path and returns its inode attributes.
func (fs *FS) GetAttr(path string, followSymlink bool) (Attr, error) {
	ino, err := fs.resolver.Resolve(path, pathresolver.RootInode, followSymlink)
	if err != nil {
		return Attr{}, err
	}
	in, err := fs.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	return fs.attrOf(ino, &in), nil
}

// ListDir resolves path (a directory) and returns its live entries.
func (fs *FS) ListDir(path string) ([]DirEntry, error) {
	return fs.ListDirAt(path, 0, 0)
}

// ListDirAt is ListDir starting at directory-slot offset, returning at most
// count entries (all remaining entries if count is 0).
func (fs *FS) ListDirAt(path string, offset, count uint32) ([]DirEntry, error) {
	ino, err := fs.resolver.Resolve(path, pathresolver.RootInode, true)
	if err != nil {
		return nil, err
	}
	in, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	if !ondisk.IsDir(in.Mode) {
		return nil, minixerr.New("minixfs.ListDir", minixerr.NotDirectory)
	}

	raw, err := fs.dirs.ReadDir(ino, &in, offset, count)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(raw))
	for _, e := range raw {
		out = append(out, DirEntry{Name: e.Name, Attr: fs.attrOf(e.Ino, &e.Attr)})
	}
	return out, nil
}

// Open resolves path, optionally truncating a regular file to zero length
// (O_TRUNC), and registers an open handle in the OpenTable. Returns the
// resolved inode number, which the caller uses as its file handle key.
func (fs *FS) Open(path string, truncate bool) (uint32, error) {
	ino, err := fs.resolver.Resolve(path, pathresolver.RootInode, true)
	if err != nil {
		return 0, err
	}

	in, err := fs.readInode(ino)
	if err != nil {
		return 0, err
	}
	if !ondisk.IsRegular(in.Mode) {
		return 0, minixerr.New("minixfs.Open", minixerr.NotRegularFile)
	}

	if truncate {
		err = fs.withTx(func() error {
			in, err := fs.readInode(ino)
			if err != nil {
				return err
			}
			return fs.files.Truncate(ino, &in, 0)
		})
		if err != nil {
			return 0, err
		}
	}

	fs.open.Add(ino)
	return ino, nil
}

// Close releases one open handle on ino, reaping the inode if its link
// count had already dropped to zero while it was open.
func (fs *FS) Close(ino uint32) error {
	if fs.open.Count(ino) > 1 {
		fs.open.Remove(ino)
		return nil
	}

	in, err := fs.readInode(ino)
	if err != nil {
		fs.open.Remove(ino)
		return err
	}
	if in.Nlinks != 0 {
		fs.open.Remove(ino)
		return nil
	}

	// The last handle stays registered until the reap has committed, so the
	// invariant check on entering the transaction still sees an open orphan.
	err = fs.withTx(func() error {
		if ondisk.IsRegular(in.Mode) || ondisk.IsSymlink(in.Mode) {
			if err := fs.files.Truncate(ino, &in, 0); err != nil {
				return err
			}
		}
		return fs.imap.Free(bitmap.Index(ino))
	})
	fs.open.Remove(ino)
	return err
}

// Read reads len(buf) bytes from ino at offset. Unlike mutating operations,
// Read needs no transaction: it only touches already-committed state.
func (fs *FS) Read(ino uint32, buf []byte, offset uint64) (int, error) {
	in, err := fs.readInode(ino)
	if err != nil {
		return 0, err
	}
	return fs.files.Read(ino, &in, buf, offset)
}

// Write writes data to ino at offset.
func (fs *FS) Write(ino uint32, data []byte, offset uint64) (int, error) {
	var n int
	err := fs.withTx(func() error {
		in, err := fs.readInode(ino)
		if err != nil {
			return err
		}
		n, err = fs.files.Write(ino, &in, data, offset)
		return err
	})
	return n, err
}

// Truncate changes ino's size.
func (fs *FS) Truncate(ino uint32, size uint64) error {
	return fs.withTx(func() error {
		in, err := fs.readInode(ino)
		if err != nil {
			return err
		}
		return fs.files.Truncate(ino, &in, size)
	})
}

// Create creates a new regular file at path and opens it, returning its
// inode number.
func (fs *FS) Create(path string, mode uint16, uid, gid uint16) (uint32, error) {
	parent, leaf, err := fs.resolveParentAndLeaf(path)
	if err != nil {
		return 0, err
	}
	var ino uint32
	err = fs.withTx(func() error {
		var err error
		ino, err = fs.names.CreateFile(parent, leaf, mode, uid, gid)
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := fs.imap.Sync(); err != nil {
		return 0, err
	}
	fs.open.Add(ino)
	return ino, nil
}

// Link adds newPath as another name for the inode at existingPath.
func (fs *FS) Link(existingPath, newPath string) error {
	target, err := fs.resolver.Resolve(existingPath, pathresolver.RootInode, false)
	if err != nil {
		return err
	}
	parent, leaf, err := fs.resolveParentAndLeaf(newPath)
	if err != nil {
		return err
	}
	return fs.withTx(func() error {
		return fs.names.LinkFile(parent, leaf, target)
	})
}

// Unlink removes path's name, reaping its inode if both its link count and
// open-handle count have dropped to zero.
func (fs *FS) Unlink(path string) error {
	parent, leaf, err := fs.resolveParentAndLeaf(path)
	if err != nil {
		return err
	}

	childPath := path
	childIno, lookErr := fs.resolver.Resolve(childPath, pathresolver.RootInode, false)
	var openCount uint64
	if lookErr == nil {
		openCount = fs.open.Count(childIno)
	}

	return fs.withTx(func() error {
		return fs.names.UnlinkFile(parent, leaf, openCount)
	})
}

// Mkdir creates a new empty directory at path.
func (fs *FS) Mkdir(path string, mode uint16, uid, gid uint16) (uint32, error) {
	parent, leaf, err := fs.resolveParentAndLeaf(path)
	if err != nil {
		return 0, err
	}
	var ino uint32
	err = fs.withTx(func() error {
		var err error
		ino, err = fs.names.Mkdir(parent, leaf, mode, uid, gid)
		return err
	})
	return ino, err
}

// Rmdir removes the empty directory at path.
func (fs *FS) Rmdir(path string) error {
	parent, leaf, err := fs.resolveParentAndLeaf(path)
	if err != nil {
		return err
	}
	return fs.withTx(func() error {
		return fs.names.Rmdir(parent, leaf)
	})
}

// Rename moves/renames oldPath to newPath. When failIfDstExists is set,
// Rename fails FileNameExists instead of overwriting an existing newPath.
func (fs *FS) Rename(oldPath, newPath string, failIfDstExists bool) error {
	oldParent, oldLeaf, err := fs.resolveParentAndLeaf(oldPath)
	if err != nil {
		return err
	}
	newParent, newLeaf, err := fs.resolveParentAndLeaf(newPath)
	if err != nil {
		return err
	}
	return fs.withTx(func() error {
		return fs.names.Rename(oldParent, oldLeaf, newParent, newLeaf, failIfDstExists)
	})
}

// CreateSymlink creates a symbolic link at path pointing at target.
func (fs *FS) CreateSymlink(path, target string, uid, gid uint16) (uint32, error) {
	parent, leaf, err := fs.resolveParentAndLeaf(path)
	if err != nil {
		return 0, err
	}
	var ino uint32
	err = fs.withTx(func() error {
		var err error
		ino, err = fs.names.CreateSymlink(parent, leaf, target, uid, gid)
		return err
	})
	return ino, err
}

// ReadLink resolves path without following its final symlink component and
// returns its literal target text.
func (fs *FS) ReadLink(path string) (string, error) {
	ino, err := fs.resolver.Resolve(path, pathresolver.RootInode, false)
	if err != nil {
		return "", err
	}
	return fs.names.ReadLink(ino)
}

// Chmod changes path's permission bits.
func (fs *FS) Chmod(path string, mode uint16) error {
	ino, err := fs.resolver.Resolve(path, pathresolver.RootInode, true)
	if err != nil {
		return err
	}
	return fs.withTx(func() error {
		return fs.names.Chmod(ino, mode)
	})
}

// Chown changes path's owning uid/gid; which selects which of the two
// fields to set.
func (fs *FS) Chown(path string, uid, gid uint16, which nameops.OwnerSet) error {
	ino, err := fs.resolver.Resolve(path, pathresolver.RootInode, true)
	if err != nil {
		return err
	}
	return fs.withTx(func() error {
		return fs.names.Chown(ino, uid, gid, which)
	})
}

// Utimens sets path's access/modification times; which selects which of the
// two fields to set, and nameops.TimeNow as a value means the current clock.
func (fs *FS) Utimens(path string, atime, mtime uint32, which nameops.TimeSet) error {
	ino, err := fs.resolver.Resolve(path, pathresolver.RootInode, true)
	if err != nil {
		return err
	}
	return fs.withTx(func() error {
		return fs.names.Utimens(ino, atime, mtime, which)
	})
}

// StatFS reports space/inode accounting for the whole mounted filesystem.
func (fs *FS) StatFS() StatFS {
	freeZones := fs.lo.Zones - fs.zmap.AllocatedCount()
	return StatFS{
		BlockSize:       fs.lo.BlockSize,
		TotalDataBlocks: fs.lo.Zones * fs.lo.BlocksPerZone,
		FreeDataBlocks:  freeZones * fs.lo.BlocksPerZone,
		TotalInodes:     fs.lo.Ninodes,
		FreeInodes:      fs.lo.Ninodes - fs.imap.AllocatedCount(),
		NameMax:         ondisk.NameMax,
	}
}
