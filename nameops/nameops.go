// Package nameops implements the directory-mutating operations that create,
// link, unlink, and rename names — CreateFile, LinkFile, UnlinkFile, Mkdir,
// Rmdir, Rename, CreateSymlink, ReadLink — plus the attribute setters
// Chmod/Chown/Utimens. The name operations work on a parent directory's
// entry table and the child inode; the attribute setters touch only the
// target inode.
package nameops

import (
	"github.com/jacobsa/timeutil"

	"github.com/gsh20040816/minixfs/bitmap"
	"github.com/gsh20040816/minixfs/dirtable"
	"github.com/gsh20040816/minixfs/fileio"
	"github.com/gsh20040816/minixfs/inodestore"
	"github.com/gsh20040816/minixfs/layout"
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/ondisk"
	"github.com/gsh20040816/minixfs/pathresolver"
)

// maxNlinks is the largest link count a 16-bit nlinks field can hold.
const maxNlinks = 0xFFFF

// OwnerSet selects which of Chown's fields apply.
type OwnerSet uint8

const (
	SetUid OwnerSet = 1 << iota
	SetGid
)

// TimeSet selects which of Utimens' fields apply.
type TimeSet uint8

const (
	SetAtime TimeSet = 1 << iota
	SetMtime
)

// TimeNow is the sentinel timestamp value meaning "the current clock", for
// UTIME_NOW-style requests.
const TimeNow = ^uint32(0)

// NameOps mutates the directory and inode graph: creating, linking,
// unlinking, and renaming names, under an already-open TxManager
// transaction owned by the caller (the FS facade).
type NameOps struct {
	dirs     *dirtable.Table
	inodes   *inodestore.Store
	files    *fileio.FileIO
	imap     *bitmap.Allocator
	resolver *pathresolver.Resolver
	lo       *layout.Layout
	clock    timeutil.Clock
}

// New builds a NameOps over the given collaborators. clock supplies the
// atime/mtime/ctime stamps (a timeutil.SimulatedClock in tests).
func New(dirs *dirtable.Table, inodes *inodestore.Store, files *fileio.FileIO, imap *bitmap.Allocator, resolver *pathresolver.Resolver, lo *layout.Layout, clock timeutil.Clock) *NameOps {
	return &NameOps{dirs: dirs, inodes: inodes, files: files, imap: imap, resolver: resolver, lo: lo, clock: clock}
}

func (n *NameOps) now() uint32 {
	return uint32(n.clock.Now().Unix())
}

// maxLinkSize is the largest symlink target CreateSymlink will accept and
// ReadLink will trust: one zone.
func (n *NameOps) maxLinkSize() uint64 {
	return n.lo.ZoneSize()
}

func (n *NameOps) readInode(ino uint32) (ondisk.Inode, error) {
	var in ondisk.Inode
	err := n.inodes.Read(ino, &in)
	return in, err
}

func (n *NameOps) allocInode(mode uint16, uid, gid uint16) (uint32, *ondisk.Inode, error) {
	idx, err := n.imap.Allocate()
	if err != nil {
		return 0, nil, err
	}
	ino := uint32(idx)

	now := n.now()
	in := &ondisk.Inode{
		Mode:   mode,
		Nlinks: 0,
		Uid:    uid,
		Gid:    gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
	}
	if err := n.inodes.Write(ino, in); err != nil {
		_ = n.imap.Free(idx)
		return 0, nil, err
	}
	return ino, in, nil
}

func (n *NameOps) bumpNlinks(ino uint32, in *ondisk.Inode, delta int) error {
	in.Nlinks = uint16(int(in.Nlinks) + delta)
	in.Ctime = n.now()
	return n.inodes.Write(ino, in)
}

// CreateFile creates a new, empty regular file named name inside parentIno,
// and returns its inode number.
func (n *NameOps) CreateFile(parentIno uint32, name string, mode uint16, uid, gid uint16) (uint32, error) {
	const op = "NameOps.CreateFile"

	parentIn, err := n.readInode(parentIno)
	if err != nil {
		return 0, err
	}
	if !ondisk.IsDir(parentIn.Mode) {
		return 0, minixerr.New(op, minixerr.NotDirectory)
	}

	ino, in, err := n.allocInode((mode&^ondisk.SIFMT)|ondisk.SIFREG, uid, gid)
	if err != nil {
		return 0, err
	}

	if _, err := n.dirs.AddEntry(parentIno, &parentIn, ino, name); err != nil {
		_ = n.imap.Free(bitmap.Index(ino))
		return 0, err
	}

	if err := n.bumpNlinks(ino, in, 1); err != nil {
		_ = n.imap.Free(bitmap.Index(ino))
		return 0, err
	}
	return ino, nil
}

// LinkFile adds a new name for an existing inode. Hard-linking a directory
// is rejected with LinkDirectory, and an inode already at the 16-bit link
// ceiling with NoSpace.
func (n *NameOps) LinkFile(parentIno uint32, name string, targetIno uint32) error {
	const op = "NameOps.LinkFile"

	parentIn, err := n.readInode(parentIno)
	if err != nil {
		return err
	}
	if !ondisk.IsDir(parentIn.Mode) {
		return minixerr.New(op, minixerr.NotDirectory)
	}

	targetIn, err := n.readInode(targetIno)
	if err != nil {
		return err
	}
	if ondisk.IsDir(targetIn.Mode) {
		return minixerr.New(op, minixerr.LinkDirectory)
	}
	if targetIn.Nlinks == maxNlinks {
		return minixerr.New(op, minixerr.NoSpace)
	}

	if _, err := n.dirs.AddEntry(parentIno, &parentIn, targetIno, name); err != nil {
		return err
	}
	return n.bumpNlinks(targetIno, &targetIn, 1)
}

// UnlinkFile removes name from parentIno and decrements the target's link
// count, freeing the inode and its zones once both the link count and the
// OpenTable-reported open count reach zero. Rejects UnlinkDirectory if the
// target is a directory (use Rmdir instead).
func (n *NameOps) UnlinkFile(parentIno uint32, name string, openCount uint64) error {
	const op = "NameOps.UnlinkFile"

	parentIn, err := n.readInode(parentIno)
	if err != nil {
		return err
	}
	if !ondisk.IsDir(parentIn.Mode) {
		return minixerr.New(op, minixerr.NotDirectory)
	}

	idx, err := n.dirs.IndexOf(parentIno, &parentIn, name)
	if err != nil {
		return err
	}
	entry, err := n.dirs.ReadRaw(parentIno, &parentIn, idx)
	if err != nil {
		return err
	}
	targetIno := entry.Ino

	targetIn, err := n.readInode(targetIno)
	if err != nil {
		return err
	}
	if ondisk.IsDir(targetIn.Mode) {
		return minixerr.New(op, minixerr.UnlinkDirectory)
	}

	if err := n.dirs.RemoveEntry(parentIno, &parentIn, idx); err != nil {
		return err
	}

	targetIn.Nlinks--
	targetIn.Ctime = n.now()
	if err := n.inodes.Write(targetIno, &targetIn); err != nil {
		return err
	}

	if targetIn.Nlinks == 0 && openCount == 0 {
		return n.reapInode(targetIno, &targetIn)
	}
	return nil
}

func (n *NameOps) reapInode(ino uint32, in *ondisk.Inode) error {
	if ondisk.IsRegular(in.Mode) || ondisk.IsSymlink(in.Mode) {
		if err := n.files.Truncate(ino, in, 0); err != nil {
			return err
		}
	}
	return n.imap.Free(bitmap.Index(ino))
}

// Mkdir creates a new empty directory named name inside parentIno, seeded
// with "." and ".." entries, and returns its inode number.
func (n *NameOps) Mkdir(parentIno uint32, name string, mode uint16, uid, gid uint16) (uint32, error) {
	const op = "NameOps.Mkdir"

	parentIn, err := n.readInode(parentIno)
	if err != nil {
		return 0, err
	}
	if !ondisk.IsDir(parentIn.Mode) {
		return 0, minixerr.New(op, minixerr.NotDirectory)
	}

	ino, in, err := n.allocInode((mode&^ondisk.SIFMT)|ondisk.SIFDIR, uid, gid)
	if err != nil {
		return 0, err
	}

	if _, err := n.dirs.AddEntry(ino, in, ino, "."); err != nil {
		_ = n.imap.Free(bitmap.Index(ino))
		return 0, err
	}
	if _, err := n.dirs.AddEntry(ino, in, parentIno, ".."); err != nil {
		_ = n.imap.Free(bitmap.Index(ino))
		return 0, err
	}
	if err := n.bumpNlinks(ino, in, 2); err != nil { // "." plus the parent's entry
		_ = n.imap.Free(bitmap.Index(ino))
		return 0, err
	}

	if _, err := n.dirs.AddEntry(parentIno, &parentIn, ino, name); err != nil {
		_ = n.imap.Free(bitmap.Index(ino))
		return 0, err
	}
	return ino, n.bumpNlinks(parentIno, &parentIn, 1) // child's ".."
}

// Rmdir removes the empty directory named name from parentIno.
// DeleteRootDir is reported if name resolves to the root; DirectoryNotEmpty
// if it contains entries other than "." and "..".
func (n *NameOps) Rmdir(parentIno uint32, name string) error {
	const op = "NameOps.Rmdir"

	parentIn, err := n.readInode(parentIno)
	if err != nil {
		return err
	}
	if !ondisk.IsDir(parentIn.Mode) {
		return minixerr.New(op, minixerr.NotDirectory)
	}

	idx, err := n.dirs.IndexOf(parentIno, &parentIn, name)
	if err != nil {
		return err
	}
	entry, err := n.dirs.ReadRaw(parentIno, &parentIn, idx)
	if err != nil {
		return err
	}
	childIno := entry.Ino

	if childIno == pathresolver.RootInode {
		return minixerr.New(op, minixerr.DeleteRootDir)
	}

	childIn, err := n.readInode(childIno)
	if err != nil {
		return err
	}
	if !ondisk.IsDir(childIn.Mode) {
		return minixerr.New(op, minixerr.NotDirectory)
	}

	empty, err := n.dirs.IsEmpty(childIno, &childIn)
	if err != nil {
		return err
	}
	if !empty {
		return minixerr.New(op, minixerr.DirectoryNotEmpty)
	}

	if err := n.dirs.RemoveEntry(parentIno, &parentIn, idx); err != nil {
		return err
	}
	if err := n.bumpNlinks(parentIno, &parentIn, -1); err != nil {
		return err
	}

	if err := n.files.Truncate(childIno, &childIn, 0); err != nil {
		return err
	}
	return n.imap.Free(bitmap.Index(childIno))
}

// Rename moves/renames oldName in oldParent to newName in newParent.
// Rejects MoveToSubdir if newParent is oldName's own subtree (cycle
// guard), DirectoryNotEmpty if newName already names a non-empty directory
// being overwritten, and FileNameExists if failIfDstExists is set and
// newName already exists. A rename where oldName and newName are both
// already hard-linked to the same inode is a no-op.
func (n *NameOps) Rename(oldParent uint32, oldName string, newParent uint32, newName string, failIfDstExists bool) error {
	const op = "NameOps.Rename"

	oldParentIn, err := n.readInode(oldParent)
	if err != nil {
		return err
	}
	if !ondisk.IsDir(oldParentIn.Mode) {
		return minixerr.New(op, minixerr.NotDirectory)
	}

	oldIdx, err := n.dirs.IndexOf(oldParent, &oldParentIn, oldName)
	if err != nil {
		return err
	}
	oldEntry, err := n.dirs.ReadRaw(oldParent, &oldParentIn, oldIdx)
	if err != nil {
		return err
	}
	movedIno := oldEntry.Ino

	movedIn, err := n.readInode(movedIno)
	if err != nil {
		return err
	}
	if ondisk.IsDir(movedIn.Mode) {
		isAncestor, err := n.resolver.IsAncestor(movedIno, newParent)
		if err != nil {
			return err
		}
		if isAncestor {
			return minixerr.New(op, minixerr.MoveToSubdir)
		}
	}

	newParentIn, err := n.readInode(newParent)
	if err != nil {
		return err
	}
	if !ondisk.IsDir(newParentIn.Mode) {
		return minixerr.New(op, minixerr.NotDirectory)
	}

	existingIdx, lookupErr := n.dirs.IndexOf(newParent, &newParentIn, newName)
	haveExisting := lookupErr == nil
	if lookupErr != nil && !minixerr.Is(lookupErr, minixerr.FileNotFound) {
		return lookupErr
	}

	if haveExisting {
		existingEntry, err := n.dirs.ReadRaw(newParent, &newParentIn, existingIdx)
		if err != nil {
			return err
		}
		existingIno := existingEntry.Ino

		if existingIno == movedIno {
			// oldName and newName already name the same inode: a no-op.
			return nil
		}

		if failIfDstExists {
			return minixerr.New(op, minixerr.FileNameExists)
		}

		existingIn, err := n.readInode(existingIno)
		if err != nil {
			return err
		}

		if ondisk.IsDir(existingIn.Mode) {
			if !ondisk.IsDir(movedIn.Mode) {
				return minixerr.New(op, minixerr.NotDirectory)
			}
			empty, err := n.dirs.IsEmpty(existingIno, &existingIn)
			if err != nil {
				return err
			}
			if !empty {
				return minixerr.New(op, minixerr.DirectoryNotEmpty)
			}

			// The overwritten directory is destroyed outright, the same
			// way Rmdir destroys its target: its own "." self-link and
			// the entry slot being overwritten both go away with it, so
			// unlike a regular-file overwrite there is no partial-nlinks
			// path to take. newParent loses the nlink its ".." contributed.
			if err := n.bumpNlinks(newParent, &newParentIn, -1); err != nil {
				return err
			}
			if err := n.files.Truncate(existingIno, &existingIn, 0); err != nil {
				return err
			}
			if err := n.imap.Free(bitmap.Index(existingIno)); err != nil {
				return err
			}
		} else {
			if ondisk.IsDir(movedIn.Mode) {
				return minixerr.New(op, minixerr.NotDirectory)
			}

			existingIn.Nlinks--
			existingIn.Ctime = n.now()
			if err := n.inodes.Write(existingIno, &existingIn); err != nil {
				return err
			}
			if existingIn.Nlinks == 0 {
				if err := n.reapInode(existingIno, &existingIn); err != nil {
					return err
				}
			}
		}

		if err := n.dirs.WriteEntry(newParent, &newParentIn, existingIdx, movedIno, newName); err != nil {
			return err
		}
	} else {
		if _, err := n.dirs.AddEntry(newParent, &newParentIn, movedIno, newName); err != nil {
			return err
		}
	}

	if oldParent == newParent {
		// One directory holds both names: carry forward the size and nlinks
		// changes just written through newParentIn.
		oldParentIn = newParentIn
	}
	if err := n.dirs.RemoveEntry(oldParent, &oldParentIn, oldIdx); err != nil {
		return err
	}

	if ondisk.IsDir(movedIn.Mode) && oldParent != newParent {
		idx, err := n.dirs.IndexOf(movedIno, &movedIn, "..")
		if err != nil {
			return err
		}
		if err := n.dirs.WriteEntry(movedIno, &movedIn, idx, newParent, ".."); err != nil {
			return err
		}
		if err := n.bumpNlinks(oldParent, &oldParentIn, -1); err != nil {
			return err
		}
		if err := n.bumpNlinks(newParent, &newParentIn, 1); err != nil {
			return err
		}
	}

	return nil
}

// CreateSymlink creates a symbolic link named name inside parentIno whose
// target is the literal string target. Fails LinkTooLong if target exceeds
// one zone.
func (n *NameOps) CreateSymlink(parentIno uint32, name, target string, uid, gid uint16) (uint32, error) {
	const op = "NameOps.CreateSymlink"

	if uint64(len(target)) > n.maxLinkSize() {
		return 0, minixerr.New(op, minixerr.LinkTooLong)
	}

	parentIn, err := n.readInode(parentIno)
	if err != nil {
		return 0, err
	}
	if !ondisk.IsDir(parentIn.Mode) {
		return 0, minixerr.New(op, minixerr.NotDirectory)
	}

	ino, in, err := n.allocInode(0777|ondisk.SIFLNK, uid, gid)
	if err != nil {
		return 0, err
	}

	if len(target) > 0 {
		if _, err := n.files.Write(ino, in, []byte(target), 0); err != nil {
			_ = n.imap.Free(bitmap.Index(ino))
			return 0, err
		}
	}

	if _, err := n.dirs.AddEntry(parentIno, &parentIn, ino, name); err != nil {
		_ = n.reapInode(ino, in)
		return 0, err
	}
	if err := n.bumpNlinks(ino, in, 1); err != nil {
		_ = n.reapInode(ino, in)
		return 0, err
	}
	return ino, nil
}

// ReadLink returns the literal target text of symlink inode ino. Fails
// LinkTooLong if the stored size exceeds the one-zone cap CreateSymlink
// enforces, which should only happen if the image was produced some other
// way.
func (n *NameOps) ReadLink(ino uint32) (string, error) {
	const op = "NameOps.ReadLink"
	in, err := n.readInode(ino)
	if err != nil {
		return "", err
	}
	if !ondisk.IsSymlink(in.Mode) {
		return "", minixerr.New(op, minixerr.NotRegularFile)
	}
	if uint64(in.Size) > n.maxLinkSize() {
		return "", minixerr.New(op, minixerr.LinkTooLong)
	}
	buf := make([]byte, in.Size)
	nRead, err := n.files.Read(ino, &in, buf, 0)
	if err != nil {
		return "", err
	}
	return string(buf[:nRead]), nil
}

// Chmod changes the permission bits of ino, leaving its type bits intact.
func (n *NameOps) Chmod(ino uint32, mode uint16) error {
	in, err := n.readInode(ino)
	if err != nil {
		return err
	}
	in.Mode = (in.Mode & ondisk.SIFMT) | (mode &^ ondisk.SIFMT)
	in.Ctime = n.now()
	return n.inodes.Write(ino, &in)
}

// Chown changes the owning uid/gid of ino. which selects which of the two
// fields apply; a field whose bit is clear keeps its current value.
func (n *NameOps) Chown(ino uint32, uid, gid uint16, which OwnerSet) error {
	in, err := n.readInode(ino)
	if err != nil {
		return err
	}
	if which&SetUid != 0 {
		in.Uid = uid
	}
	if which&SetGid != 0 {
		in.Gid = gid
	}
	in.Ctime = n.now()
	return n.inodes.Write(ino, &in)
}

// Utimens sets the access and modification times of ino. which selects
// which of the two fields apply (a clear bit leaves the field unchanged),
// and TimeNow as a value means the current clock.
func (n *NameOps) Utimens(ino uint32, atime, mtime uint32, which TimeSet) error {
	in, err := n.readInode(ino)
	if err != nil {
		return err
	}
	now := n.now()
	if which&SetAtime != 0 {
		if atime == TimeNow {
			atime = now
		}
		in.Atime = atime
	}
	if which&SetMtime != 0 {
		if mtime == TimeNow {
			mtime = now
		}
		in.Mtime = mtime
	}
	in.Ctime = now
	return n.inodes.Write(ino, &in)
}
