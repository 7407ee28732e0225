// Package fsbridge mounts a *minixfs.FS as a real, kernel-visible
// filesystem via github.com/jacobsa/fuse, translating fuseutil.FileSystem
// callbacks into minixfs's path-based core API. It embeds
// fuseutil.NotImplementedFileSystem and overrides only the supported
// operations; ops this filesystem has no analogue for (xattrs, fallocate,
// device nodes) inherit ENOSYS. A hard link to a directory is rejected with
// EPERM.
package fsbridge

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/minixfs"
	"github.com/gsh20040816/minixfs/nameops"
)

// errnoFor maps a minixerr.Kind to the errno fuse.Server reports to the
// kernel.
func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	kind, ok := minixerr.KindOf(err)
	if !ok {
		return fuse.EIO
	}
	switch kind {
	case minixerr.FileNotFound:
		return fuse.ENOENT
	case minixerr.FileNameExists:
		return fuse.EEXIST
	case minixerr.NotDirectory:
		return unix.ENOTDIR
	case minixerr.NotRegularFile:
		return unix.EINVAL
	case minixerr.DirectoryNotEmpty:
		return unix.ENOTEMPTY
	case minixerr.NameLengthExceeded, minixerr.LinkTooLong:
		return unix.ENAMETOOLONG
	case minixerr.PathTooDeep:
		return unix.ELOOP
	case minixerr.NoSpace:
		return unix.ENOSPC
	case minixerr.LinkDirectory:
		return unix.EPERM
	case minixerr.UnlinkDirectory:
		return unix.EISDIR
	case minixerr.MoveToSubdir:
		return unix.EINVAL
	case minixerr.DeleteRootDir:
		return unix.EBUSY
	case minixerr.WriteLocked:
		return unix.EROFS
	default:
		return fuse.EIO
	}
}

// FileSystem bridges a mounted minixfs.FS to jacobsa/fuse.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	fs  *minixfs.FS
	log *log.Logger

	// ReadOnly rejects every mutating operation with EROFS, the bridge's
	// side of the mount helper's --read-only flag.
	ReadOnly bool

	mu sync.Mutex
	// paths caches the path each live inode ID was last reached by, seeded
	// with the root and extended on every successful LookUpInode. Needed
	// because minixfs's core API is path-based while FUSE addresses inodes
	// by number.
	paths map[fuseops.InodeID]string
}

// New builds a FileSystem bridging fs. logger may be nil.
func New(fs *minixfs.FS, logger *log.Logger) *FileSystem {
	if logger == nil {
		logger = log.New(nilWriter{}, "", 0)
	}
	return &FileSystem{
		fs:    fs,
		log:   logger,
		paths: map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
	}
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func (b *FileSystem) pathOf(id fuseops.InodeID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.paths[id]
	return p, ok
}

func (b *FileSystem) checkWritable() error {
	if b.ReadOnly {
		return unix.EROFS
	}
	return nil
}

func (b *FileSystem) rememberPath(id fuseops.InodeID, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths[id] = path
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func attrToFuse(a minixfs.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(a.Size),
		Nlink: uint32(a.Nlink),
		Uid:   uint32(a.Uid),
		Gid:   uint32(a.Gid),
		Mode:  modeToFuse(a.Mode),
		Atime: time.Unix(int64(a.Atime), 0),
		Mtime: time.Unix(int64(a.Mtime), 0),
		Ctime: time.Unix(int64(a.Ctime), 0),
	}
}

// modeToFuse translates a packed MINIX mode word into the os.FileMode
// fuseops.InodeAttributes expects, carrying the type bit across since
// os.FileMode uses its own bits (os.ModeDir, os.ModeSymlink) rather than
// S_IFMT.
func modeToFuse(mode uint16) os.FileMode {
	perm := os.FileMode(mode & 0777)
	switch mode & 0170000 {
	case 0040000: // S_IFDIR
		return perm | os.ModeDir
	case 0120000: // S_IFLNK
		return perm | os.ModeSymlink
	default:
		return perm
	}
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem methods
////////////////////////////////////////////////////////////////////////

// LookUpInode resolves op.Name inside op.Parent and records the resulting
// inode's path so later by-inode-ID calls can reach it.
func (b *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := b.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parentPath, op.Name)

	attr, err := b.fs.GetAttr(path, false)
	if err != nil {
		return errnoFor(err)
	}

	id := fuseops.InodeID(attr.Ino)
	b.rememberPath(id, path)

	op.Entry.Child = id
	op.Entry.Attributes = attrToFuse(attr)
	return nil
}

// GetInodeAttributes reports op.Inode's attributes.
func (b *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	path, ok := b.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := b.fs.GetAttr(path, false)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = attrToFuse(attr)
	return nil
}

// SetInodeAttributes applies op's requested size/mode/time changes.
func (b *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	path, ok := b.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	if op.Size != nil {
		if err := b.fs.Truncate(uint32(op.Inode), *op.Size); err != nil {
			return errnoFor(err)
		}
	}
	if op.Mode != nil {
		if err := b.fs.Chmod(path, uint16(*op.Mode&0777)); err != nil {
			return errnoFor(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		var at, mt uint32
		var which nameops.TimeSet
		if op.Atime != nil {
			at = uint32(op.Atime.Unix())
			which |= nameops.SetAtime
		}
		if op.Mtime != nil {
			mt = uint32(op.Mtime.Unix())
			which |= nameops.SetMtime
		}
		if err := b.fs.Utimens(path, at, mt, which); err != nil {
			return errnoFor(err)
		}
	}

	attr, err := b.fs.GetAttr(path, false)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = attrToFuse(attr)
	return nil
}

// ForgetInode drops the bridge's path cache entry for op.Inode.
func (b *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	b.mu.Lock()
	delete(b.paths, op.Inode)
	b.mu.Unlock()
	return nil
}

// MkDir creates a new directory.
func (b *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	parentPath, ok := b.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parentPath, op.Name)

	ino, err := b.fs.Mkdir(path, uint16(op.Mode&0777), 0, 0)
	if err != nil {
		return errnoFor(err)
	}
	id := fuseops.InodeID(ino)
	b.rememberPath(id, path)

	attr, err := b.fs.GetAttr(path, false)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry.Child = id
	op.Entry.Attributes = attrToFuse(attr)
	return nil
}

// RmDir removes an empty directory.
func (b *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	parentPath, ok := b.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	return errnoFor(b.fs.Rmdir(childPath(parentPath, op.Name)))
}

// CreateFile creates and opens a new regular file.
func (b *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	parentPath, ok := b.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parentPath, op.Name)

	ino, err := b.fs.Create(path, uint16(op.Mode&0777), 0, 0)
	if err != nil {
		return errnoFor(err)
	}
	id := fuseops.InodeID(ino)
	b.rememberPath(id, path)

	attr, err := b.fs.GetAttr(path, false)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry.Child = id
	op.Entry.Attributes = attrToFuse(attr)
	op.Handle = fuseops.HandleID(ino)
	return nil
}

// CreateSymlink creates a symbolic link.
func (b *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	parentPath, ok := b.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parentPath, op.Name)

	ino, err := b.fs.CreateSymlink(path, op.Target, 0, 0)
	if err != nil {
		return errnoFor(err)
	}
	id := fuseops.InodeID(ino)
	b.rememberPath(id, path)

	attr, err := b.fs.GetAttr(path, false)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry.Child = id
	op.Entry.Attributes = attrToFuse(attr)
	return nil
}

// ReadSymlink reports op.Inode's literal link target.
func (b *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	path, ok := b.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := b.fs.ReadLink(path)
	if err != nil {
		return errnoFor(err)
	}
	op.Target = target
	return nil
}

// Rename moves/renames a directory entry.
func (b *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	oldParentPath, ok := b.pathOf(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParentPath, ok := b.pathOf(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	return errnoFor(b.fs.Rename(childPath(oldParentPath, op.OldName), childPath(newParentPath, op.NewName), false))
}

// Unlink removes a directory entry.
func (b *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	parentPath, ok := b.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	return errnoFor(b.fs.Unlink(childPath(parentPath, op.Name)))
}

// OpenDir validates that op.Inode is a directory; minixfs needs no
// separate directory handle since ReadDir is stateless and path-driven.
func (b *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	path, ok := b.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := b.fs.GetAttr(path, false)
	if err != nil {
		return errnoFor(err)
	}
	if attr.Mode&0170000 != 0040000 {
		return unix.ENOTDIR
	}
	op.Handle = fuseops.HandleID(op.Inode)
	return nil
}

// ReadDir lists op.Inode's directory entries into op.Dst, honoring
// op.Offset as an entry-count cursor.
func (b *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	path, ok := b.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	entries, err := b.fs.ListDir(path)
	if err != nil {
		return errnoFor(err)
	}

	n := 0
	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]
		typ := fuseutil.DT_File
		if e.Attr.Mode&0170000 == 0040000 {
			typ = fuseutil.DT_Directory
		} else if e.Attr.Mode&0170000 == 0120000 {
			typ = fuseutil.DT_Link
		}
		written := fuseutil.WriteDirent(op.Dst[n:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.Attr.Ino),
			Name:   e.Name,
			Type:   typ,
		})
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

// ReleaseDirHandle is a no-op: directory handles carry no state here.
func (b *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

// OpenFile registers an open handle on op.Inode, honoring O_TRUNC.
func (b *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	path, ok := b.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if op.OpenFlags&unix.O_TRUNC != 0 {
		if err := b.checkWritable(); err != nil {
			return err
		}
	}
	ino, err := b.fs.Open(path, op.OpenFlags&unix.O_TRUNC != 0)
	if err != nil {
		return errnoFor(err)
	}
	op.Handle = fuseops.HandleID(ino)
	op.KeepPageCache = false
	return nil
}

// ReadFile reads into op.Dst at op.Offset.
func (b *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := b.fs.Read(uint32(op.Inode), op.Dst, uint64(op.Offset))
	if err != nil {
		return errnoFor(err)
	}
	op.BytesRead = n
	return nil
}

// WriteFile writes op.Data at op.Offset.
func (b *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	_, err := b.fs.Write(uint32(op.Inode), op.Data, uint64(op.Offset))
	return errnoFor(err)
}

// SyncFile and FlushFile both return success without syncing anything;
// the device is fsynced only when Destroy unmounts the filesystem.
func (b *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (b *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

// ReleaseFileHandle closes op.Handle.
func (b *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return errnoFor(b.fs.Close(uint32(op.Handle)))
}

// CreateLink adds another name for an existing inode.
func (b *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	parentPath, ok := b.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	targetPath, ok := b.pathOf(op.Target)
	if !ok {
		return fuse.ENOENT
	}
	path := childPath(parentPath, op.Name)

	if err := b.fs.Link(targetPath, path); err != nil {
		return errnoFor(err)
	}
	b.rememberPath(op.Target, targetPath)

	attr, err := b.fs.GetAttr(path, false)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry.Child = op.Target
	op.Entry.Attributes = attrToFuse(attr)
	return nil
}

// StatFS reports space/inode accounting for the whole mount.
func (b *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st := b.fs.StatFS()
	op.BlockSize = st.BlockSize
	op.Blocks = uint64(st.TotalDataBlocks)
	op.BlocksFree = uint64(st.FreeDataBlocks)
	op.BlocksAvailable = uint64(st.FreeDataBlocks)
	op.Inodes = uint64(st.TotalInodes)
	op.InodesFree = uint64(st.FreeInodes)
	return nil
}

// Destroy unmounts the underlying device.
func (b *FileSystem) Destroy() {
	if err := b.fs.Unmount(); err != nil {
		b.log.Printf("unmount: %v", err)
	}
}
