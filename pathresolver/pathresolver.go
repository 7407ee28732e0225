// Package pathresolver splits paths, walks directories via DirTable, and
// expands symbolic links (read via FileIO) with depth/loop guards. Symlink
// expansion always recurses through a resolver method parameterized with a
// shared depth counter, never through a resident reader object, so
// PathResolver -> DirTable -> InodeStore and PathResolver -> FileIO ->
// ZoneMapper -> InodeStore remain a DAG rather than a cycle.
package pathresolver

import (
	"strings"

	"github.com/gsh20040816/minixfs/dirtable"
	"github.com/gsh20040816/minixfs/fileio"
	"github.com/gsh20040816/minixfs/inodestore"
	"github.com/gsh20040816/minixfs/minixerr"
	"github.com/gsh20040816/minixfs/ondisk"
)

// DefaultMaxDepth caps the combined component count and symlink recursion
// of one resolution.
const DefaultMaxDepth = 40

// RootInode is the fixed root inode number (MINIX v3 convention).
const RootInode = 1

// Resolver resolves paths to inode numbers, walking directories via
// DirTable and reading symlink targets via FileIO.
type Resolver struct {
	dirs     *dirtable.Table
	inodes   *inodestore.Store
	files    *fileio.FileIO
	maxDepth int
}

// New builds a Resolver over the given collaborators, with the default
// depth guard.
func New(dirs *dirtable.Table, inodes *inodestore.Store, files *fileio.FileIO) *Resolver {
	return &Resolver{dirs: dirs, inodes: inodes, files: files, maxDepth: DefaultMaxDepth}
}

// SplitPath splits path on '/', discarding empty components (so leading,
// trailing, and repeated slashes are all tolerated).
func SplitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Resolve walks path starting at startInode (root if path is absolute),
// expanding symlinks along the way. If followLastSymlink is false, a
// symlink in the final path component is returned unresolved.
func (r *Resolver) Resolve(path string, startInode uint32, followLastSymlink bool) (uint32, error) {
	depth := 0
	return r.resolve(path, startInode, followLastSymlink, &depth)
}

func (r *Resolver) resolve(path string, startInode uint32, followLastSymlink bool, depth *int) (uint32, error) {
	const op = "PathResolver.resolve"

	comps := SplitPath(path)
	cur := startInode
	if strings.HasPrefix(path, "/") {
		cur = RootInode
	}

	for i, name := range comps {
		*depth++
		if *depth > r.maxDepth {
			return 0, minixerr.New(op, minixerr.PathTooDeep)
		}

		var curIn ondisk.Inode
		if err := r.inodes.Read(cur, &curIn); err != nil {
			return 0, err
		}
		if !ondisk.IsDir(curIn.Mode) {
			return 0, minixerr.New(op, minixerr.NotDirectory)
		}

		idx, err := r.dirs.IndexOf(cur, &curIn, name)
		if err != nil {
			return 0, err
		}
		entry, err := r.dirs.ReadRaw(cur, &curIn, idx)
		if err != nil {
			return 0, err
		}
		childIno := entry.Ino

		var childIn ondisk.Inode
		if err := r.inodes.Read(childIno, &childIn); err != nil {
			return 0, err
		}

		isLast := i == len(comps)-1
		if ondisk.IsSymlink(childIn.Mode) && (!isLast || followLastSymlink) {
			target, err := r.readLinkTarget(childIno, &childIn)
			if err != nil {
				return 0, err
			}
			if target == "" {
				return 0, minixerr.New(op, minixerr.LinkEmpty)
			}

			base := cur
			if strings.HasPrefix(target, "/") {
				base = RootInode
			}

			resolved, err := r.resolve(target, base, true, depth)
			if err != nil {
				return 0, err
			}
			cur = resolved
			continue
		}

		cur = childIno
	}

	return cur, nil
}

func (r *Resolver) readLinkTarget(ino uint32, in *ondisk.Inode) (string, error) {
	buf := make([]byte, in.Size)
	n, err := r.files.Read(ino, in, buf, 0)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// IndexOf returns the directory-entry slot index of name within parent, or
// FileNotFound.
func (r *Resolver) IndexOf(parent uint32, name string) (uint32, error) {
	var parentIn ondisk.Inode
	if err := r.inodes.Read(parent, &parentIn); err != nil {
		return 0, err
	}
	if !ondisk.IsDir(parentIn.Mode) {
		return 0, minixerr.New("PathResolver.IndexOf", minixerr.NotDirectory)
	}
	return r.dirs.IndexOf(parent, &parentIn, name)
}

// IsAncestor reports whether a is an ancestor directory of b (or a == b),
// by climbing ".." from b up to the root.
func (r *Resolver) IsAncestor(a, b uint32) (bool, error) {
	cur := b
	for {
		if cur == a {
			return true, nil
		}
		if cur == RootInode {
			return false, nil
		}

		idx, err := r.IndexOf(cur, "..")
		if err != nil {
			return false, err
		}
		var curIn ondisk.Inode
		if err := r.inodes.Read(cur, &curIn); err != nil {
			return false, err
		}
		entry, err := r.dirs.ReadRaw(cur, &curIn, idx)
		if err != nil {
			return false, err
		}

		parent := entry.Ino
		if parent == cur {
			return false, nil
		}
		cur = parent
	}
}
