// Package opentable tracks per-inode open handle counts, enabling
// unlink-while-open semantics: an inode whose link count has dropped to
// zero is not reaped until its open count also reaches zero.
package opentable

// Table maps inode number to its current open-handle count.
type Table struct {
	counts map[uint32]uint64
}

// New builds an empty OpenTable.
func New() *Table {
	return &Table{counts: make(map[uint32]uint64)}
}

// Add increments the open count for ino.
func (t *Table) Add(ino uint32) {
	t.counts[ino]++
}

// Remove decrements the open count for ino, erasing the entry once it
// reaches zero.
func (t *Table) Remove(ino uint32) {
	c, ok := t.counts[ino]
	if !ok {
		return
	}
	if c <= 1 {
		delete(t.counts, ino)
		return
	}
	t.counts[ino] = c - 1
}

// Empty reports whether ino has no open handles (no entry, or a zero
// count).
func (t *Table) Empty(ino uint32) bool {
	c, ok := t.counts[ino]
	return !ok || c == 0
}

// Count returns the current open count for ino.
func (t *Table) Count(ino uint32) uint64 {
	return t.counts[ino]
}
