// Package txmanager groups a BlockStore write-batch transaction together
// with the inode and zone bitmap allocators' rollback transactions into one
// all-or-nothing unit, and enforces a sticky write-lock if a commit ever
// fails partway — converting a possibly torn on-disk state into a
// controlled read-only degradation rather than silent corruption.
package txmanager

import (
	"log"

	"github.com/google/uuid"

	"github.com/gsh20040816/minixfs/bitmap"
	"github.com/gsh20040816/minixfs/blockstore"
	"github.com/gsh20040816/minixfs/minixerr"
)

// Manager owns no state exclusively; it crosscuts BlockStore and both
// bitmap allocators, which remain owned by the FS facade.
type Manager struct {
	bs   *blockstore.BlockStore
	imap *bitmap.Allocator
	zmap *bitmap.Allocator
	log  *log.Logger

	writeLocked bool
	lockReason  error

	curTxID string
}

// New builds a Manager over the given collaborators. logger may be nil.
func New(bs *blockstore.BlockStore, imap, zmap *bitmap.Allocator, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(nilWriter{}, "", 0)
	}
	return &Manager{bs: bs, imap: imap, zmap: zmap, log: logger}
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

// BeginTx opens the BlockStore transaction then both allocator
// transactions, reverting whichever already succeeded if a later one
// fails. Returns WriteLocked immediately, without opening anything, if a
// previous commit left the manager write-locked. Each transaction is
// tagged with a fresh UUID so its begin/commit/revert log lines can be
// correlated.
func (m *Manager) BeginTx() error {
	const op = "txmanager.BeginTx"
	if m.writeLocked {
		return minixerr.Wrap(op, minixerr.WriteLocked, m.lockReason)
	}

	m.curTxID = uuid.NewString()

	if err := m.bs.BeginTx(); err != nil {
		return err
	}
	if err := m.imap.BeginTx(); err != nil {
		_ = m.bs.RevertTx()
		return err
	}
	if err := m.zmap.BeginTx(); err != nil {
		_ = m.imap.RevertTx()
		_ = m.bs.RevertTx()
		return err
	}
	m.log.Printf("tx %s: begin", m.curTxID)
	return nil
}

// CommitTx commits the BlockStore transaction, then the inode bitmap
// transaction, then the zone bitmap transaction, in that order. Any
// failure sets a sticky write-lock carrying the failure reason; every
// subsequent BeginTx reports WriteLocked until the mount is torn down.
func (m *Manager) CommitTx() error {
	if err := m.bs.CommitTx(); err != nil {
		m.lock(err)
		return err
	}
	if err := m.imap.CommitTx(); err != nil {
		m.lock(err)
		return err
	}
	if err := m.zmap.CommitTx(); err != nil {
		m.lock(err)
		return err
	}
	m.log.Printf("tx %s: commit", m.curTxID)
	return nil
}

// RevertTx reverts all three transactions, returning the first error
// encountered (if any) after attempting every revert.
func (m *Manager) RevertTx() error {
	var first error

	if err := m.bs.RevertTx(); err != nil && first == nil {
		first = err
	}
	if err := m.imap.RevertTx(); err != nil && first == nil {
		first = err
	}
	if err := m.zmap.RevertTx(); err != nil && first == nil {
		first = err
	}
	m.log.Printf("tx %s: revert", m.curTxID)
	return first
}

func (m *Manager) lock(reason error) {
	m.log.Printf("tx %s: commit failed, write-locking: %v", m.curTxID, reason)
	m.writeLocked = true
	m.lockReason = reason
}

// WriteLocked reports whether a failed commit has put the manager into its
// sticky write-locked state.
func (m *Manager) WriteLocked() bool { return m.writeLocked }

// LockReason returns the error that triggered the write-lock, if any.
func (m *Manager) LockReason() error { return m.lockReason }
