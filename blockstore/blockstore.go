// Package blockstore implements byte/block/zone I/O against the underlying
// device, with an optional write-batch transaction mode. Short reads and
// writes are retried a bounded number of times before failing; committed
// transaction writes are flushed in ascending block order, coalescing
// contiguous runs.
package blockstore

import (
	"io"
	"log"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/gsh20040816/minixfs/minixerr"
)

// maxRetries bounds the short-I/O retry loop for read_bytes/write_bytes.
const maxRetries = 3

// maxCoalescedFlush caps how many contiguous bytes one flushed write_bytes
// call may cover, so a pathological run of dirty blocks can't force an
// unbounded single syscall.
const maxCoalescedFlush = 1 << 20 // 1 MiB

// Device is the seekable fixed-size byte store the core reads and writes.
// The underlying block device itself is out of this package's scope; an
// *os.File satisfies Device directly.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// BlockStore owns the device file descriptor exclusively and provides
// block/zone-granularity I/O, plus a single in-memory write-batch
// transaction used by TxManager to group multi-block mutations.
type BlockStore struct {
	dev    Device
	path   string
	owned  bool // true if we opened dev ourselves (and must flock/close it)

	blockSize     uint32
	blocksPerZone uint32

	txActive bool
	// pending buffers writes made during a transaction, keyed by block
	// number, until commit flushes them or revert discards them.
	pending map[uint32][]byte

	log *log.Logger
}

// Open opens the device at path for read-write access and takes an advisory
// exclusive flock, failing OpenDeviceFail if another mount already holds it
// (operationalizing the "two simultaneous mounts... not supported" rule).
func Open(path string, logger *log.Logger) (*BlockStore, error) {
	const op = "BlockStore.Open"

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, minixerr.Wrap(op, minixerr.OpenDeviceFail, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, minixerr.Wrap(op, minixerr.OpenDeviceFail, err)
	}

	return New(f, path, true, logger), nil
}

// New wraps an already-open Device. owned controls whether Close() closes
// the underlying device (Open sets this true; tests that hand in an
// in-memory fake typically pass false and close it themselves).
func New(dev Device, path string, owned bool, logger *log.Logger) *BlockStore {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &BlockStore{
		dev:     dev,
		path:    path,
		owned:   owned,
		pending: make(map[uint32][]byte),
		log:     logger,
	}
}

// SetGeometry records the block size and blocks-per-zone derived by Layout.
// Must be called once before any block/zone accessor is used.
func (bs *BlockStore) SetGeometry(blockSize, blocksPerZone uint32) {
	bs.blockSize = blockSize
	bs.blocksPerZone = blocksPerZone
}

// Close closes the device if this BlockStore owns it (see New); otherwise
// it is a no-op. Safe to call once after Open.
func (bs *BlockStore) Close() error {
	const op = "BlockStore.Close"
	if !bs.owned {
		return nil
	}
	if err := bs.dev.Close(); err != nil {
		return minixerr.Wrap(op, minixerr.CloseDeviceFail, err)
	}
	return nil
}

// Fsync flushes the device to stable storage.
func (bs *BlockStore) Fsync() error {
	const op = "BlockStore.Fsync"
	if err := bs.dev.Sync(); err != nil {
		return minixerr.Wrap(op, minixerr.WriteFail, err)
	}
	return nil
}

// Fdatasync is an alias for Fsync: the Device interface does not distinguish
// data-only sync from full metadata sync.
func (bs *BlockStore) Fdatasync() error { return bs.Fsync() }

////////////////////////////////////////////////////////////////////////
// Byte-granularity I/O
////////////////////////////////////////////////////////////////////////

// ReadBytes reads len(buf) bytes at offset, retrying up to maxRetries times
// on short reads before reporting ReadFail. Fails InTransaction if a
// transaction is active.
func (bs *BlockStore) ReadBytes(offset int64, buf []byte) error {
	const op = "BlockStore.ReadBytes"
	if bs.txActive {
		return minixerr.New(op, minixerr.InTransaction)
	}
	return bs.readBytesDirect(op, offset, buf)
}

func (bs *BlockStore) readBytesDirect(op string, offset int64, buf []byte) error {
	want := len(buf)
	got := 0
	var lastErr error
	for attempt := 0; attempt < maxRetries && got < want; attempt++ {
		n, err := bs.dev.ReadAt(buf[got:], offset+int64(got))
		got += n
		lastErr = err
		if err != nil && err != io.EOF {
			continue
		}
		if got >= want {
			return nil
		}
	}
	if got >= want {
		return nil
	}
	return minixerr.Wrap(op, minixerr.ReadFail, lastErr)
}

// WriteBytes writes buf at offset, retrying up to maxRetries times on short
// writes before reporting WriteFail. Fails InTransaction if a transaction is
// active.
func (bs *BlockStore) WriteBytes(offset int64, buf []byte) error {
	const op = "BlockStore.WriteBytes"
	if bs.txActive {
		return minixerr.New(op, minixerr.InTransaction)
	}
	return bs.writeBytesDirect(op, offset, buf)
}

func (bs *BlockStore) writeBytesDirect(op string, offset int64, buf []byte) error {
	want := len(buf)
	done := 0
	var lastErr error
	for attempt := 0; attempt < maxRetries && done < want; attempt++ {
		n, err := bs.dev.WriteAt(buf[done:], offset+int64(done))
		done += n
		lastErr = err
		if err != nil {
			continue
		}
	}
	if done >= want {
		return nil
	}
	return minixerr.Wrap(op, minixerr.WriteFail, lastErr)
}

////////////////////////////////////////////////////////////////////////
// Block-granularity I/O
////////////////////////////////////////////////////////////////////////

func (bs *BlockStore) blockOffset(bno uint32) int64 {
	return int64(bno) * int64(bs.blockSize)
}

// ReadBlock reads block bno into buf (which must be exactly BlockSize
// bytes). Inside a transaction it consults the pending write buffer first.
func (bs *BlockStore) ReadBlock(bno uint32, buf []byte) error {
	const op = "BlockStore.ReadBlock"
	if bs.txActive {
		if data, ok := bs.pending[bno]; ok {
			copy(buf, data)
			return nil
		}
	}
	return bs.readBytesDirect(op, bs.blockOffset(bno), buf)
}

// WriteBlock writes buf (exactly BlockSize bytes) to block bno. Inside a
// transaction the write is buffered in memory rather than issued to the
// device.
func (bs *BlockStore) WriteBlock(bno uint32, buf []byte) error {
	const op = "BlockStore.WriteBlock"
	if bs.txActive {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		bs.pending[bno] = cp
		return nil
	}
	return bs.writeBytesDirect(op, bs.blockOffset(bno), buf)
}

////////////////////////////////////////////////////////////////////////
// Zone-granularity I/O
////////////////////////////////////////////////////////////////////////

// ReadZone reads zone zno (BlocksPerZone*BlockSize bytes) into buf.
func (bs *BlockStore) ReadZone(zno uint32, buf []byte) error {
	const op = "BlockStore.ReadZone"
	first := zno * bs.blocksPerZone
	for i := uint32(0); i < bs.blocksPerZone; i++ {
		chunk := buf[i*bs.blockSize : (i+1)*bs.blockSize]
		if err := bs.ReadBlock(first+i, chunk); err != nil {
			return err
		}
	}
	_ = op
	return nil
}

// WriteZone writes buf (BlocksPerZone*BlockSize bytes) to zone zno.
func (bs *BlockStore) WriteZone(zno uint32, buf []byte) error {
	first := zno * bs.blocksPerZone
	for i := uint32(0); i < bs.blocksPerZone; i++ {
		chunk := buf[i*bs.blockSize : (i+1)*bs.blockSize]
		if err := bs.WriteBlock(first+i, chunk); err != nil {
			return err
		}
	}
	return nil
}

// BlockSize returns the configured block size.
func (bs *BlockStore) BlockSize() uint32 { return bs.blockSize }

// BlocksPerZone returns the configured blocks-per-zone.
func (bs *BlockStore) BlocksPerZone() uint32 { return bs.blocksPerZone }

////////////////////////////////////////////////////////////////////////
// Transactions
////////////////////////////////////////////////////////////////////////

// BeginTx starts a write-batch transaction. Byte-granularity reads/writes
// fail with InTransaction while one is active; block/zone writes are
// buffered instead of reaching the device.
func (bs *BlockStore) BeginTx() error {
	const op = "BlockStore.BeginTx"
	if bs.txActive {
		return minixerr.New(op, minixerr.InTransaction)
	}
	bs.txActive = true
	bs.pending = make(map[uint32][]byte)
	return nil
}

// CommitTx flushes the buffered writes in ascending block-number order,
// coalescing contiguous runs into single write_bytes calls up to
// maxCoalescedFlush. On any flush failure the transaction stays marked
// active, so a caller's next BeginTx reports InTransaction rather than
// silently starting a second batch over a partially-flushed one.
func (bs *BlockStore) CommitTx() error {
	const op = "BlockStore.CommitTx"
	if !bs.txActive {
		return minixerr.New(op, minixerr.NotInTransaction)
	}

	bnos := make([]uint32, 0, len(bs.pending))
	for b := range bs.pending {
		bnos = append(bnos, b)
	}
	sort.Slice(bnos, func(i, j int) bool { return bnos[i] < bnos[j] })

	i := 0
	for i < len(bnos) {
		runStart := i
		runBytes := append([]byte(nil), bs.pending[bnos[i]]...)
		j := i + 1
		for j < len(bnos) &&
			bnos[j] == bnos[j-1]+1 &&
			uint32(len(runBytes))+bs.blockSize <= maxCoalescedFlush {
			runBytes = append(runBytes, bs.pending[bnos[j]]...)
			j++
		}

		offset := bs.blockOffset(bnos[runStart])
		if err := bs.writeBytesDirect(op, offset, runBytes); err != nil {
			// Leave txActive true: the batch is torn, further writes are
			// not valid until the caller explicitly reverts.
			return err
		}
		i = j
	}

	bs.txActive = false
	bs.pending = make(map[uint32][]byte)
	return nil
}

// RevertTx discards the buffered writes without touching the device.
func (bs *BlockStore) RevertTx() error {
	const op = "BlockStore.RevertTx"
	if !bs.txActive {
		return minixerr.New(op, minixerr.NotInTransaction)
	}
	bs.pending = make(map[uint32][]byte)
	bs.txActive = false
	return nil
}

// InTransaction reports whether a write-batch transaction is currently
// active (including one stuck active after a failed commit).
func (bs *BlockStore) InTransaction() bool { return bs.txActive }
