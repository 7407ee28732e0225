package blockstore

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsh20040816/minixfs/minixerr"
)

// memDevice is an in-memory Device fake for exercising BlockStore without a
// real file.
type memDevice struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func newMemDevice(size int) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	need := int(off) + len(p)
	if need > len(m.data) {
		grown := make([]byte, need)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *memDevice) Sync() error { return nil }

func (m *memDevice) Close() error {
	m.closed = true
	return nil
}

func newTestStore(t *testing.T, blockSize uint32, numBlocks int) (*BlockStore, *memDevice) {
	t.Helper()
	dev := newMemDevice(int(blockSize) * numBlocks)
	bs := New(dev, "test", false, nil)
	bs.SetGeometry(blockSize, 2)
	return bs, dev
}

func TestReadWriteBlockDirect(t *testing.T) {
	bs, _ := newTestStore(t, 512, 4)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, bs.WriteBlock(1, buf))

	got := make([]byte, 512)
	require.NoError(t, bs.ReadBlock(1, got))
	assert.Equal(t, buf, got)
}

func TestZoneReadWrite(t *testing.T) {
	bs, _ := newTestStore(t, 512, 8)

	zoneBuf := make([]byte, 512*2)
	for i := range zoneBuf {
		zoneBuf[i] = byte(i % 251)
	}
	require.NoError(t, bs.WriteZone(1, zoneBuf))

	got := make([]byte, 512*2)
	require.NoError(t, bs.ReadZone(1, got))
	assert.Equal(t, zoneBuf, got)
}

func TestTransactionBuffersUntilCommit(t *testing.T) {
	bs, dev := newTestStore(t, 512, 4)

	require.NoError(t, bs.BeginTx())
	assert.True(t, bs.InTransaction())

	buf := make([]byte, 512)
	buf[0] = 0xAB
	require.NoError(t, bs.WriteBlock(0, buf))

	// Not yet visible on the underlying device.
	assert.NotEqual(t, byte(0xAB), dev.data[0])

	// But visible to a read through the same transaction.
	readBack := make([]byte, 512)
	require.NoError(t, bs.ReadBlock(0, readBack))
	assert.Equal(t, byte(0xAB), readBack[0])

	require.NoError(t, bs.CommitTx())
	assert.False(t, bs.InTransaction())
	assert.Equal(t, byte(0xAB), dev.data[0])
}

func TestTransactionRevertDiscardsWrites(t *testing.T) {
	bs, dev := newTestStore(t, 512, 4)
	dev.data[0] = 0x11

	require.NoError(t, bs.BeginTx())
	buf := make([]byte, 512)
	buf[0] = 0xFF
	require.NoError(t, bs.WriteBlock(0, buf))
	require.NoError(t, bs.RevertTx())

	assert.False(t, bs.InTransaction())
	assert.Equal(t, byte(0x11), dev.data[0])
}

func TestByteIOFailsDuringTransaction(t *testing.T) {
	bs, _ := newTestStore(t, 512, 4)
	require.NoError(t, bs.BeginTx())

	err := bs.ReadBytes(0, make([]byte, 4))
	assert.True(t, minixerr.Is(err, minixerr.InTransaction))

	err = bs.WriteBytes(0, make([]byte, 4))
	assert.True(t, minixerr.Is(err, minixerr.InTransaction))
}

func TestDoubleBeginTxFails(t *testing.T) {
	bs, _ := newTestStore(t, 512, 4)
	require.NoError(t, bs.BeginTx())
	err := bs.BeginTx()
	assert.True(t, minixerr.Is(err, minixerr.InTransaction))
}

func TestCommitWithoutBeginFails(t *testing.T) {
	bs, _ := newTestStore(t, 512, 4)
	err := bs.CommitTx()
	assert.True(t, minixerr.Is(err, minixerr.NotInTransaction))
}
