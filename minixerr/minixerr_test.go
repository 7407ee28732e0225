package minixerr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndIs(t *testing.T) {
	err := New("Op.Do", NoSpace)
	assert.True(t, Is(err, NoSpace))
	assert.False(t, Is(err, FileNotFound))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, NoSpace, kind)
}

func TestWrapUnwraps(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := Wrap("BlockStore.ReadBlock", ReadFail, cause)

	assert.True(t, Is(err, ReadFail))
	assert.True(t, errors.Is(err, cause))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("boom"), NoSpace))

	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
}

func TestKindStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "NoSpace", NoSpace.String())
	assert.Contains(t, Kind(9999).String(), "Kind(")
}

func TestErrorMessageFormat(t *testing.T) {
	withCause := Wrap("Op", WriteFail, errors.New("disk full"))
	assert.Contains(t, withCause.Error(), "WriteFail")
	assert.Contains(t, withCause.Error(), "disk full")

	withoutCause := New("Op", InvalidInode)
	assert.Contains(t, withoutCause.Error(), "InvalidInode")
}
