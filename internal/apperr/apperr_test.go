package apperr

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := Network("fetch descriptor", errors.New("connection refused"))
	wrapped := eris.Wrap(base, "refresh")

	assert.Equal(t, KindNetwork, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNetwork))
	assert.False(t, Is(wrapped, KindDecode))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindNetwork))
}

func TestErrBusy_MatchesByKind(t *testing.T) {
	err := New(KindBusy, "refresh", nil)
	assert.True(t, errors.Is(err, ErrBusy))
	assert.False(t, errors.Is(Storage("install", errors.New("disk full")), ErrBusy))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "install: storage error: disk full", Storage("install", errors.New("disk full")).Error())
	assert.Equal(t, "busy error", ErrBusy.Error())
	assert.Equal(t, "refresh: busy error", New(KindBusy, "refresh", nil).Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("eof")
	err := Decode("fetch descriptor", cause)
	assert.ErrorIs(t, err, cause)
}
