package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealerFromPassphrase("hunter2")
	require.NoError(t, err)

	plain := []byte(`{"cookies":[{"name":"sid","value":"s3cret"}]}`)
	sealed, err := s.Seal(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, sealed)
	assert.False(t, bytes.Contains(sealed, []byte("s3cret")))

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestSealer_NonceVaries(t *testing.T) {
	s, err := NewSealerFromPassphrase("hunter2")
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealer_WrongPassphrase(t *testing.T) {
	s1, err := NewSealerFromPassphrase("right")
	require.NoError(t, err)
	s2, err := NewSealerFromPassphrase("wrong")
	require.NoError(t, err)

	sealed, err := s1.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = s2.Open(sealed)
	assert.Error(t, err)
}

func TestSealer_TruncatedBlob(t *testing.T) {
	s, err := NewSealerFromPassphrase("pw")
	require.NoError(t, err)

	_, err = s.Open([]byte("short"))
	assert.Error(t, err)
}

func TestNewSealer_BadKeySize(t *testing.T) {
	_, err := NewSealer([]byte("too short"))
	assert.Error(t, err)

	_, err = NewSealerFromPassphrase("")
	assert.Error(t, err)
}
