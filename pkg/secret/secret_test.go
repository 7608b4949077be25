package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSealer(t *testing.T, version int) *Sealer {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSealerFromBase64(key, version)
	require.NoError(t, err)
	return s
}

func TestSealOpen(t *testing.T) {
	s := newSealer(t, 1)

	sealed, err := s.Seal("api-secret-value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "ENC[v1]:"))
	assert.True(t, IsSealed(sealed))
	assert.Equal(t, 1, Version(sealed))

	again, err := s.Seal("api-secret-value")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces are random")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-secret-value", plain)
}

func TestOpenRejects(t *testing.T) {
	s := newSealer(t, 1)
	sealed, err := s.Seal("value")
	require.NoError(t, err)
	other, err := newSealer(t, 1).Seal("value")
	require.NoError(t, err)
	v2, err := newSealer(t, 2).Seal("value")
	require.NoError(t, err)

	tests := []struct {
		name  string
		value string
		err   error
	}{
		{name: "plain text", value: "value", err: ErrInvalidSealed},
		{name: "other key", value: other, err: ErrOpenFailed},
		{name: "other version", value: v2, err: ErrVersionMissing},
		{name: "truncated", value: "ENC[v1]:AAAA", err: ErrInvalidSealed},
		{name: "tampered", value: sealed[:len(sealed)-4] + "AAAA", err: ErrOpenFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Open(tt.value)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestNewSealerKeySize(t *testing.T) {
	_, err := NewSealer([]byte("short"), 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewSealerFromBase64("not base64!", 1)
	assert.Error(t, err)
}
