package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherFullDigest(t *testing.T) {
	t.Parallel()

	h := New(0)
	got, err := h.Hash([]byte("library_id,company\n1,Acme\n"))
	require.NoError(t, err)
	require.Len(t, got, 64)

	again, err := h.Hash([]byte("library_id,company\n1,Acme\n"))
	require.NoError(t, err)
	require.Equal(t, got, again)

	other, err := h.Hash([]byte("library_id,company\n2,Acme\n"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}

func TestHasherKnownVector(t *testing.T) {
	t.Parallel()

	got, err := New(100).Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestHasherTruncates(t *testing.T) {
	t.Parallel()

	got, err := New(12).Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d", got)
}

func TestHasherRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := New(0).Hash(nil)
	require.Error(t, err)
}
