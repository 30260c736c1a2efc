package peerwire

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/peerwire/blocks"
)

func TestFileStorageWriteReadVerifyRoundTrip(t *testing.T) {
	layout := blocks.Layout{TotalLength: 2 * 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	piece0 := make([]byte, 16*1024)
	piece1 := make([]byte, 16*1024)
	for i := range piece1 {
		piece1[i] = byte(i)
	}
	hashes := &fakeHashes{byIndex: map[int][20]byte{
		0: sha1.Sum(piece0),
		1: sha1.Sum(piece1),
	}}

	path := filepath.Join(t.TempDir(), "data")
	st, err := OpenFileStorage(path, layout, hashes)
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, 2, st.NumPieces())
	assert.EqualValues(t, 16*1024, st.PieceLength(0))

	ok, err := st.VerifyPiece(0)
	require.NoError(t, err)
	assert.True(t, ok, "a freshly truncated file is all zeros, which matches piece0's hash")

	ok, err = st.VerifyPiece(1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.WritePiece(1, piece1))

	ok, err = st.VerifyPiece(1)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.ReadPiece(1)
	require.NoError(t, err)
	assert.Equal(t, piece1, got)
}

func TestOpenFileStorageSizesFileToLayout(t *testing.T) {
	layout := blocks.Layout{TotalLength: 3 * 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	hashes := &fakeHashes{byIndex: map[int][20]byte{}}

	path := filepath.Join(t.TempDir(), "data")
	st, err := OpenFileStorage(path, layout, hashes)
	require.NoError(t, err)
	defer st.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, layout.TotalLength, info.Size())
}
