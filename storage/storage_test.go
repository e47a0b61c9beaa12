package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T, store Storage) {
	t.Helper()

	_, err := store.Read(0)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Write(0, []byte("state")))
	require.NoError(t, store.Write(7, []byte("entry seven")))

	data, err := store.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("state"), data)

	data, err = store.Read(7)
	require.NoError(t, err)
	require.Equal(t, []byte("entry seven"), data)

	// Slots in between stay missing.
	_, err = store.Read(3)
	require.ErrorIs(t, err, ErrNotFound)

	// Overwrites replace the whole slot.
	require.NoError(t, store.Write(0, []byte("v2")))
	data, err = store.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)

	require.NoError(t, store.Flush())
}

func TestMemory(t *testing.T) {
	testBackend(t, NewMemory())
}

func TestMemoryCopies(t *testing.T) {
	store := NewMemory()
	buf := []byte("mutable")
	require.NoError(t, store.Write(1, buf))
	buf[0] = 'X'

	data, err := store.Read(1)
	require.NoError(t, err)
	require.Equal(t, []byte("mutable"), data)

	// Mutating a read result does not corrupt the slot.
	data[0] = 'Y'
	again, err := store.Read(1)
	require.NoError(t, err)
	require.Equal(t, []byte("mutable"), again)
}

func TestFile(t *testing.T) {
	store, err := NewFile(t.TempDir())
	require.NoError(t, err)
	testBackend(t, store)
}

func TestFilePersistence(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, store.Write(0, []byte("survives")))
	require.NoError(t, store.Write(12, []byte("reopen")))
	require.NoError(t, store.Flush())

	reopened, err := NewFile(dir)
	require.NoError(t, err)

	data, err := reopened.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("survives"), data)

	data, err = reopened.Read(12)
	require.NoError(t, err)
	require.Equal(t, []byte("reopen"), data)

	_, err = reopened.Read(1)
	require.ErrorIs(t, err, ErrNotFound)
}
