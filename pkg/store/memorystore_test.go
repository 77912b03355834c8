package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	memStore := NewMemStore[string]()

	require.NoError(t, memStore.Set("key", "value"))
	require.ErrorIs(t, memStore.Set("key", "other"), ErrKeyExists)
}

func TestGet(t *testing.T) {
	memStore := NewMemStore[string]()

	require.NoError(t, memStore.Set("key", "value"))

	val, err := memStore.Get("key")
	require.NoError(t, err)
	require.Equal(t, "value", val)
}

func TestGetNonExistingKey(t *testing.T) {
	memStore := NewMemStore[string]()

	_, err := memStore.Get("missing")
	require.ErrorIs(t, err, ErrKeyDoesntExist)
}

func TestDelete(t *testing.T) {
	memStore := NewMemStore[string]()

	require.NoError(t, memStore.Set("key", "value"))
	require.NoError(t, memStore.Delete("key"))

	_, err := memStore.Get("key")
	require.ErrorIs(t, err, ErrKeyDoesntExist)

	require.ErrorIs(t, memStore.Delete("key"), ErrKeyDoesntExist)
}

func TestUpdate(t *testing.T) {
	memStore := NewMemStore[string]()

	require.NoError(t, memStore.Set("key", "value"))
	require.NoError(t, memStore.Update("key", "newvalue"))

	val, err := memStore.Get("key")
	require.NoError(t, err)
	require.Equal(t, "newvalue", val)

	require.ErrorIs(t, memStore.Update("missing", "value"), ErrKeyDoesntExist)
}

func TestTypedValues(t *testing.T) {
	memStore := NewMemStore[[]string]()

	require.NoError(t, memStore.Set("archives", []string{"a.tar.gz", "b.tar.gz"}))

	val, err := memStore.Get("archives")
	require.NoError(t, err)
	require.Equal(t, []string{"a.tar.gz", "b.tar.gz"}, val)
}
