package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, New(path))
	mgr, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestManagerCreateTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, New(path))
	assert.Error(t, New(path))
}

func TestManagerAllocateReadWrite(t *testing.T) {
	mgr := openTestManager(t)

	id, err := mgr.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, PageID(1), id)
	assert.Equal(t, uint32(2), mgr.PageCount())

	buf := make([]byte, PageSize)
	copy(buf, "hello page")
	require.NoError(t, mgr.WritePage(id, buf))

	out := make([]byte, PageSize)
	require.NoError(t, mgr.ReadPage(id, out))
	assert.Equal(t, buf, out)

	assert.Error(t, mgr.ReadPage(InvalidPageID, out), "header page is not readable as a data page")
	assert.Error(t, mgr.ReadPage(9, out))
	assert.Error(t, mgr.ReadPage(id, make([]byte, 10)))
}

func TestManagerFreeListReuse(t *testing.T) {
	mgr := openTestManager(t)

	first, err := mgr.AllocatePage()
	require.NoError(t, err)
	second, err := mgr.AllocatePage()
	require.NoError(t, err)

	require.NoError(t, mgr.FreePage(first))
	reused, err := mgr.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, first, reused)

	out := make([]byte, PageSize)
	require.NoError(t, mgr.ReadPage(reused, out))
	assert.Equal(t, make([]byte, PageSize), out, "reused page is zeroed")

	fresh, err := mgr.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, second+1, fresh)
}

func TestManagerCatalogPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, New(path))
	mgr, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateCatalog([]byte("catalog bytes")))
	_, err = mgr.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	mgr, err = Open(path)
	require.NoError(t, err)
	defer mgr.Close()
	data, err := mgr.CatalogData()
	require.NoError(t, err)
	assert.Equal(t, []byte("catalog bytes"), data)
	assert.Equal(t, uint32(2), mgr.PageCount())
}
