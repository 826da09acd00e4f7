package metadb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb"
	"github.com/objectfs/objectfs/internal/metadb/boltstore"
	"github.com/objectfs/objectfs/internal/metadb/sqlstore"
)

// metaStoreFactory builds a fresh, empty MetadataStore rooted at dir.
type metaStoreFactory func(t *testing.T, dir string) metadb.MetadataStore

func metaFactories() map[string]metaStoreFactory {
	return map[string]metaStoreFactory{
		"bbolt": func(t *testing.T, dir string) metadb.MetadataStore {
			s, err := boltstore.OpenMetaStore(filepath.Join(dir, "meta.db"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T, dir string) metadb.MetadataStore {
			s, err := sqlstore.OpenMetaStore(filepath.Join(dir, "meta.sqlite"))
			require.NoError(t, err)
			return s
		},
	}
}

// TestMetadataStoreConformance exercises every MetadataStore operation
// against each physical implementation identically (spec §4.2: both
// implementations share one logical contract).
func TestMetadataStoreConformance(t *testing.T) {
	for name, factory := range metaFactories() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			store := factory(t, dir)
			defer store.Close()

			meta := item.AttributeMap{item.AttrSize: "9", item.AttrSource: "/cache/a"}
			require.NoError(t, store.SetItemMeta("/a.bin", meta))

			got, err := store.GetItemMeta("/a.bin")
			require.NoError(t, err)
			assert.Equal(t, int64(9), got.GetSize())

			require.NoError(t, store.SetItemMetaKey("/a.bin", "mode", "0644"))
			got, err = store.GetItemMeta("/a.bin")
			require.NoError(t, err)
			assert.Equal(t, "0644", got[item.AttrMode])

			require.NoError(t, store.RemoveItemMeta("/a.bin", "mode"))
			got, err = store.GetItemMeta("/a.bin")
			require.NoError(t, err)
			assert.Empty(t, got[item.AttrMode])

			pinned, err := store.GetPinned("/a.bin")
			require.NoError(t, err)
			assert.False(t, pinned)
			require.NoError(t, store.SetPinned("/a.bin", true))
			pinned, err = store.GetPinned("/a.bin")
			require.NoError(t, err)
			assert.True(t, pinned)

			pins, err := store.GetPinnedFiles()
			require.NoError(t, err)
			assert.Equal(t, []string{"/a.bin"}, pins)

			path, ok, err := store.GetAPIPathBySourcePath("/cache/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "/a.bin", path)

			require.NoError(t, store.RenameItemMeta("/a.bin", "/b.bin"))
			_, ok, err = store.GetAPIPathBySourcePath("/cache/a")
			require.NoError(t, err)
			assert.True(t, ok)

			got, err = store.GetItemMeta("/b.bin")
			require.NoError(t, err)
			assert.Equal(t, int64(9), got.GetSize())

			count, err := store.GetTotalItemCount()
			require.NoError(t, err)
			assert.Equal(t, uint64(1), count)

			total, err := store.GetTotalSize()
			require.NoError(t, err)
			assert.Equal(t, uint64(9), total)

			var seen []string
			require.NoError(t, store.EnumerateAPIPaths(func(p string) bool {
				seen = append(seen, p)
				return true
			}, nil))
			assert.Contains(t, seen, "/b.bin")

			require.NoError(t, store.SetItemMeta("/c.bin", item.AttributeMap{item.AttrSize: "1"}))
			require.NoError(t, store.RemoveAPIPath("/c.bin"))
			got, err = store.GetItemMeta("/c.bin")
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, store.Clear())
			count, err = store.GetTotalItemCount()
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

type fileStoreFactory func(t *testing.T, dir string) metadb.FileDB

func fileFactories() map[string]fileStoreFactory {
	return map[string]fileStoreFactory{
		"bbolt": func(t *testing.T, dir string) metadb.FileDB {
			s, err := boltstore.OpenFileStore(filepath.Join(dir, "files.db"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T, dir string) metadb.FileDB {
			s, err := sqlstore.OpenFileStore(filepath.Join(dir, "files.sqlite"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestFileDBConformance(t *testing.T) {
	for name, factory := range fileFactories() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			store := factory(t, dir)
			defer store.Close()

			require.NoError(t, store.AddOrUpdateDirectory("/dir"))
			isDir, err := store.GetDirectoryByAPIPath("/dir")
			require.NoError(t, err)
			assert.True(t, isDir)

			rec := metadb.FileRecord{
				APIPath:    "/dir/a.bin",
				SourcePath: filepath.Join(dir, "source-a"),
				IVList:     [][]byte{{1, 2, 3}, {4, 5, 6}},
				NameKDF:    metadb.KDFConfig{Name: "argon2id", MemoryKiB: 65536, TimeCost: 3, Threads: 4, KeyLenByte: 32},
				DataKDF:    metadb.KDFConfig{Name: "argon2id", MemoryKiB: 65536, TimeCost: 3, Threads: 4, KeyLenByte: 32},
			}
			require.NoError(t, store.AddOrUpdateFile(rec))

			got, ok, err := store.GetFileByAPIPath("/dir/a.bin")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, rec.IVList, got.IVList)
			assert.Equal(t, rec.NameKDF, got.NameKDF)

			path, ok, err := store.GetAPIPathBySourcePath(rec.SourcePath)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "/dir/a.bin", path)

			list, err := store.EnumerateItemList()
			require.NoError(t, err)
			assert.Len(t, list, 1)

			n, err := store.Count()
			require.NoError(t, err)
			assert.Equal(t, uint64(1), n)

			require.NoError(t, store.RemoveItem("/dir/a.bin"))
			_, ok, err = store.GetFileByAPIPath("/dir/a.bin")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Clear())
		})
	}
}
