package eviction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/cacheacct"
	"github.com/objectfs/objectfs/internal/events"
	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb/boltstore"
	"github.com/objectfs/objectfs/internal/provider"
)

type stubProvider struct{ readOnly bool }

func (p *stubProvider) CheckVersion(ctx context.Context) (string, string, error) { return "1", "1", nil }
func (p *stubProvider) CreateDirectory(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *stubProvider) CreateFile(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *stubProvider) CreateDirectoryCloneSourceMeta(ctx context.Context, src, dst string) error {
	return nil
}
func (p *stubProvider) RemoveDirectory(ctx context.Context, path string) error { return nil }
func (p *stubProvider) RemoveFile(ctx context.Context, path string) error      { return nil }
func (p *stubProvider) RenameFile(ctx context.Context, src, dst string) error {
	return provider.NotImplemented("RenameFile", src)
}
func (p *stubProvider) IsDirectory(ctx context.Context, path string) (bool, error) { return false, nil }
func (p *stubProvider) IsFile(ctx context.Context, path string) (bool, error)      { return true, nil }
func (p *stubProvider) IsFileWriteable(ctx context.Context, path string) (bool, error) {
	return true, nil
}
func (p *stubProvider) GetItemMeta(ctx context.Context, path string) (item.AttributeMap, error) {
	return item.AttributeMap{}, nil
}
func (p *stubProvider) SetItemMetaKey(ctx context.Context, path, key, value string) error { return nil }
func (p *stubProvider) SetItemMeta(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *stubProvider) RemoveItemMeta(ctx context.Context, path, key string) error { return nil }
func (p *stubProvider) GetDirectoryItems(ctx context.Context, path string) ([]provider.DirectoryItem, error) {
	return nil, nil
}
func (p *stubProvider) GetDirectoryItemCount(ctx context.Context, path string) (uint64, error) {
	return 0, nil
}
func (p *stubProvider) GetFileSize(ctx context.Context, path string) (uint64, error) { return 0, nil }
func (p *stubProvider) GetTotalDriveSpace(ctx context.Context) (uint64, error)       { return 0, nil }
func (p *stubProvider) GetUsedDriveSpace(ctx context.Context) (uint64, error)        { return 0, nil }
func (p *stubProvider) GetTotalItemCount(ctx context.Context) (uint64, error)        { return 0, nil }
func (p *stubProvider) GetPinnedFiles(ctx context.Context) ([]string, error)         { return nil, nil }
func (p *stubProvider) GetFileList(ctx context.Context, marker *provider.ListMarker) ([]provider.APIFile, error) {
	marker.MoreData = false
	return nil, nil
}
func (p *stubProvider) ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop provider.StopSignal) error {
	return nil
}
func (p *stubProvider) UploadFile(ctx context.Context, path, sourcePath string, stop provider.StopSignal) error {
	return nil
}
func (p *stubProvider) Start(ctx context.Context, onItemDiscovered provider.OnItemDiscovered) (bool, error) {
	return true, nil
}
func (p *stubProvider) Stop() error        { return nil }
func (p *stubProvider) IsReadOnly() bool   { return p.readOnly }
func (p *stubProvider) IsDirectOnly() bool { return false }

var _ provider.Provider = (*stubProvider)(nil)

type noProcessing struct{}

func (noProcessing) IsProcessing(string) bool { return false }

type noResume struct{}

func (noResume) HasResumeEntry(string) bool { return false }

type noLookup struct{}

func (noLookup) GetOpenFile(string) (OpenFileInfo, bool) { return nil, false }

func setup(t *testing.T) (*boltstore.MetaStore, *cacheacct.Accountant, string) {
	t.Helper()
	dir := t.TempDir()
	ms, err := boltstore.OpenMetaStore(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ms.Close() })
	acct := cacheacct.New(0, nil)
	return ms, acct, dir
}

func writeSourceFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestEvictFile_Success(t *testing.T) {
	ms, acct, dir := setup(t)
	acct.Commit(10)
	src := writeSourceFile(t, dir, "src1", 10)

	meta := item.AttributeMap{}
	meta.SetSize(10)
	meta[item.AttrSource] = src
	require.NoError(t, ms.SetItemMeta("/a.bin", meta))

	h := New(&stubProvider{}, ms, acct, events.New(), noLookup{}, noProcessing{}, noResume{})
	ok, err := h.EvictFile("/a.bin")
	require.NoError(t, err)
	assert.True(t, ok)
	_, statErr := os.Stat(src)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, int64(0), acct.Used())

	gotMeta, err := ms.GetItemMeta("/a.bin")
	require.NoError(t, err)
	assert.Empty(t, gotMeta[item.AttrSource])
}

func TestEvictFile_ReadOnlyProviderNeverEvicts(t *testing.T) {
	ms, acct, dir := setup(t)
	src := writeSourceFile(t, dir, "src1", 10)
	meta := item.AttributeMap{}
	meta.SetSize(10)
	meta[item.AttrSource] = src
	require.NoError(t, ms.SetItemMeta("/a.bin", meta))

	h := New(&stubProvider{readOnly: true}, ms, acct, events.New(), noLookup{}, noProcessing{}, noResume{})
	ok, err := h.EvictFile("/a.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictFile_PinnedSkipped(t *testing.T) {
	ms, acct, dir := setup(t)
	src := writeSourceFile(t, dir, "src1", 10)
	meta := item.AttributeMap{}
	meta.SetSize(10)
	meta[item.AttrSource] = src
	require.NoError(t, ms.SetItemMeta("/a.bin", meta))
	require.NoError(t, ms.SetPinned("/a.bin", true))

	h := New(&stubProvider{}, ms, acct, events.New(), noLookup{}, noProcessing{}, noResume{})
	ok, err := h.EvictFile("/a.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictFile_InUploadQueueSkipped(t *testing.T) {
	ms, acct, dir := setup(t)
	src := writeSourceFile(t, dir, "src1", 10)
	meta := item.AttributeMap{}
	meta.SetSize(10)
	meta[item.AttrSource] = src
	require.NoError(t, ms.SetItemMeta("/a.bin", meta))

	h := New(&stubProvider{}, ms, acct, events.New(), noLookup{}, processingAlways{}, noResume{})
	ok, err := h.EvictFile("/a.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

type processingAlways struct{}

func (processingAlways) IsProcessing(string) bool { return true }

func TestEvictFile_PendingResumeSkipped(t *testing.T) {
	ms, acct, dir := setup(t)
	src := writeSourceFile(t, dir, "src1", 10)
	meta := item.AttributeMap{}
	meta.SetSize(10)
	meta[item.AttrSource] = src
	require.NoError(t, ms.SetItemMeta("/a.bin", meta))

	h := New(&stubProvider{}, ms, acct, events.New(), noLookup{}, noProcessing{}, resumeAlways{})
	ok, err := h.EvictFile("/a.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

type resumeAlways struct{}

func (resumeAlways) HasResumeEntry(string) bool { return true }

func TestEvictFile_SizeMismatchSkipped(t *testing.T) {
	ms, acct, dir := setup(t)
	src := writeSourceFile(t, dir, "src1", 5) // disk has 5 bytes
	meta := item.AttributeMap{}
	meta.SetSize(10) // known size says 10
	meta[item.AttrSource] = src
	require.NoError(t, ms.SetItemMeta("/a.bin", meta))

	h := New(&stubProvider{}, ms, acct, events.New(), noLookup{}, noProcessing{}, noResume{})
	ok, err := h.EvictFile("/a.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}
