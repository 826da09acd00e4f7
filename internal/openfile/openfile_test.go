package openfile

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/provider"
)

// fakeProvider serves deterministic bytes for ReadFileBytes and counts
// calls so tests can assert active-chunk deduplication.
type fakeProvider struct {
	data     []byte
	readOnly bool
	direct   bool
	calls    int32
}

func (p *fakeProvider) CheckVersion(ctx context.Context) (string, string, error) { return "1", "1", nil }
func (p *fakeProvider) CreateDirectory(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *fakeProvider) CreateFile(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *fakeProvider) CreateDirectoryCloneSourceMeta(ctx context.Context, src, dst string) error {
	return nil
}
func (p *fakeProvider) RemoveDirectory(ctx context.Context, path string) error { return nil }
func (p *fakeProvider) RemoveFile(ctx context.Context, path string) error      { return nil }
func (p *fakeProvider) RenameFile(ctx context.Context, src, dst string) error  { return provider.NotImplemented("RenameFile", src) }
func (p *fakeProvider) IsDirectory(ctx context.Context, path string) (bool, error) { return false, nil }
func (p *fakeProvider) IsFile(ctx context.Context, path string) (bool, error)      { return true, nil }
func (p *fakeProvider) IsFileWriteable(ctx context.Context, path string) (bool, error) {
	return !p.readOnly, nil
}
func (p *fakeProvider) GetItemMeta(ctx context.Context, path string) (item.AttributeMap, error) {
	return item.AttributeMap{}, nil
}
func (p *fakeProvider) SetItemMetaKey(ctx context.Context, path, key, value string) error { return nil }
func (p *fakeProvider) SetItemMeta(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *fakeProvider) RemoveItemMeta(ctx context.Context, path, key string) error { return nil }
func (p *fakeProvider) GetDirectoryItems(ctx context.Context, path string) ([]provider.DirectoryItem, error) {
	return nil, nil
}
func (p *fakeProvider) GetDirectoryItemCount(ctx context.Context, path string) (uint64, error) {
	return 0, nil
}
func (p *fakeProvider) GetFileSize(ctx context.Context, path string) (uint64, error) {
	return uint64(len(p.data)), nil
}
func (p *fakeProvider) GetTotalDriveSpace(ctx context.Context) (uint64, error) { return 0, nil }
func (p *fakeProvider) GetUsedDriveSpace(ctx context.Context) (uint64, error)  { return 0, nil }
func (p *fakeProvider) GetTotalItemCount(ctx context.Context) (uint64, error)  { return 0, nil }
func (p *fakeProvider) GetPinnedFiles(ctx context.Context) ([]string, error)   { return nil, nil }
func (p *fakeProvider) GetFileList(ctx context.Context, marker *provider.ListMarker) ([]provider.APIFile, error) {
	marker.MoreData = false
	return nil, nil
}
func (p *fakeProvider) ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop provider.StopSignal) error {
	atomic.AddInt32(&p.calls, 1)
	time.Sleep(5 * time.Millisecond)
	n := copy(buf, p.data[offset:offset+length])
	_ = n
	return nil
}
func (p *fakeProvider) UploadFile(ctx context.Context, path, sourcePath string, stop provider.StopSignal) error {
	return nil
}
func (p *fakeProvider) Start(ctx context.Context, onItemDiscovered provider.OnItemDiscovered) (bool, error) {
	return true, nil
}
func (p *fakeProvider) Stop() error         { return nil }
func (p *fakeProvider) IsReadOnly() bool    { return p.readOnly }
func (p *fakeProvider) IsDirectOnly() bool  { return p.direct }

var _ provider.Provider = (*fakeProvider)(nil)

func newTestFile(t *testing.T, size int64, chunkSize int64) (*OpenFile, *fakeProvider) {
	t.Helper()
	dir := t.TempDir()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	p := &fakeProvider{data: data}
	it := &item.FilesystemItem{
		APIPath:    "/a.bin",
		Size:       size,
		SourcePath: filepath.Join(dir, "src"),
		Meta:       item.AttributeMap{},
	}
	f, err := New(it, Deps{Provider: p}, Config{ChunkSize: chunkSize, RetryReadCount: 3}, nil)
	require.NoError(t, err)
	return f, p
}

func TestRead_MaterializesMissingChunks(t *testing.T) {
	f, _ := newTestFile(t, 100, 32)
	out, err := f.Read(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Len(t, out, 100)
	for i := range out {
		assert.Equal(t, byte(i), out[i])
	}
	assert.True(t, f.IsComplete())
}

func TestRead_PastEOFReturnsEmptyNotError(t *testing.T) {
	f, _ := newTestFile(t, 10, 32)
	out, err := f.Read(context.Background(), 10, 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRead_ShortLengthClampedToSize(t *testing.T) {
	f, _ := newTestFile(t, 10, 32)
	out, err := f.Read(context.Background(), 5, 100)
	require.NoError(t, err)
	assert.Len(t, out, 5)
}

func TestEnsureChunk_DeduplicatesConcurrentRequests(t *testing.T) {
	f, p := newTestFile(t, 64, 32)
	done := make(chan struct{}, 2)
	go func() {
		_, _ = f.Read(context.Background(), 0, 32)
		done <- struct{}{}
	}()
	go func() {
		_, _ = f.Read(context.Background(), 0, 32)
		done <- struct{}{}
	}()
	<-done
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.calls))
}

func TestWrite_RequiresWritableHandle(t *testing.T) {
	f, _ := newTestFile(t, 10, 32)
	f.Add(1, 0) // read-only handle
	_, err := f.Write(0, []byte("x"))
	assert.Error(t, err)
}

func TestWrite_ExtendsPastEOF(t *testing.T) {
	f, _ := newTestFile(t, 10, 32)
	f.Add(1, 2) // O_RDWR
	n, err := f.Write(20, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(25), f.GetFileSize())
	assert.True(t, f.IsDirty())
}

func TestResize_GrowsAndShrinksReadState(t *testing.T) {
	f, _ := newTestFile(t, 32, 32)
	require.NoError(t, f.Resize(64))
	assert.Equal(t, int64(64), f.GetFileSize())
	assert.Equal(t, 2, f.GetReadState().NumChunks())
	require.NoError(t, f.Resize(16))
	assert.Equal(t, int64(16), f.GetFileSize())
	assert.Equal(t, 1, f.GetReadState().NumChunks())
	assert.True(t, f.IsDirty())
}

func TestAddRemove_TracksLastHandle(t *testing.T) {
	f, _ := newTestFile(t, 10, 32)
	f.Add(1, 0)
	f.Add(2, 0)
	assert.False(t, f.Remove(1))
	assert.True(t, f.Remove(2))
}

func TestCanClose(t *testing.T) {
	f, _ := newTestFile(t, 0, 32)
	assert.True(t, f.CanClose())
	f.Add(1, 0)
	assert.False(t, f.CanClose())
}
