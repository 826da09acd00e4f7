package filemanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/cacheacct"
	"github.com/objectfs/objectfs/internal/events"
	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb/boltstore"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/internal/uploadqueue"
	"github.com/objectfs/objectfs/pkg/apierr"
	"github.com/objectfs/objectfs/pkg/utils"
)

// memProvider is an in-memory Provider stand-in for File Manager tests.
type memProvider struct {
	data     map[string][]byte
	readOnly bool
}

func newMemProvider() *memProvider { return &memProvider{data: make(map[string][]byte)} }

func (p *memProvider) CheckVersion(ctx context.Context) (string, string, error) { return "1", "1", nil }
func (p *memProvider) CreateDirectory(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *memProvider) CreateFile(ctx context.Context, path string, meta item.AttributeMap) error {
	p.data[path] = []byte{}
	return nil
}
func (p *memProvider) CreateDirectoryCloneSourceMeta(ctx context.Context, src, dst string) error {
	return nil
}
func (p *memProvider) RemoveDirectory(ctx context.Context, path string) error { return nil }
func (p *memProvider) RemoveFile(ctx context.Context, path string) error {
	delete(p.data, path)
	return nil
}
func (p *memProvider) RenameFile(ctx context.Context, src, dst string) error {
	return provider.NotImplemented("RenameFile", src)
}
func (p *memProvider) IsDirectory(ctx context.Context, path string) (bool, error) { return false, nil }
func (p *memProvider) IsFile(ctx context.Context, path string) (bool, error) {
	_, ok := p.data[path]
	return ok, nil
}
func (p *memProvider) IsFileWriteable(ctx context.Context, path string) (bool, error) {
	return !p.readOnly, nil
}
func (p *memProvider) GetItemMeta(ctx context.Context, path string) (item.AttributeMap, error) {
	return item.AttributeMap{}, nil
}
func (p *memProvider) SetItemMetaKey(ctx context.Context, path, key, value string) error { return nil }
func (p *memProvider) SetItemMeta(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *memProvider) RemoveItemMeta(ctx context.Context, path, key string) error { return nil }
func (p *memProvider) GetDirectoryItems(ctx context.Context, path string) ([]provider.DirectoryItem, error) {
	return nil, nil
}
func (p *memProvider) GetDirectoryItemCount(ctx context.Context, path string) (uint64, error) {
	return 0, nil
}
func (p *memProvider) GetFileSize(ctx context.Context, path string) (uint64, error) {
	return uint64(len(p.data[path])), nil
}
func (p *memProvider) GetTotalDriveSpace(ctx context.Context) (uint64, error) { return 0, nil }
func (p *memProvider) GetUsedDriveSpace(ctx context.Context) (uint64, error)  { return 0, nil }
func (p *memProvider) GetTotalItemCount(ctx context.Context) (uint64, error)  { return 0, nil }
func (p *memProvider) GetPinnedFiles(ctx context.Context) ([]string, error)   { return nil, nil }
func (p *memProvider) GetFileList(ctx context.Context, marker *provider.ListMarker) ([]provider.APIFile, error) {
	marker.MoreData = false
	return nil, nil
}
func (p *memProvider) ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop provider.StopSignal) error {
	data := p.data[path]
	copy(buf, data[offset:offset+length])
	return nil
}
func (p *memProvider) UploadFile(ctx context.Context, path, sourcePath string, stop provider.StopSignal) error {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return apierr.New(apierr.OSError, "UploadFile", path, err)
	}
	p.data[path] = data
	return nil
}
func (p *memProvider) Start(ctx context.Context, onItemDiscovered provider.OnItemDiscovered) (bool, error) {
	return true, nil
}
func (p *memProvider) Stop() error        { return nil }
func (p *memProvider) IsReadOnly() bool   { return p.readOnly }
func (p *memProvider) IsDirectOnly() bool { return false }

var _ provider.Provider = (*memProvider)(nil)

func newTestManager(t *testing.T) (*FileManager, *memProvider) {
	t.Helper()
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))

	ms, err := boltstore.OpenMetaStore(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ms.Close() })

	rs, err := boltstore.OpenResumeStore(filepath.Join(dir, "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	p := newMemProvider()
	log, _ := utils.NewStructuredLogger(nil)

	fm := New(Deps{
		Provider:    p,
		MetaStore:   ms,
		ResumeStore: rs,
		Accountant:  cacheacct.New(0, nil),
		Events:      events.New(),
		Logger:      log,
	}, Config{
		CacheDirectory:      cacheDir,
		ChunkSize:           32,
		ShutdownDrainWindow: 200 * time.Millisecond,
		UploadBackoff:       uploadqueue.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, fm.Start(context.Background()))
	t.Cleanup(func() { _ = fm.Stop() })
	return fm, p
}

func TestCreateWriteCloseUploads(t *testing.T) {
	fm, p := newTestManager(t)
	handle, of, err := fm.Create(context.Background(), "/a.bin", item.AttributeMap{}, 2)
	require.NoError(t, err)
	_, err = of.Write(0, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, fm.Close(handle))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if string(p.data["/a.bin"]) == "hello" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []byte("hello"), p.data["/a.bin"])
}

func TestOpenBindsSecondHandleToSameOpenFile(t *testing.T) {
	fm, _ := newTestManager(t)
	h1, of1, err := fm.Create(context.Background(), "/b.bin", item.AttributeMap{}, 2)
	require.NoError(t, err)

	h2, of2, err := fm.Open(context.Background(), "/b.bin", false, 0)
	require.NoError(t, err)
	assert.Same(t, of1, of2)
	assert.NotEqual(t, h1, h2)

	require.NoError(t, fm.Close(h1))
	require.NoError(t, fm.Close(h2))
}

func TestRemoveFileWithOpenHandleMarksUnlinked(t *testing.T) {
	fm, p := newTestManager(t)
	handle, of, err := fm.Create(context.Background(), "/c.bin", item.AttributeMap{}, 2)
	require.NoError(t, err)

	require.NoError(t, fm.RemoveFile(context.Background(), "/c.bin"))
	assert.True(t, of.IsUnlinked())
	_, stillThere := p.data["/c.bin"]
	assert.True(t, stillThere, "remove should not delete the provider object while handles are open")

	require.NoError(t, fm.Close(handle))
	_, stillThere = p.data["/c.bin"]
	assert.False(t, stillThere, "provider object should be deleted once the last handle closes")
}

func TestHandleAllocationNeverReusesLiveHandle(t *testing.T) {
	fm, _ := newTestManager(t)
	h1, _, err := fm.Create(context.Background(), "/d.bin", item.AttributeMap{}, 2)
	require.NoError(t, err)
	h2, _, err := fm.Create(context.Background(), "/e.bin", item.AttributeMap{}, 2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	require.NoError(t, fm.Close(h1))
	require.NoError(t, fm.Close(h2))
}
