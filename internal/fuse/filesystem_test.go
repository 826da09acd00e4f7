//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/cacheacct"
	"github.com/objectfs/objectfs/internal/events"
	"github.com/objectfs/objectfs/internal/filemanager"
	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb/boltstore"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/internal/uploadqueue"
	"github.com/objectfs/objectfs/pkg/apierr"
	"github.com/objectfs/objectfs/pkg/utils"
)

// memProvider is an in-memory Provider stand-in, mirroring the one used
// by the File Manager's own tests.
type memProvider struct {
	data map[string][]byte
	dirs map[string]bool
}

func newMemProvider() *memProvider {
	return &memProvider{data: make(map[string][]byte), dirs: map[string]bool{"/": true}}
}

func (p *memProvider) CheckVersion(ctx context.Context) (string, string, error) { return "1", "1", nil }
func (p *memProvider) CreateDirectory(ctx context.Context, path string, meta item.AttributeMap) error {
	p.dirs[path] = true
	return nil
}
func (p *memProvider) CreateFile(ctx context.Context, path string, meta item.AttributeMap) error {
	p.data[path] = []byte{}
	return nil
}
func (p *memProvider) CreateDirectoryCloneSourceMeta(ctx context.Context, src, dst string) error {
	return nil
}
func (p *memProvider) RemoveDirectory(ctx context.Context, path string) error {
	delete(p.dirs, path)
	return nil
}
func (p *memProvider) RemoveFile(ctx context.Context, path string) error {
	delete(p.data, path)
	return nil
}
func (p *memProvider) RenameFile(ctx context.Context, src, dst string) error {
	p.data[dst] = p.data[src]
	delete(p.data, src)
	return nil
}
func (p *memProvider) IsDirectory(ctx context.Context, path string) (bool, error) {
	return p.dirs[path], nil
}
func (p *memProvider) IsFile(ctx context.Context, path string) (bool, error) {
	_, ok := p.data[path]
	return ok, nil
}
func (p *memProvider) IsFileWriteable(ctx context.Context, path string) (bool, error) { return true, nil }
func (p *memProvider) GetItemMeta(ctx context.Context, path string) (item.AttributeMap, error) {
	return item.AttributeMap{}, nil
}
func (p *memProvider) SetItemMetaKey(ctx context.Context, path, key, value string) error { return nil }
func (p *memProvider) SetItemMeta(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}
func (p *memProvider) RemoveItemMeta(ctx context.Context, path, key string) error { return nil }
func (p *memProvider) GetDirectoryItems(ctx context.Context, path string) ([]provider.DirectoryItem, error) {
	var out []provider.DirectoryItem
	for k, v := range p.data {
		out = append(out, provider.DirectoryItem{APIPath: k, Size: int64(len(v))})
	}
	return out, nil
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
func (p *memProvider) IsReadOnly() bool   { return false }
func (p *memProvider) IsDirectOnly() bool { return false }

var _ provider.Provider = (*memProvider)(nil)

func newTestFileSystem(t *testing.T) (*FileSystem, *memProvider) {
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

	fm := filemanager.New(filemanager.Deps{
		Provider:    p,
		MetaStore:   ms,
		ResumeStore: rs,
		Accountant:  cacheacct.New(0, nil),
		Events:      events.New(),
		Logger:      log,
	}, filemanager.Config{
		CacheDirectory:      cacheDir,
		ChunkSize:           32,
		ShutdownDrainWindow: 200 * time.Millisecond,
		UploadBackoff:       uploadqueue.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, fm.Start(context.Background()))
	t.Cleanup(func() { _ = fm.Stop() })

	fsys := NewFileSystem(fm, p, nil)
	return fsys, p
}

func TestCreateWriteReleaseUploads(t *testing.T) {
	fsys, p := newTestFileSystem(t)

	handle, of, err := fsys.fm.Create(context.Background(), "/a.bin", item.AttributeMap{}, 2)
	require.NoError(t, err)
	fh := &FileHandle{fs: fsys, handle: handle, of: of}

	written, errno := fh.Write(context.Background(), []byte("hello"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(5), written)

	errno = fh.Release(context.Background())
	require.Equal(t, syscall.Errno(0), errno)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if string(p.data["/a.bin"]) == "hello" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []byte("hello"), p.data["/a.bin"])
}

func TestFileHandleRead(t *testing.T) {
	fsys, _ := newTestFileSystem(t)

	handle, of, err := fsys.fm.Create(context.Background(), "/b.bin", item.AttributeMap{}, 2)
	require.NoError(t, err)
	fh := &FileHandle{fs: fsys, handle: handle, of: of}

	_, errno := fh.Write(context.Background(), []byte("world"), 0)
	require.Equal(t, syscall.Errno(0), errno)

	data, err := of.Read(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	require.Equal(t, syscall.Errno(0), fh.Release(context.Background()))
}

func TestDirectoryNodeUnlinkRequiresWriteAccess(t *testing.T) {
	fsys, _ := newTestFileSystem(t)
	fsys.config.ReadOnly = true
	root := fsys.Root().(*DirectoryNode)

	errno := root.Unlink(context.Background(), "missing.bin")
	assert.Equal(t, syscall.EROFS, errno)
}

func TestStatPathNotFound(t *testing.T) {
	fsys, _ := newTestFileSystem(t)
	_, ok, err := fsys.statPath(context.Background(), "/nope.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}
