package uploadqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/events"
	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
	"github.com/objectfs/objectfs/pkg/utils"
)

// stubProvider implements provider.Provider with a configurable
// UploadFile behavior; every other method is a no-op.
type stubProvider struct {
	mu         sync.Mutex
	uploads    []string
	failTimes  int
	failPath   string
	notFoundOn string
}

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
	p.mu.Lock()
	defer p.mu.Unlock()
	if path == p.notFoundOn {
		return apierr.New(apierr.ItemNotFound, "UploadFile", path, nil)
	}
	if path == p.failPath && p.failTimes > 0 {
		p.failTimes--
		return apierr.New(apierr.CommError, "UploadFile", path, nil)
	}
	p.uploads = append(p.uploads, path)
	return nil
}
func (p *stubProvider) Start(ctx context.Context, onItemDiscovered provider.OnItemDiscovered) (bool, error) {
	return true, nil
}
func (p *stubProvider) Stop() error        { return nil }
func (p *stubProvider) IsReadOnly() bool   { return false }
func (p *stubProvider) IsDirectOnly() bool { return false }

var _ provider.Provider = (*stubProvider)(nil)

func newTestQueue(p *stubProvider) (*Queue, *int32) {
	var completed int32
	resolve := func(apiPath string) (string, bool) { return "/src/" + apiPath, true }
	onDone := func(apiPath string) { atomic.AddInt32(&completed, 1) }
	backoff := BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, Jitter: false}
	log, _ := utils.NewStructuredLogger(nil)
	q := New(p, resolve, onDone, events.New(), log, backoff)
	return q, &completed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestQueueUpload_CompletesAndRemoves(t *testing.T) {
	p := &stubProvider{}
	q, completed := newTestQueue(p)
	q.Start()
	defer q.Stop()

	q.QueueUpload("/a.bin")
	waitFor(t, func() bool { return atomic.LoadInt32(completed) == 1 })
	assert.False(t, q.IsProcessing("/a.bin"))
}

func TestQueueUpload_RetriesOnFailure(t *testing.T) {
	p := &stubProvider{failPath: "/a.bin", failTimes: 2}
	q, completed := newTestQueue(p)
	q.Start()
	defer q.Stop()

	q.QueueUpload("/a.bin")
	waitFor(t, func() bool { return atomic.LoadInt32(completed) == 1 })
}

func TestQueueUpload_DropsOnItemNotFound(t *testing.T) {
	p := &stubProvider{notFoundOn: "/gone.bin"}
	q, _ := newTestQueue(p)
	q.Start()
	defer q.Stop()

	q.QueueUpload("/gone.bin")
	waitFor(t, func() bool { return !q.IsProcessing("/gone.bin") })
}

func TestQueueUpload_DuplicateDoesNotReset(t *testing.T) {
	p := &stubProvider{}
	q, _ := newTestQueue(p)
	q.QueueUpload("/a.bin")
	assert.True(t, q.IsProcessing("/a.bin"))
	q.QueueUpload("/a.bin") // second enqueue before processing starts: no-op
	assert.Len(t, q.PendingPaths(), 1)
}

func TestRemoveUpload(t *testing.T) {
	p := &stubProvider{}
	q, _ := newTestQueue(p)
	q.QueueUpload("/a.bin")
	q.RemoveUpload("/a.bin")
	assert.False(t, q.IsProcessing("/a.bin"))
}

func TestPauseBlocksProcessing(t *testing.T) {
	p := &stubProvider{}
	q, completed := newTestQueue(p)
	q.Pause()
	q.Start()
	defer q.Stop()

	q.QueueUpload("/a.bin")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(completed))

	q.Resume()
	waitFor(t, func() bool { return atomic.LoadInt32(completed) == 1 })
}

func TestRename_MovesEntry(t *testing.T) {
	p := &stubProvider{}
	q, _ := newTestQueue(p)
	q.Pause()
	q.QueueUpload("/old.bin")
	q.Rename("/old.bin", "/new.bin")
	assert.False(t, q.IsProcessing("/old.bin"))
	assert.True(t, q.IsProcessing("/new.bin"))
}
