// Package openfile implements the Open File of spec §4.3, together with
// its embedded Chunk Downloader (spec §4.4, split into downloader.go).
package openfile

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/objectfs/objectfs/internal/cacheacct"
	"github.com/objectfs/objectfs/internal/events"
	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
	"github.com/objectfs/objectfs/pkg/utils"
)

// Config carries the Chunk Downloader's tuning knobs (spec §4.4).
type Config struct {
	ChunkSize        int64
	ReadAheadCount   int
	ReadBehindCount  int
	ReadEndBytes     int64
	ChunkTimeoutSecs int
	RetryReadCount   int
}

// Deps are the collaborators an Open File needs but does not own.
type Deps struct {
	Provider   provider.Provider
	MetaStore  metadb.MetadataStore
	Accountant *cacheacct.Accountant
	Events     *events.Bus
	Logger     *utils.StructuredLogger
}

// OpenFile is the per-api_path object of spec §3/§4.3.
type OpenFile struct {
	deps Deps
	cfg  Config

	mu                  sync.Mutex // io_mutex: guards every field below
	item                *item.FilesystemItem
	chunkSize           int64
	lastChunkSize       int64
	numChunks           int
	readState           *ReadState
	handles             map[uint64]uint32
	dirty               bool
	modifiedTimeNS      int64
	completed           bool
	stopRequested       bool
	unlinked            bool
	directory           bool
	active              map[int]*chunkWait
	lastActivityAt      time.Time
	lastChunkProducedAt time.Time

	sourceFile *os.File
	stopCh     chan struct{}
	bgWG       sync.WaitGroup
}

func chunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n)
}

// New constructs an Open File for it, opening (and creating if absent)
// its source file. resumeState is non-nil when re-created from a resume
// entry on startup (spec §4.4 "Resume").
func New(it *item.FilesystemItem, deps Deps, cfg Config, resumeState *ReadState) (*OpenFile, error) {
	f := &OpenFile{
		deps:           deps,
		cfg:            cfg,
		item:           it,
		chunkSize:      cfg.ChunkSize,
		handles:        make(map[uint64]uint32),
		active:         make(map[int]*chunkWait),
		stopCh:         make(chan struct{}),
		directory:      it.Directory,
		lastActivityAt: time.Now(),
	}

	if it.Directory {
		f.completed = true
		return f, nil
	}

	f.numChunks = chunkCount(it.Size, cfg.ChunkSize)
	if f.numChunks > 0 {
		f.lastChunkSize = it.Size - int64(f.numChunks-1)*cfg.ChunkSize
	}

	if resumeState != nil {
		f.readState = resumeState
	} else {
		f.readState = NewReadState(f.numChunks)
	}
	f.completed = f.readState.All()

	sf, err := os.OpenFile(it.SourcePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, apierr.New(apierr.OSError, "New", it.APIPath, err)
	}
	f.sourceFile = sf

	if info, err := sf.Stat(); err == nil && info.Size() != it.Size {
		_ = sf.Truncate(it.Size)
	}

	return f, nil
}

func (f *OpenFile) chunkLen(idx int) int64 {
	if idx == f.numChunks-1 {
		return f.lastChunkSize
	}
	return f.chunkSize
}

// Add registers a new handle (spec §4.3 "add").
func (f *OpenFile) Add(handle uint64, flags uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[handle] = flags
	f.lastActivityAt = time.Now()
}

// Remove unregisters a handle and reports whether it was the last one
// (spec §4.3 "remove").
func (f *OpenFile) Remove(handle uint64) (lastHandle bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, handle)
	return len(f.handles) == 0
}

// HandleCount reports the number of open handles.
func (f *OpenFile) HandleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Read implements spec §4.3 "read": resolve missing chunks, then copy
// exactly min(len, size-offset) bytes from the source file.
func (f *OpenFile) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	size := f.item.Size
	f.lastActivityAt = time.Now()
	f.mu.Unlock()

	if offset >= size {
		return nil, nil
	}
	if offset+length > size {
		length = size - offset
	}
	if length <= 0 {
		return nil, nil
	}

	startChunk := int(offset / f.chunkSize)
	endChunk := int((offset + length - 1) / f.chunkSize)
	for idx := startChunk; idx <= endChunk; idx++ {
		if err := f.ensureChunk(ctx, idx, f.stopCh); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, length)
	f.mu.Lock()
	_, err := f.sourceFile.ReadAt(buf, offset)
	f.mu.Unlock()
	if err != nil && err.Error() != "EOF" {
		return nil, apierr.New(apierr.OSError, "Read", f.item.APIPath, err)
	}

	go f.readAhead(context.Background(), endChunk)
	go f.readBehind(context.Background(), startChunk)

	return buf, nil
}

// Write implements spec §4.3 "write": requires a write-capable handle,
// extends the file past EOF by zero-filling, and marks the file dirty.
func (f *OpenFile) Write(offset int64, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.anyWritableHandleLocked() {
		return 0, apierr.New(apierr.AccessDenied, "Write", f.item.APIPath, nil)
	}

	n, err := f.sourceFile.WriteAt(data, offset)
	if err != nil {
		return n, apierr.New(apierr.OSError, "Write", f.item.APIPath, err)
	}

	newEnd := offset + int64(len(data))
	if newEnd > f.item.Size {
		f.growLocked(newEnd)
	}

	f.dirty = true
	f.modifiedTimeNS = time.Now().UnixNano()
	f.lastActivityAt = time.Now()

	if f.deps.MetaStore != nil {
		meta, _ := f.deps.MetaStore.GetItemMeta(f.item.APIPath)
		if meta == nil {
			meta = item.AttributeMap{}
		}
		meta.SetSize(f.item.Size)
		meta[item.AttrModified] = item.TimeNS(time.Now())
		meta[item.AttrWritten] = item.TimeNS(time.Now())
		meta[item.AttrChanged] = item.TimeNS(time.Now())
		_ = f.deps.MetaStore.SetItemMeta(f.item.APIPath, meta)
	}

	return n, nil
}

func (f *OpenFile) anyWritableHandleLocked() bool {
	const writeMask = syscall.O_WRONLY | syscall.O_RDWR
	for _, flags := range f.handles {
		if flags&writeMask != 0 {
			return true
		}
	}
	return len(f.handles) == 0 // system-owned (handle 0) writes, e.g. resume replay
}

// growLocked extends bookkeeping for a new logical size, marking newly
// covered chunks present since the extension is zero-filled (spec §4.3
// "resize"/"write": "offset-past-EOF extends the file").
func (f *OpenFile) growLocked(newSize int64) {
	before := f.accountedDelta()
	f.item.Size = newSize
	f.numChunks = chunkCount(newSize, f.chunkSize)
	if f.numChunks > 0 {
		f.lastChunkSize = newSize - int64(f.numChunks-1)*f.chunkSize
	}
	if f.readState == nil {
		f.readState = NewReadState(f.numChunks)
	} else {
		f.readState.Grow(f.numChunks)
	}
	f.completed = f.readState.All()
	f.reportDelta(before)
}

func (f *OpenFile) accountedDelta() int64 {
	if f.sourceFile == nil {
		return 0
	}
	info, err := f.sourceFile.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (f *OpenFile) reportDelta(before int64) {
	if f.deps.Accountant == nil || f.sourceFile == nil {
		return
	}
	info, err := f.sourceFile.Stat()
	if err != nil {
		return
	}
	f.deps.Accountant.Commit(info.Size() - before)
}

// Resize implements spec §4.3 "resize".
func (f *OpenFile) Resize(newSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	before := f.accountedDelta()
	if err := f.sourceFile.Truncate(newSize); err != nil {
		return apierr.New(apierr.OSError, "Resize", f.item.APIPath, err)
	}
	f.item.Size = newSize
	f.numChunks = chunkCount(newSize, f.chunkSize)
	if f.numChunks > 0 {
		f.lastChunkSize = newSize - int64(f.numChunks-1)*f.chunkSize
	}
	if f.readState == nil {
		f.readState = NewReadState(f.numChunks)
	} else if f.numChunks >= f.readState.NumChunks() {
		f.readState.Grow(f.numChunks)
	} else {
		f.readState.Shrink(f.numChunks)
	}
	f.completed = f.readState.All()
	f.dirty = true
	f.reportDelta(before)
	return nil
}

// NativeOperation implements spec §4.3 "native_operation": exclusive
// access to the source file descriptor for platform-specific calls.
func (f *OpenFile) NativeOperation(newSize int64, hasNewSize bool, fn func(*os.File) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := fn(f.sourceFile); err != nil {
		return apierr.New(apierr.OSError, "NativeOperation", f.item.APIPath, err)
	}
	if hasNewSize && newSize != f.item.Size {
		f.item.Size = newSize
		f.numChunks = chunkCount(newSize, f.chunkSize)
		if f.readState != nil {
			if f.numChunks >= f.readState.NumChunks() {
				f.readState.Grow(f.numChunks)
			} else {
				f.readState.Shrink(f.numChunks)
			}
		}
		f.completed = f.readState == nil || f.readState.All()
	}
	return nil
}

// PrefetchOnOpen runs the read_end prefetch once on first open (spec
// §4.4).
func (f *OpenFile) PrefetchOnOpen(ctx context.Context) {
	go f.readEnd(ctx)
}

// RequestStop sets stop_requested, causing in-flight and future downloads
// to fail fast with download_stopped and releasing active-chunk waiters
// (spec §4.4 "Cancellation").
func (f *OpenFile) RequestStop() {
	f.mu.Lock()
	f.stopRequested = true
	f.mu.Unlock()
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	f.waitBackground()
}

// CheckIdleTimeout implements spec §4.4 "Timeout": if chunk_timeout_secs
// is configured, no handle is open, and no chunk has been produced within
// the window, report timeout (the caller raises item_timeout and may
// evict).
func (f *OpenFile) CheckIdleTimeout() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.ChunkTimeoutSecs <= 0 || len(f.handles) != 0 || f.completed {
		return false
	}
	last := f.lastChunkProducedAt
	if last.IsZero() {
		last = f.lastActivityAt
	}
	return time.Since(last) > time.Duration(f.cfg.ChunkTimeoutSecs)*time.Second
}

func (f *OpenFile) GetReadState() *ReadState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readState == nil {
		return nil
	}
	return f.readState.Clone()
}

func (f *OpenFile) GetFileSize() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.item.Size
}

func (f *OpenFile) GetSourcePath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.item.SourcePath
}

func (f *OpenFile) IsModified() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

func (f *OpenFile) IsDirty() bool { return f.IsModified() }

// ClearDirty discards dirty state without uploading; used for direct-only
// providers per spec §4.3 close semantics step 3.
func (f *OpenFile) ClearDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty = false
}

func (f *OpenFile) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *OpenFile) IsDirectory() bool {
	return f.directory
}

// IsWriteSupported reports whether the backing provider can accept
// uploads for this file (spec §4.3 "is_write_supported_by_provider").
func (f *OpenFile) IsWriteSupported() bool {
	return !f.deps.Provider.IsReadOnly() && !f.deps.Provider.IsDirectOnly()
}

// CanClose reports whether the Open File may be dropped without data
// loss: no handles, not dirty (or dirty has been cleared/uploaded), and
// no download active.
func (f *OpenFile) CanClose() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles) == 0 && !f.dirty && len(f.active) == 0
}

func (f *OpenFile) MarkUnlinked() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinked = true
}

func (f *OpenFile) IsUnlinked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlinked
}

func (f *OpenFile) Item() *item.FilesystemItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.item.Clone()
}

// Close releases the source file descriptor. The caller (File Manager)
// must only call this once CanClose() holds, or after the file has been
// removed/discarded.
func (f *OpenFile) Close() error {
	f.RequestStop()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sourceFile == nil {
		return nil
	}
	return f.sourceFile.Close()
}
