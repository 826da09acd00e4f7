package openfile

import (
	"context"
	"time"

	"github.com/objectfs/objectfs/internal/buffer"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
)

// chunkWait is the active-chunk dedup record of spec §4.4 step 2: a
// download task in flight for one chunk index, with waiters blocking on
// its completion.
type chunkWait struct {
	done chan struct{}
	err  error
}

// ensureChunk implements the Chunk Downloader algorithm of spec §4.4 for
// a single chunk index: return immediately if present, otherwise dedup
// against any in-flight download for the same index, or start one.
func (f *OpenFile) ensureChunk(ctx context.Context, idx int, stop <-chan struct{}) error {
	f.mu.Lock()
	if f.readState.IsSet(idx) {
		f.mu.Unlock()
		return nil
	}
	if f.stopRequested {
		f.mu.Unlock()
		return apierr.New(apierr.DownloadStopped, "ensureChunk", f.item.APIPath, nil)
	}
	if w, ok := f.active[idx]; ok {
		f.mu.Unlock()
		select {
		case <-w.done:
			return w.err
		case <-stop:
			return apierr.New(apierr.DownloadStopped, "ensureChunk", f.item.APIPath, nil)
		case <-ctx.Done():
			return apierr.New(apierr.DownloadStopped, "ensureChunk", f.item.APIPath, ctx.Err())
		}
	}
	w := &chunkWait{done: make(chan struct{})}
	f.active[idx] = w
	f.mu.Unlock()

	f.downloadChunk(ctx, idx, w, stop)
	return w.err
}

// downloadChunk fetches one chunk from the provider and installs it into
// the source file, then releases every waiter (spec §4.4 step 3).
func (f *OpenFile) downloadChunk(ctx context.Context, idx int, w *chunkWait, stop <-chan struct{}) {
	length := f.chunkLen(idx)
	buf := buffer.GetBuffer(int(length))
	defer buffer.PutBuffer(buf)
	offset := int64(idx) * f.chunkSize

	err := f.deps.Provider.ReadFileBytes(ctx, f.item.APIPath, length, offset, buf, provider.StopSignal(stop))

	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		if _, werr := f.sourceFile.WriteAt(buf, offset); werr != nil {
			err = apierr.New(apierr.OSError, "downloadChunk", f.item.APIPath, werr)
		} else {
			f.readState.Set(idx)
			f.completed = f.readState.All()
			f.lastChunkProducedAt = now()
		}
	}
	delete(f.active, idx)
	w.err = err
	close(w.done)
}

func now() time.Time { return time.Now() }

// readAhead speculatively requests chunks after c (spec §4.4).
func (f *OpenFile) readAhead(ctx context.Context, c int) {
	if f.cfg.ReadAheadCount <= 0 {
		return
	}
	for i := 1; i <= f.cfg.ReadAheadCount; i++ {
		idx := c + i
		if idx >= f.numChunks {
			break
		}
		f.spawnBackground(ctx, idx)
	}
}

// readBehind speculatively requests chunks before c (spec §4.4).
func (f *OpenFile) readBehind(ctx context.Context, c int) {
	if f.cfg.ReadBehindCount <= 0 {
		return
	}
	for i := 1; i <= f.cfg.ReadBehindCount; i++ {
		idx := c - i
		if idx < 0 {
			break
		}
		f.spawnBackground(ctx, idx)
	}
}

// readEnd prefetches a small tail on first open of a file large enough to
// exceed the read-ahead window, so EOF-seeking readers don't stall (spec
// §4.4 "read_end").
func (f *OpenFile) readEnd(ctx context.Context) {
	if f.cfg.ReadEndBytes <= 0 || f.numChunks == 0 {
		return
	}
	tailChunks := int((f.cfg.ReadEndBytes + f.chunkSize - 1) / f.chunkSize)
	start := f.numChunks - tailChunks
	if start < f.cfg.ReadAheadCount {
		return
	}
	for idx := start; idx < f.numChunks; idx++ {
		f.spawnBackground(ctx, idx)
	}
}

func (f *OpenFile) spawnBackground(ctx context.Context, idx int) {
	f.mu.Lock()
	if f.readState.IsSet(idx) || f.stopRequested {
		f.mu.Unlock()
		return
	}
	if _, ok := f.active[idx]; ok {
		f.mu.Unlock()
		return
	}
	w := &chunkWait{done: make(chan struct{})}
	f.active[idx] = w
	f.mu.Unlock()

	f.bgWG.Add(1)
	go func() {
		defer f.bgWG.Done()
		f.downloadChunk(ctx, idx, w, f.stopCh)
	}()
}

// waitBackground blocks until every background download goroutine this
// Open File spawned has returned; used by Stop to ensure no dangling
// goroutines outlive the Open File.
func (f *OpenFile) waitBackground() {
	f.bgWG.Wait()
}
