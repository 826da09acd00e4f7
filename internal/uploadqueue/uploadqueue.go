// Package uploadqueue implements the Upload Queue of spec §4.5: a
// persistent, ordered set of dirty paths awaiting upload to the
// Provider, retried with exponential backoff on failure. Grounded on
// the teacher's pkg/retry backoff formula (initialDelay *
// multiplier^(attempt-1), capped at maxDelay, ±20% jitter) and its
// internal/health.Monitor worker-loop/condition-variable shape.
package uploadqueue

import (
	"context"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/objectfs/internal/events"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
	"github.com/objectfs/objectfs/pkg/utils"
)

// SourcePathFunc resolves api_path to its current source file path at
// the moment of upload, so a rename that lands between enqueue and
// processing is picked up without losing the queued work (spec §4.5
// "rename").
type SourcePathFunc func(apiPath string) (sourcePath string, ok bool)

// CompletedFunc is invoked after a successful upload so the caller can
// clear the Open File's dirty flag and persist the Metadata Store.
type CompletedFunc func(apiPath string)

// BackoffConfig mirrors the teacher's pkg/retry.Config knobs, scoped to
// the fields the Upload Queue's retry schedule needs.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	MaxAttempts  int // 0 means retry forever
}

// DefaultBackoffConfig matches the teacher's pkg/retry.DefaultConfig
// shape, adapted to the Upload Queue's "retry forever until paused or
// removed" semantics (spec §4.5 has no hard attempt ceiling).
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (c BackoffConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// entry is one path's upload state (spec §4.5 "queue entry").
type entry struct {
	apiPath         string
	attempts        int
	nextAttemptTime time.Time
}

// Queue is the Upload Queue of spec §4.5.
type Queue struct {
	provider provider.Provider
	events   *events.Bus
	log      *utils.StructuredLogger
	backoff  BackoffConfig
	resolve  SourcePathFunc
	onDone   CompletedFunc

	mu       sync.Mutex
	cond     *sync.Cond
	entries  map[string]*entry
	paused   bool
	stopping bool
	inFlight map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Upload Queue. resolve and onDone must be non-nil.
func New(p provider.Provider, resolve SourcePathFunc, onDone CompletedFunc, bus *events.Bus, log *utils.StructuredLogger, backoff BackoffConfig) *Queue {
	q := &Queue{
		provider: p,
		events:   bus,
		log:      log,
		backoff:  backoff,
		resolve:  resolve,
		onDone:   onDone,
		entries:  make(map[string]*entry),
		inFlight: make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	go q.run()
}

// Stop requests the worker to finish its current in-flight upload (if
// any) and exit; it does not drop queued entries (spec §4.5 "on
// shutdown, finish any in-flight upload, persist remaining entries").
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
	close(q.stopCh)
	q.cond.Broadcast()
	<-q.doneCh
}

// QueueUpload enqueues apiPath for upload (spec §4.5 "queue_upload"). Emits file_upload_queued
// only the first time a path is newly inserted; a path already present
// (whether waiting or mid-backoff) is left alone rather than restarting
// its schedule.
func (q *Queue) QueueUpload(apiPath string) {
	q.mu.Lock()
	if _, ok := q.entries[apiPath]; !ok {
		q.entries[apiPath] = &entry{apiPath: apiPath, nextAttemptTime: time.Now()}
		q.mu.Unlock()
		q.events.Emit(events.FileUploadQueued, "file queued for upload", map[string]string{"path": apiPath})
		q.cond.Broadcast()
		return
	}
	q.mu.Unlock()
}

// RemoveUpload drops apiPath from the queue unconditionally, used when
// a file is removed or its provider upload is no longer wanted (spec
// §4.5 "remove_upload"). It does not interrupt an in-flight attempt;
// the in-flight attempt's completion will simply find no entry to
// update.
func (q *Queue) RemoveUpload(apiPath string) {
	q.mu.Lock()
	delete(q.entries, apiPath)
	q.mu.Unlock()
}

// IsProcessing reports whether apiPath has a queued or in-flight
// upload (spec §4.5 "is_processing").
func (q *Queue) IsProcessing(apiPath string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight[apiPath] {
		return true
	}
	_, ok := q.entries[apiPath]
	return ok
}

// Rename moves a queued entry from "from" to "to" so an in-progress
// rename doesn't orphan a pending upload (spec §4.5 "rename"). An
// entry mid-upload under the old name is left to finish under that
// name; resolve() is responsible for mapping the old api_path back to
// the item's current source path in that case.
func (q *Queue) Rename(from, to string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[from]
	if !ok {
		return
	}
	delete(q.entries, from)
	e.apiPath = to
	q.entries[to] = e
}

// Pause blocks new attempts from starting; an upload already in flight
// continues to completion (spec §4.5 "pause").
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume allows attempts to start again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// run is the worker loop: wake whenever an entry's next_attempt_time
// has passed (or immediately on new work / resume), and process the
// earliest-due entry (spec §4.5).
func (q *Queue) run() {
	defer close(q.doneCh)
	for {
		q.mu.Lock()
		for {
			if q.stopping {
				q.mu.Unlock()
				return
			}
			if due, wait := q.nextDueLocked(); due != "" {
				q.inFlight[due] = true
				q.mu.Unlock()
				q.process(due)
				q.mu.Lock()
				delete(q.inFlight, due)
				break
			} else if wait > 0 {
				timer := time.NewTimer(wait)
				q.mu.Unlock()
				select {
				case <-timer.C:
				case <-q.stopCh:
					timer.Stop()
				}
				q.mu.Lock()
			} else {
				q.cond.Wait()
			}
		}
		q.mu.Unlock()
	}
}

// nextDueLocked returns the api_path of the due entry with the earliest
// next_attempt_time (for an entry not yet attempted, the time it was
// queued), or ("", wait) with the duration
// until the next one becomes due (0 meaning "nothing queued, block").
func (q *Queue) nextDueLocked() (string, time.Duration) {
	if q.paused || len(q.entries) == 0 {
		return "", 0
	}
	now := time.Now()
	var candidates []*entry
	for _, e := range q.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].nextAttemptTime.Before(candidates[j].nextAttemptTime)
	})
	best := candidates[0]
	if !best.nextAttemptTime.After(now) {
		return best.apiPath, 0
	}
	return "", best.nextAttemptTime.Sub(now)
}

// process performs one upload attempt for apiPath (spec §4.5 worker
// step: resolve current source path, call provider.UploadFile, and
// either complete, drop, or reschedule with backoff).
func (q *Queue) process(apiPath string) {
	sourcePath, ok := q.resolve(apiPath)
	if !ok {
		q.RemoveUpload(apiPath)
		return
	}

	q.mu.Lock()
	_, stillQueued := q.entries[apiPath]
	q.mu.Unlock()
	if !stillQueued {
		return
	}

	err := q.provider.UploadFile(context.Background(), apiPath, sourcePath, provider.StopSignal(q.stopCh))
	if err == nil {
		q.mu.Lock()
		delete(q.entries, apiPath)
		q.mu.Unlock()
		q.events.Emit(events.FileUploadCompleted, "file upload completed", map[string]string{"path": apiPath})
		q.onDone(apiPath)
		return
	}

	if apierr.Is(err, apierr.ItemNotFound) || os.IsNotExist(err) {
		// Source vanished (file removed mid-queue): drop silently, the
		// removal path is already responsible for the remote side.
		q.RemoveUpload(apiPath)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e, stillQueued := q.entries[apiPath]
	if !stillQueued {
		return
	}
	e.attempts++
	e.nextAttemptTime = time.Now().Add(q.backoff.delay(e.attempts))
	q.events.Emit(events.FailedUploadRetry, "upload attempt failed, will retry", map[string]interface{}{
		"path":     apiPath,
		"attempts": e.attempts,
		"error":    err.Error(),
	})
}

// PendingPaths returns every api_path currently queued, for resume
// persistence on shutdown (spec §4.5 "persist remaining entries").
func (q *Queue) PendingPaths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.entries))
	for p := range q.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
