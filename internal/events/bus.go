// Package events implements the typed event stream the core emits for the
// host to observe (drive mount/unmount, item lifecycle, upload/download
// progress, timeouts, polling). It generalizes the teacher's
// internal/health observer-registration pattern from health checks to
// arbitrary typed events.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type names every event the core can emit.
type Type string

const (
	DriveMounted             Type = "drive_mounted"
	DriveUnmounted           Type = "drive_unmounted"
	ServiceStartBegin        Type = "service_start_begin"
	ServiceStartEnd          Type = "service_start_end"
	ServiceStopBegin         Type = "service_stop_begin"
	ServiceStopEnd           Type = "service_stop_end"
	FilesystemItemOpened     Type = "filesystem_item_opened"
	FilesystemItemHandleOpen Type = "filesystem_item_handle_opened"
	FilesystemItemHandleClos Type = "filesystem_item_handle_closed"
	FilesystemItemClosed     Type = "filesystem_item_closed"
	FilesystemItemEvicted    Type = "filesystem_item_evicted"
	FileUploadQueued         Type = "file_upload_queued"
	FileUploadCompleted      Type = "file_upload_completed"
	FailedUploadQueued       Type = "failed_upload_queued"
	FailedUploadRetry        Type = "failed_upload_retry"
	DownloadBegin            Type = "download_begin"
	DownloadEnd              Type = "download_end"
	DownloadProgress         Type = "download_progress"
	DownloadRestored         Type = "download_restored"
	DownloadResumeAdded      Type = "download_resume_added"
	DownloadResumeRemoved    Type = "download_resume_removed"
	ItemTimeout              Type = "item_timeout"
	PollingItemBegin         Type = "polling_item_begin"
	PollingItemEnd           Type = "polling_item_end"
	RepertoryException       Type = "repertory_exception"
)

// Event is a single emitted occurrence: a one-line human summary plus a
// JSON-serializable body, per spec §6.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Summary   string          `json:"summary"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Subscriber receives events. Implementations must not block for long —
// the Bus calls subscribers synchronously on the emitting goroutine.
type Subscriber interface {
	OnEvent(e Event)
}

// SubscriberFunc adapts a function to a Subscriber.
type SubscriberFunc func(e Event)

// OnEvent implements Subscriber.
func (f SubscriberFunc) OnEvent(e Event) { f(e) }

// Bus fans events out to registered subscribers. Grounded on the teacher's
// internal/health.Monitor.RegisterComponent registration pattern.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// New constructs an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers s to receive every subsequently emitted event.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Emit publishes an event with an arbitrary JSON-marshalable body. Marshal
// failures degrade to a body-less event rather than being dropped.
func (b *Bus) Emit(t Type, summary string, body interface{}) {
	var raw json.RawMessage
	if body != nil {
		if data, err := json.Marshal(body); err == nil {
			raw = data
		}
	}
	e := Event{Type: t, Timestamp: time.Now(), Summary: summary, Body: raw}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		s.OnEvent(e)
	}
}
