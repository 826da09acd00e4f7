// Package cache tracks api_path access recency for the File Manager's
// eviction pass (spec §4.6). It holds no file data itself -- chunk bytes
// live in the on-disk cache directory managed by internal/openfile -- it
// only orders candidate paths from least to most recently touched so
// eviction reclaims the coldest data first.
package cache

import (
	"container/list"
	"sync"
)

// AccessTracker is a thread-safe least-recently-used ordering of
// api_paths, built on the same container/list + map technique as the
// byte-range cache this package used to hold.
type AccessTracker struct {
	mu       sync.Mutex
	order    *list.List
	elements map[string]*list.Element
}

// NewAccessTracker creates an empty tracker.
func NewAccessTracker() *AccessTracker {
	return &AccessTracker{
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// Touch records apiPath as most recently used, moving it to the front
// of the order if already tracked.
func (t *AccessTracker) Touch(apiPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.elements[apiPath]; ok {
		t.order.MoveToFront(e)
		return
	}
	t.elements[apiPath] = t.order.PushFront(apiPath)
}

// Forget removes apiPath from the tracker, e.g. once it has been
// evicted or removed from the Metadata Store.
func (t *AccessTracker) Forget(apiPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.elements[apiPath]; ok {
		t.order.Remove(e)
		delete(t.elements, apiPath)
	}
}

// OldestFirst returns every tracked api_path ordered from least to most
// recently touched.
func (t *AccessTracker) OldestFirst() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, t.order.Len())
	for e := t.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

// Len reports how many api_paths are currently tracked.
func (t *AccessTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
