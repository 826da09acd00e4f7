/*
Package cache provides the access-recency ordering used by the File
Manager's eviction pass.

It used to hold a multi-level byte-range cache (in-memory LRU, an L2
compressed tier, predictive prefetch); that responsibility now belongs
to internal/openfile, which downloads chunks straight into the on-disk
cache directory and tracks its own read-ahead window. What remains here
is narrower: an AccessTracker recording which api_paths were touched
most recently, so eviction can walk candidates oldest-first instead of
in whatever order the Metadata Store happens to enumerate them.

	tracker := cache.NewAccessTracker()
	tracker.Touch("/videos/clip.mp4")
	for _, apiPath := range tracker.OldestFirst() {
		// evict candidates starting with the coldest
	}
*/
package cache
