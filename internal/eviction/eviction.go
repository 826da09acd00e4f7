// Package eviction implements the Eviction Hook of spec §4.6: a
// timer-invoked (never self-scheduling) check that frees cache-directory
// bytes for one api_path only when every one of the spec's six
// atomicity conditions holds at the moment of the call.
package eviction

import (
	"os"

	"github.com/objectfs/objectfs/internal/cacheacct"
	"github.com/objectfs/objectfs/internal/events"
	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb"
	"github.com/objectfs/objectfs/internal/provider"
)

// OpenFileInfo is the subset of *openfile.OpenFile the Eviction Hook
// consults. Defined here rather than imported to avoid a dependency
// cycle (the File Manager, which owns both the Open File table and the
// Eviction Hook, would otherwise sit between the two packages).
type OpenFileInfo interface {
	HandleCount() int
	IsComplete() bool
	IsModified() bool
	GetSourcePath() string
}

// Lookup resolves an api_path to its live Open File, if one exists.
type Lookup interface {
	GetOpenFile(apiPath string) (OpenFileInfo, bool)
}

// UploadChecker reports whether a path has a pending or in-flight
// upload (condition 4).
type UploadChecker interface {
	IsProcessing(apiPath string) bool
}

// ResumeChecker reports whether a path has a pending resume entry
// (Open Question 3: never evict a path with a pending resume entry).
type ResumeChecker interface {
	HasResumeEntry(apiPath string) bool
}

// Hook is the Eviction Hook of spec §4.6.
type Hook struct {
	provider   provider.Provider
	metaStore  metadb.MetadataStore
	accountant *cacheacct.Accountant
	events     *events.Bus
	lookup     Lookup
	uploads    UploadChecker
	resumes    ResumeChecker
}

// New constructs an Eviction Hook.
func New(p provider.Provider, metaStore metadb.MetadataStore, accountant *cacheacct.Accountant, bus *events.Bus, lookup Lookup, uploads UploadChecker, resumes ResumeChecker) *Hook {
	return &Hook{
		provider:   p,
		metaStore:  metaStore,
		accountant: accountant,
		events:     bus,
		lookup:     lookup,
		uploads:    uploads,
		resumes:    resumes,
	}
}

// EvictFile implements spec §4.6 "evict_file": returns true only if
// apiPath was actually evicted.
func (h *Hook) EvictFile(apiPath string) (bool, error) {
	// Condition 1: read-only providers never evict.
	if h.provider.IsReadOnly() {
		return false, nil
	}

	// Condition 2: pinned.
	pinned, err := h.metaStore.GetPinned(apiPath)
	if err != nil {
		return false, err
	}
	if pinned {
		return false, nil
	}

	meta, err := h.metaStore.GetItemMeta(apiPath)
	if err != nil {
		return false, err
	}
	sourcePath := meta[item.AttrSource]
	if sourcePath == "" {
		return false, nil // nothing materialized to evict
	}

	knownSize := meta.GetSize()

	of, hasOpenFile := h.lookup.GetOpenFile(apiPath)
	if hasOpenFile {
		// Condition 3: open-handle count zero.
		if of.HandleCount() != 0 {
			return false, nil
		}
		// Condition 5: complete and not modified.
		if !of.IsComplete() || of.IsModified() {
			return false, nil
		}
	}

	// Condition 4: not in the Upload Queue.
	if h.uploads != nil && h.uploads.IsProcessing(apiPath) {
		return false, nil
	}

	// Open Question 3: never evict a path with a pending resume entry.
	if h.resumes != nil && h.resumes.HasResumeEntry(apiPath) {
		return false, nil
	}

	// Condition 6: on-disk size matches the known size.
	info, err := os.Stat(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if knownSize > 0 && info.Size() != knownSize {
		return false, nil
	}

	if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	h.accountant.Commit(-info.Size())

	meta = meta.Clone()
	delete(meta, item.AttrSource)
	if err := h.metaStore.SetItemMeta(apiPath, meta); err != nil {
		return false, err
	}

	h.events.Emit(events.FilesystemItemEvicted, "evicted cached file", map[string]interface{}{
		"path":  apiPath,
		"bytes": info.Size(),
	})
	return true, nil
}

// EvictUntilBelow repeatedly evicts candidate paths (in the order
// provided by the caller — the File Manager uses least-recently-used)
// until the Cache-Space Accountant reports usage below lowWatermark or
// no candidate remains evictable (spec §4.6: invoked on a timer, not a
// scheduler in itself, so the iteration order and trigger are the
// caller's responsibility).
func (h *Hook) EvictUntilBelow(lowWatermark int64, candidates []string) (evicted []string, err error) {
	for _, path := range candidates {
		if h.accountant.Used() < lowWatermark {
			break
		}
		ok, evErr := h.EvictFile(path)
		if evErr != nil {
			return evicted, evErr
		}
		if ok {
			evicted = append(evicted, path)
		}
	}
	return evicted, nil
}
