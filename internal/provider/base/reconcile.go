// Package base implements the shared "reconcile on start + add-or-update"
// helper common to every non-passthrough Provider variant (spec §4.1,
// Design Notes "inheritance across provider variants → shared helper").
package base

import (
	"context"
	"os"
	"path/filepath"

	"github.com/objectfs/objectfs/internal/metadb"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/utils"
)

// Lister is the minimal capability a Provider variant must expose for
// Reconcile to drive the full-enumeration pagination of §4.1.
type Lister interface {
	GetFileList(ctx context.Context, marker *provider.ListMarker) ([]provider.APIFile, error)
}

// Reconcile runs the base provider's startup reconciliation: enumerate the
// remote namespace via lister, reconcile against store (insert new items
// via discovered, remove items no longer present), then scan cacheDir for
// orphan source files (no owning item) and delete them. It returns (or
// is cancelled) promptly when stop is closed.
func Reconcile(ctx context.Context, lister Lister, store metadb.MetadataStore, cacheDir string, discovered provider.OnItemDiscovered, stop <-chan struct{}, log *utils.StructuredLogger) error {
	seen := make(map[string]bool)
	marker := &provider.ListMarker{}
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		files, err := lister.GetFileList(ctx, marker)
		if err != nil {
			return err
		}
		for _, f := range files {
			seen[f.APIPath] = true
			if discovered != nil {
				discovered(f.APIPath, f.Directory, f.Size, f.Meta)
			}
		}
		if !marker.MoreData {
			break
		}
	}

	var stale []string
	_ = store.EnumerateAPIPaths(func(apiPath string) bool {
		if !seen[apiPath] {
			stale = append(stale, apiPath)
		}
		return true
	}, stop)
	for _, apiPath := range stale {
		if err := store.RemoveAPIPath(apiPath); err != nil && log != nil {
			log.Warn("reconcile: failed removing stale item", map[string]interface{}{"api_path": apiPath, "error": err.Error()})
		}
	}

	return scanOrphans(cacheDir, store, log)
}

// scanOrphans deletes source files under cacheDir that no item in store
// references (spec §4.1: "scan the cache directory for orphan source
// files... and delete them").
func scanOrphans(cacheDir string, store metadb.MetadataStore, log *utils.StructuredLogger) error {
	if cacheDir == "" {
		return nil
	}
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sourcePath := filepath.Join(cacheDir, entry.Name())
		if _, ok, err := store.GetAPIPathBySourcePath(sourcePath); err == nil && !ok {
			if err := os.Remove(sourcePath); err != nil && log != nil {
				log.Warn("reconcile: failed removing orphan source file", map[string]interface{}{"source_path": sourcePath, "error": err.Error()})
			}
		}
	}
	return nil
}
