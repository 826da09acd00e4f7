// Package provider defines the uniform backend contract of spec §4.1: the
// polymorphic Provider abstraction that every core component (Open File,
// File Manager, Chunk Downloader, Upload Queue) drives without knowing
// whether the remote store is an S3-compatible bucket, a Sia renterd
// instance, a local encrypted passthrough directory, or a remote-mount
// relay to another process running one of those.
package provider

import (
	"context"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/pkg/apierr"
)

// DirectoryItem is one entry returned by GetDirectoryItems.
type DirectoryItem struct {
	APIPath   string
	Directory bool
	Size      int64
	Meta      item.AttributeMap
}

// APIFile is one entry returned by a GetFileList page.
type APIFile struct {
	APIPath   string
	Directory bool
	Size      int64
	Meta      item.AttributeMap
}

// ListMarker is the opaque, provider-owned pagination cursor for
// GetFileList (spec §4.1). The zero value means "start from the
// beginning".
type ListMarker struct {
	Token    string
	MoreData bool
}

// OnItemDiscovered is called by Start's reconciliation pass for every item
// the enumeration surfaces that the Metadata Store does not yet know
// about.
type OnItemDiscovered func(apiPath string, directory bool, size int64, meta item.AttributeMap)

// StopSignal is observed by long-running Provider operations
// (ReadFileBytes, UploadFile, Start) so they return download_stopped /
// upload_stopped promptly on shutdown (spec §5).
type StopSignal <-chan struct{}

// Provider is the operation set of spec §4.1. Every operation fails with
// an *apierr.CoreError drawn from the taxonomy of §7.
type Provider interface {
	// CheckVersion probes the backend; observed >= required means
	// compatible.
	CheckVersion(ctx context.Context) (required, observed string, err error)

	CreateDirectory(ctx context.Context, path string, meta item.AttributeMap) error
	CreateFile(ctx context.Context, path string, meta item.AttributeMap) error
	CreateDirectoryCloneSourceMeta(ctx context.Context, src, dst string) error

	RemoveDirectory(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error

	// RenameFile is optional; providers that cannot rename return
	// apierr.NotImplemented and the File Manager falls back to
	// copy+delete only when the file has no open handles.
	RenameFile(ctx context.Context, src, dst string) error

	IsDirectory(ctx context.Context, path string) (bool, error)
	IsFile(ctx context.Context, path string) (bool, error)
	IsFileWriteable(ctx context.Context, path string) (bool, error)

	GetItemMeta(ctx context.Context, path string) (item.AttributeMap, error)
	SetItemMetaKey(ctx context.Context, path, key, value string) error
	SetItemMeta(ctx context.Context, path string, meta item.AttributeMap) error
	RemoveItemMeta(ctx context.Context, path, key string) error

	// GetDirectoryItems lists one level. Directories MUST precede files in
	// the returned order; rename_directory relies on this.
	GetDirectoryItems(ctx context.Context, path string) ([]DirectoryItem, error)
	GetDirectoryItemCount(ctx context.Context, path string) (uint64, error)

	GetFileSize(ctx context.Context, path string) (uint64, error)
	GetTotalDriveSpace(ctx context.Context) (uint64, error)
	GetUsedDriveSpace(ctx context.Context) (uint64, error)
	GetTotalItemCount(ctx context.Context) (uint64, error)
	GetPinnedFiles(ctx context.Context) ([]string, error)

	// GetFileList returns one page of a paginated full enumeration; the
	// caller loops while marker.MoreData is true.
	GetFileList(ctx context.Context, marker *ListMarker) ([]APIFile, error)

	// ReadFileBytes performs a ranged GET with up to retryReadCount
	// attempts and exponential backoff, honoring stop.
	ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop StopSignal) error

	// UploadFile performs a whole-file PUT, honoring stop.
	UploadFile(ctx context.Context, path, sourcePath string, stop StopSignal) error

	// Start begins serving operations; for the base (non-passthrough)
	// provider this runs the reconciliation pass of §4.1 to completion
	// before returning, and may be cancelled via Stop.
	Start(ctx context.Context, onItemDiscovered OnItemDiscovered) (online bool, err error)
	Stop() error

	// IsReadOnly providers reject writes, creates, removes, and renames
	// with apierr.PermissionDenied.
	IsReadOnly() bool

	// IsDirectOnly providers cannot accept whole-file uploads and
	// therefore cannot back writeable handles.
	IsDirectOnly() bool
}

// NotImplemented is a small helper for variants that do not support an
// optional operation (e.g. RenameFile on renterd/S3-without-rename).
func NotImplemented(op, path string) error {
	return apierr.New(apierr.NotImplemented, op, path, nil)
}
