// Package objectstore is the S3-compatible Provider variant of spec §4.1,
// built on the existing CargoShip-accelerated internal/storage/s3.Backend
// rather than talking to the AWS SDK directly. Directories are represented
// as zero-byte keys ending in "/"; extended attributes that do not fit an
// S3 HeadObject response live in a small JSON sidecar object alongside the
// data key.
package objectstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/internal/provider/base"
	"github.com/objectfs/objectfs/internal/storage/s3"
	"github.com/objectfs/objectfs/pkg/apierr"
	"github.com/objectfs/objectfs/pkg/utils"
)

const metaSuffix = ".objectfs.meta.json"

// Config is the objectstore variant's own configuration, layering the
// reconciliation and retry knobs of spec §4.1 on top of the S3 backend's
// connection settings.
type Config struct {
	Backend         *s3.Config
	Bucket          string
	RetryReadCount  int
	CacheDirectory  string
	RetryInitDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// Provider implements internal/provider.Provider against an S3-compatible
// bucket.
type Provider struct {
	backend *s3.Backend
	bucket  string
	store   metadb.MetadataStore
	log     *utils.StructuredLogger
	cfg     Config

	mu       sync.Mutex
	stopCh   chan struct{}
	stopped  bool
}

// New constructs a Provider. store is the File Manager's MetadataStore,
// used only by Start's reconciliation pass (base.Reconcile).
func New(ctx context.Context, cfg Config, store metadb.MetadataStore, log *utils.StructuredLogger) (*Provider, error) {
	backend, err := s3.NewBackend(ctx, cfg.Bucket, cfg.Backend)
	if err != nil {
		return nil, err
	}
	if cfg.RetryReadCount <= 0 {
		cfg.RetryReadCount = 6
	}
	if cfg.RetryInitDelay <= 0 {
		cfg.RetryInitDelay = 250 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	return &Provider{
		backend: backend,
		bucket:  cfg.Bucket,
		store:   store,
		log:     log,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}, nil
}

func dirKey(path string) string {
	p := strings.TrimSuffix(path, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func isSidecar(key string) bool {
	return strings.HasSuffix(key, metaSuffix)
}

func (p *Provider) metaKey(path string) string {
	return strings.TrimSuffix(path, "/") + metaSuffix
}

// CheckVersion reports the provider as always compatible; a plain
// S3-compatible bucket carries no server version the core needs to gate
// on.
func (p *Provider) CheckVersion(ctx context.Context) (string, string, error) {
	return "1", "1", nil
}

func (p *Provider) CreateDirectory(ctx context.Context, path string, meta item.AttributeMap) error {
	if err := p.backend.PutObject(ctx, dirKey(path), nil); err != nil {
		return translate("CreateDirectory", path, err)
	}
	if len(meta) > 0 {
		return p.SetItemMeta(ctx, path, meta)
	}
	return nil
}

func (p *Provider) CreateFile(ctx context.Context, path string, meta item.AttributeMap) error {
	if err := p.backend.PutObject(ctx, path, nil); err != nil {
		return translate("CreateFile", path, err)
	}
	if len(meta) > 0 {
		return p.SetItemMeta(ctx, path, meta)
	}
	return nil
}

func (p *Provider) CreateDirectoryCloneSourceMeta(ctx context.Context, src, dst string) error {
	meta, err := p.GetItemMeta(ctx, src)
	if err != nil && !apierr.Is(err, apierr.ItemNotFound) {
		return err
	}
	return p.CreateDirectory(ctx, dst, meta)
}

func (p *Provider) RemoveDirectory(ctx context.Context, path string) error {
	if err := p.backend.DeleteObject(ctx, dirKey(path)); err != nil {
		return translate("RemoveDirectory", path, err)
	}
	_ = p.backend.DeleteObject(ctx, p.metaKey(path))
	return nil
}

func (p *Provider) RemoveFile(ctx context.Context, path string) error {
	if err := p.backend.DeleteObject(ctx, path); err != nil {
		return translate("RemoveFile", path, err)
	}
	_ = p.backend.DeleteObject(ctx, p.metaKey(path))
	return nil
}

// RenameFile is not implemented: the wrapped S3 backend exposes no
// server-side copy primitive, so the File Manager falls back to
// copy+delete through Open File instead.
func (p *Provider) RenameFile(ctx context.Context, src, dst string) error {
	return provider.NotImplemented("RenameFile", src)
}

func (p *Provider) IsDirectory(ctx context.Context, path string) (bool, error) {
	_, err := p.backend.HeadObject(ctx, dirKey(path))
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Provider) IsFile(ctx context.Context, path string) (bool, error) {
	_, err := p.backend.HeadObject(ctx, path)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Provider) IsFileWriteable(ctx context.Context, path string) (bool, error) {
	return true, nil
}

func (p *Provider) GetItemMeta(ctx context.Context, path string) (item.AttributeMap, error) {
	info, err := p.backend.HeadObject(ctx, path)
	meta := item.AttributeMap{}
	if err == nil {
		meta.SetSize(info.Size)
		if !info.LastModified.IsZero() {
			meta[item.AttrModified] = item.TimeNS(info.LastModified)
		}
	}
	data, gerr := p.backend.GetObject(ctx, p.metaKey(path), 0, 0)
	if gerr == nil && len(data) > 0 {
		var sidecar item.AttributeMap
		if jerr := json.Unmarshal(data, &sidecar); jerr == nil {
			for k, v := range sidecar {
				meta[k] = v
			}
		}
	}
	if err != nil && gerr != nil {
		return nil, apierr.New(apierr.ItemNotFound, "GetItemMeta", path, err)
	}
	return meta, nil
}

func (p *Provider) SetItemMetaKey(ctx context.Context, path, key, value string) error {
	meta, err := p.GetItemMeta(ctx, path)
	if err != nil {
		meta = item.AttributeMap{}
	}
	meta[key] = value
	return p.SetItemMeta(ctx, path, meta)
}

func (p *Provider) SetItemMeta(ctx context.Context, path string, meta item.AttributeMap) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return apierr.New(apierr.OSError, "SetItemMeta", path, err)
	}
	if err := p.backend.PutObject(ctx, p.metaKey(path), data); err != nil {
		return translate("SetItemMeta", path, err)
	}
	return nil
}

func (p *Provider) RemoveItemMeta(ctx context.Context, path, key string) error {
	meta, err := p.GetItemMeta(ctx, path)
	if err != nil {
		return err
	}
	delete(meta, key)
	return p.SetItemMeta(ctx, path, meta)
}

func (p *Provider) GetDirectoryItems(ctx context.Context, path string) ([]provider.DirectoryItem, error) {
	prefix := dirKey(path)
	objects, err := p.backend.ListObjects(ctx, prefix, 0)
	if err != nil {
		return nil, translate("GetDirectoryItems", path, err)
	}

	seenDirs := map[string]bool{}
	var dirs, files []provider.DirectoryItem
	for _, obj := range objects {
		if isSidecar(obj.Key) {
			continue
		}
		rest := strings.TrimPrefix(obj.Key, prefix)
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			childDir := prefix + rest[:idx+1]
			if !seenDirs[childDir] {
				seenDirs[childDir] = true
				dirs = append(dirs, provider.DirectoryItem{
					APIPath:   strings.TrimSuffix(childDir, "/"),
					Directory: true,
				})
			}
			continue
		}
		files = append(files, provider.DirectoryItem{
			APIPath:   prefix + rest,
			Directory: false,
			Size:      obj.Size,
		})
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].APIPath < dirs[j].APIPath })
	sort.Slice(files, func(i, j int) bool { return files[i].APIPath < files[j].APIPath })
	return append(dirs, files...), nil
}

func (p *Provider) GetDirectoryItemCount(ctx context.Context, path string) (uint64, error) {
	items, err := p.GetDirectoryItems(ctx, path)
	if err != nil {
		return 0, err
	}
	return uint64(len(items)), nil
}

func (p *Provider) GetFileSize(ctx context.Context, path string) (uint64, error) {
	info, err := p.backend.HeadObject(ctx, path)
	if err != nil {
		return 0, apierr.New(apierr.ItemNotFound, "GetFileSize", path, err)
	}
	if info.Size < 0 {
		return 0, nil
	}
	return uint64(info.Size), nil
}

// GetTotalDriveSpace reports a practically unbounded capacity: an
// S3-compatible bucket has no fixed quota the provider can observe.
func (p *Provider) GetTotalDriveSpace(ctx context.Context) (uint64, error) {
	return 1 << 60, nil
}

func (p *Provider) GetUsedDriveSpace(ctx context.Context) (uint64, error) {
	objects, err := p.backend.ListObjects(ctx, "", 0)
	if err != nil {
		return 0, translate("GetUsedDriveSpace", "", err)
	}
	var total uint64
	for _, obj := range objects {
		if isSidecar(obj.Key) || obj.Size < 0 {
			continue
		}
		total += uint64(obj.Size)
	}
	return total, nil
}

func (p *Provider) GetTotalItemCount(ctx context.Context) (uint64, error) {
	objects, err := p.backend.ListObjects(ctx, "", 0)
	if err != nil {
		return 0, translate("GetTotalItemCount", "", err)
	}
	var n uint64
	for _, obj := range objects {
		if isSidecar(obj.Key) {
			continue
		}
		n++
	}
	return n, nil
}

// GetPinnedFiles always returns empty: pinning is tracked locally by the
// Metadata Store, not by the remote bucket.
func (p *Provider) GetPinnedFiles(ctx context.Context) ([]string, error) {
	return nil, nil
}

// GetFileList returns the entire bucket enumeration as a single page. The
// wrapped Backend.ListObjects exposes no S3 continuation token, so a full
// reconciliation pass (internal/provider/base.Reconcile) does one complete
// listing per Start call rather than paging.
func (p *Provider) GetFileList(ctx context.Context, marker *provider.ListMarker) ([]provider.APIFile, error) {
	if marker.Token == "done" {
		marker.MoreData = false
		return nil, nil
	}

	objects, err := p.backend.ListObjects(ctx, "", 0)
	if err != nil {
		return nil, translate("GetFileList", "", err)
	}

	seenDirs := map[string]bool{}
	var out []provider.APIFile
	for _, obj := range objects {
		if isSidecar(obj.Key) {
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			if !seenDirs[obj.Key] {
				seenDirs[obj.Key] = true
				out = append(out, provider.APIFile{
					APIPath:   "/" + strings.TrimSuffix(obj.Key, "/"),
					Directory: true,
				})
			}
			continue
		}
		out = append(out, provider.APIFile{
			APIPath:   "/" + obj.Key,
			Directory: false,
			Size:      obj.Size,
		})
	}

	marker.Token = "done"
	marker.MoreData = false
	return out, nil
}

// ReadFileBytes performs a ranged GET with up to RetryReadCount attempts
// and exponential backoff (spec §4.1), honoring stop between attempts.
func (p *Provider) ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop provider.StopSignal) error {
	delay := p.cfg.RetryInitDelay
	var lastErr error
	for attempt := 0; attempt < p.cfg.RetryReadCount; attempt++ {
		select {
		case <-stop:
			return apierr.New(apierr.DownloadStopped, "ReadFileBytes", path, nil)
		case <-ctx.Done():
			return apierr.New(apierr.DownloadStopped, "ReadFileBytes", path, ctx.Err())
		default:
		}

		data, err := p.backend.GetObject(ctx, path, offset, length)
		if err == nil {
			n := copy(buf, data)
			if int64(n) < length && int64(len(data)) < length {
				return apierr.New(apierr.DownloadIncomplete, "ReadFileBytes", path, io.ErrUnexpectedEOF)
			}
			return nil
		}
		lastErr = err

		select {
		case <-stop:
			return apierr.New(apierr.DownloadStopped, "ReadFileBytes", path, nil)
		case <-ctx.Done():
			return apierr.New(apierr.DownloadStopped, "ReadFileBytes", path, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.cfg.RetryMaxDelay {
			delay = p.cfg.RetryMaxDelay
		}
	}
	return apierr.New(apierr.DownloadFailed, "ReadFileBytes", path, lastErr)
}

// UploadFile performs a whole-file PUT of sourcePath's contents (spec
// §4.1); object-store variants cannot stream a PUT incrementally, so the
// Upload Queue always calls this once the source is complete.
func (p *Provider) UploadFile(ctx context.Context, path, sourcePath string, stop provider.StopSignal) error {
	select {
	case <-stop:
		return apierr.New(apierr.UploadStopped, "UploadFile", path, nil)
	default:
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return apierr.New(apierr.OSError, "UploadFile", path, err)
	}

	select {
	case <-stop:
		return apierr.New(apierr.UploadStopped, "UploadFile", path, nil)
	default:
	}

	if err := p.backend.PutObject(ctx, path, data); err != nil {
		return apierr.New(apierr.UploadFailed, "UploadFile", path, err)
	}
	return nil
}

// Start runs the base provider's reconciliation pass to completion, then
// reports the bucket online.
func (p *Provider) Start(ctx context.Context, onItemDiscovered provider.OnItemDiscovered) (bool, error) {
	if err := p.backend.HealthCheck(ctx); err != nil {
		return false, apierr.New(apierr.CommError, "Start", "", err)
	}
	if p.store != nil {
		if err := base.Reconcile(ctx, p, p.store, p.cfg.CacheDirectory, onItemDiscovered, p.stopCh, p.log); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (p *Provider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		close(p.stopCh)
		p.stopped = true
	}
	return p.backend.Close()
}

func (p *Provider) IsReadOnly() bool  { return false }
func (p *Provider) IsDirectOnly() bool { return false }

func translate(op, path string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return apierr.New(apierr.ItemNotFound, op, path, err)
	default:
		return apierr.New(apierr.CommError, op, path, err)
	}
}

var _ provider.Provider = (*Provider)(nil)
var _ base.Lister = (*Provider)(nil)
