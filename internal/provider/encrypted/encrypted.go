// Package encrypted is the read-only encrypted-passthrough Provider
// variant of spec §4.1/§6: it presents a local plaintext directory as a
// tree of encrypted filenames and encrypted content, encrypting each
// chunk and filename on the fly rather than storing ciphertext at rest.
package encrypted

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
)

const tagOverhead = chacha20poly1305.Overhead // 16 bytes, XChaCha20-Poly1305 AEAD tag

// Config configures one encrypted-passthrough view of a local directory.
type Config struct {
	PlainRoot  string // absolute path of the plaintext source tree
	ChunkSize  int64
	DataToken  string // configured data token (spec §6)
	NameToken  string // configured name token
	DataKDF    metadb.KDFConfig
	NameKDF    metadb.KDFConfig
}

// Provider implements internal/provider.Provider as a read-only,
// direct-only view: every mutating operation fails with
// apierr.PermissionDenied, matching spec §4.1's "providers that declare
// themselves read-only ... reject writes, creates, removes, and renames".
type Provider struct {
	cfg      Config
	fileDB   metadb.FileDB
	dataKey  []byte
	nameKey  []byte

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// New constructs an encrypted-passthrough Provider backed by fileDB, which
// persists the per-path IV list and KDF configs (spec §4.2 "File DB").
func New(cfg Config, fileDB metadb.FileDB) *Provider {
	return &Provider{
		cfg:     cfg,
		fileDB:  fileDB,
		dataKey: DeriveKey(cfg.DataToken, cfg.DataKDF),
		nameKey: DeriveKey(cfg.NameToken, cfg.NameKDF),
		stopCh:  make(chan struct{}),
	}
}

// encryptName hex-encodes nonce||ciphertext||tag for one path component
// under XChaCha20-Poly1305 (spec §6 "on-wire encrypted-filename
// encoding").
func (p *Provider) encryptName(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(p.nameKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plain), nil)
	return hex.EncodeToString(append(nonce, sealed...)), nil
}

func (p *Provider) decryptName(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(p.nameKey)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("encrypted name too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func chunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n)
}

func (p *Provider) plainChunkLen(plainSize int64, idx int) int64 {
	n := chunkCount(plainSize, p.cfg.ChunkSize)
	if idx == n-1 {
		last := plainSize - int64(idx)*p.cfg.ChunkSize
		if last > 0 {
			return last
		}
	}
	return p.cfg.ChunkSize
}

// encryptedSize is the ciphertext-space size corresponding to plainSize:
// one AEAD tag per chunk.
func (p *Provider) encryptedSize(plainSize int64) int64 {
	n := int64(chunkCount(plainSize, p.cfg.ChunkSize))
	return plainSize + n*tagOverhead
}

func newIVList(n int) [][]byte {
	ivs := make([][]byte, n)
	for i := range ivs {
		iv := make([]byte, chacha20poly1305.NonceSizeX)
		_, _ = rand.Read(iv)
		ivs[i] = iv
	}
	return ivs
}

func (p *Provider) encryptedPath(plainRel string) (string, error) {
	if plainRel == "" || plainRel == "." {
		return "/", nil
	}
	parts := strings.Split(filepath.ToSlash(plainRel), "/")
	enc := make([]string, len(parts))
	for i, part := range parts {
		name, err := p.encryptName(part)
		if err != nil {
			return "", err
		}
		enc[i] = name
	}
	return "/" + strings.Join(enc, "/"), nil
}

// Start walks the plaintext root, registers every directory and file with
// fileDB under its encrypted path (generating a fresh IV list sized to the
// file's chunk count on first discovery), and reports each to
// onItemDiscovered.
func (p *Provider) Start(ctx context.Context, onItemDiscovered provider.OnItemDiscovered) (bool, error) {
	err := filepath.WalkDir(p.cfg.PlainRoot, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-p.stopCh:
			return filepath.SkipAll
		default:
		}
		if absPath == p.cfg.PlainRoot {
			return nil
		}
		rel, err := filepath.Rel(p.cfg.PlainRoot, absPath)
		if err != nil {
			return err
		}
		encPath, err := p.encryptedPath(rel)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if err := p.fileDB.AddOrUpdateDirectory(encPath); err != nil {
				return err
			}
			if onItemDiscovered != nil {
				onItemDiscovered(encPath, true, 0, item.AttributeMap{})
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if existing, ok, _ := p.fileDB.GetFileByAPIPath(encPath); !ok || existing == nil {
			rec := metadb.FileRecord{
				APIPath:    encPath,
				SourcePath: absPath,
				IVList:     newIVList(chunkCount(info.Size(), p.cfg.ChunkSize)),
				NameKDF:    p.cfg.NameKDF,
				DataKDF:    p.cfg.DataKDF,
			}
			if err := p.fileDB.AddOrUpdateFile(rec); err != nil {
				return err
			}
		}
		if onItemDiscovered != nil {
			meta := item.AttributeMap{}
			meta.SetSize(p.encryptedSize(info.Size()))
			onItemDiscovered(encPath, false, p.encryptedSize(info.Size()), meta)
		}
		return nil
	})
	if err != nil {
		return false, apierr.New(apierr.OSError, "Start", p.cfg.PlainRoot, err)
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
	return nil
}

func (p *Provider) CheckVersion(ctx context.Context) (string, string, error) {
	return "1", "1", nil
}

func (p *Provider) CreateDirectory(ctx context.Context, path string, meta item.AttributeMap) error {
	return apierr.New(apierr.PermissionDenied, "CreateDirectory", path, nil)
}
func (p *Provider) CreateFile(ctx context.Context, path string, meta item.AttributeMap) error {
	return apierr.New(apierr.PermissionDenied, "CreateFile", path, nil)
}
func (p *Provider) CreateDirectoryCloneSourceMeta(ctx context.Context, src, dst string) error {
	return apierr.New(apierr.PermissionDenied, "CreateDirectoryCloneSourceMeta", src, nil)
}
func (p *Provider) RemoveDirectory(ctx context.Context, path string) error {
	return apierr.New(apierr.PermissionDenied, "RemoveDirectory", path, nil)
}
func (p *Provider) RemoveFile(ctx context.Context, path string) error {
	return apierr.New(apierr.PermissionDenied, "RemoveFile", path, nil)
}
func (p *Provider) RenameFile(ctx context.Context, src, dst string) error {
	return apierr.New(apierr.PermissionDenied, "RenameFile", src, nil)
}
func (p *Provider) SetItemMetaKey(ctx context.Context, path, key, value string) error {
	return apierr.New(apierr.PermissionDenied, "SetItemMetaKey", path, nil)
}
func (p *Provider) SetItemMeta(ctx context.Context, path string, meta item.AttributeMap) error {
	return apierr.New(apierr.PermissionDenied, "SetItemMeta", path, nil)
}
func (p *Provider) RemoveItemMeta(ctx context.Context, path, key string) error {
	return apierr.New(apierr.PermissionDenied, "RemoveItemMeta", path, nil)
}

func (p *Provider) IsDirectory(ctx context.Context, path string) (bool, error) {
	return p.fileDB.GetDirectoryByAPIPath(path)
}

func (p *Provider) IsFile(ctx context.Context, path string) (bool, error) {
	_, ok, err := p.fileDB.GetFileByAPIPath(path)
	return ok, err
}

func (p *Provider) IsFileWriteable(ctx context.Context, path string) (bool, error) {
	return false, nil
}

func (p *Provider) GetItemMeta(ctx context.Context, path string) (item.AttributeMap, error) {
	rec, ok, err := p.fileDB.GetFileByAPIPath(path)
	if err != nil {
		return nil, apierr.New(apierr.OSError, "GetItemMeta", path, err)
	}
	if !ok {
		return item.AttributeMap{}, nil
	}
	info, err := os.Stat(rec.SourcePath)
	if err != nil {
		return nil, apierr.New(apierr.ItemNotFound, "GetItemMeta", path, err)
	}
	meta := item.AttributeMap{}
	meta.SetSize(p.encryptedSize(info.Size()))
	meta[item.AttrModified] = item.TimeNS(info.ModTime())
	return meta, nil
}

func (p *Provider) GetDirectoryItems(ctx context.Context, path string) ([]provider.DirectoryItem, error) {
	records, err := p.fileDB.EnumerateItemList()
	if err != nil {
		return nil, apierr.New(apierr.OSError, "GetDirectoryItems", path, err)
	}
	prefix := strings.TrimSuffix(path, "/")
	var dirs, files []provider.DirectoryItem
	seen := map[string]bool{}
	for _, rec := range records {
		if !strings.HasPrefix(rec.APIPath, prefix+"/") {
			continue
		}
		rest := strings.TrimPrefix(rec.APIPath, prefix+"/")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			childDir := prefix + "/" + rest[:idx]
			if !seen[childDir] {
				seen[childDir] = true
				dirs = append(dirs, provider.DirectoryItem{APIPath: childDir, Directory: true})
			}
			continue
		}
		if rec.Directory {
			dirs = append(dirs, provider.DirectoryItem{APIPath: rec.APIPath, Directory: true})
			continue
		}
		info, err := os.Stat(rec.SourcePath)
		var size int64
		if err == nil {
			size = p.encryptedSize(info.Size())
		}
		files = append(files, provider.DirectoryItem{APIPath: rec.APIPath, Directory: false, Size: size})
	}
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
	rec, ok, err := p.fileDB.GetFileByAPIPath(path)
	if err != nil || !ok {
		return 0, apierr.New(apierr.ItemNotFound, "GetFileSize", path, err)
	}
	info, err := os.Stat(rec.SourcePath)
	if err != nil {
		return 0, apierr.New(apierr.ItemNotFound, "GetFileSize", path, err)
	}
	return uint64(p.encryptedSize(info.Size())), nil
}

func (p *Provider) GetTotalDriveSpace(ctx context.Context) (uint64, error) {
	used, err := p.GetUsedDriveSpace(ctx)
	return used, err
}

func (p *Provider) GetUsedDriveSpace(ctx context.Context) (uint64, error) {
	records, err := p.fileDB.EnumerateItemList()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, rec := range records {
		if rec.Directory {
			continue
		}
		if info, err := os.Stat(rec.SourcePath); err == nil {
			total += uint64(p.encryptedSize(info.Size()))
		}
	}
	return total, nil
}

func (p *Provider) GetTotalItemCount(ctx context.Context) (uint64, error) {
	records, err := p.fileDB.EnumerateItemList()
	if err != nil {
		return 0, err
	}
	return uint64(len(records)), nil
}

// GetPinnedFiles always returns empty: pinning is tracked by the Metadata
// Store layered above this provider, not by the passthrough view itself.
func (p *Provider) GetPinnedFiles(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (p *Provider) GetFileList(ctx context.Context, marker *provider.ListMarker) ([]provider.APIFile, error) {
	if marker.Token == "done" {
		marker.MoreData = false
		return nil, nil
	}
	records, err := p.fileDB.EnumerateItemList()
	if err != nil {
		return nil, apierr.New(apierr.OSError, "GetFileList", "", err)
	}
	out := make([]provider.APIFile, 0, len(records))
	for _, rec := range records {
		af := provider.APIFile{APIPath: rec.APIPath, Directory: rec.Directory}
		if !rec.Directory {
			if info, err := os.Stat(rec.SourcePath); err == nil {
				af.Size = p.encryptedSize(info.Size())
			}
		}
		out = append(out, af)
	}
	marker.Token = "done"
	marker.MoreData = false
	return out, nil
}

// ReadFileBytes encrypts the plaintext chunks overlapping
// [offset, offset+length) on the fly and returns the requested slice of
// the resulting ciphertext stream. Chunk boundaries in ciphertext space
// are assumed uniform (plainChunkSize+tagOverhead) except for the final,
// shorter chunk, matching how encryptedSize is computed above.
func (p *Provider) ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop provider.StopSignal) error {
	rec, ok, err := p.fileDB.GetFileByAPIPath(path)
	if err != nil || !ok {
		return apierr.New(apierr.ItemNotFound, "ReadFileBytes", path, err)
	}
	f, err := os.Open(rec.SourcePath)
	if err != nil {
		return apierr.New(apierr.OSError, "ReadFileBytes", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return apierr.New(apierr.OSError, "ReadFileBytes", path, err)
	}
	plainSize := info.Size()
	encChunk := p.cfg.ChunkSize + tagOverhead

	startChunk := int(offset / encChunk)
	endOffset := offset + length
	endChunk := int((endOffset - 1) / encChunk)

	aead, err := chacha20poly1305.NewX(p.dataKey)
	if err != nil {
		return apierr.New(apierr.OSError, "ReadFileBytes", path, err)
	}

	var out []byte
	for idx := startChunk; idx <= endChunk; idx++ {
		select {
		case <-stop:
			return apierr.New(apierr.DownloadStopped, "ReadFileBytes", path, nil)
		case <-ctx.Done():
			return apierr.New(apierr.DownloadStopped, "ReadFileBytes", path, ctx.Err())
		default:
		}
		if idx < 0 || idx >= len(rec.IVList) {
			return apierr.New(apierr.DownloadFailed, "ReadFileBytes", path, fmt.Errorf("chunk %d out of range", idx))
		}
		plainLen := p.plainChunkLen(plainSize, idx)
		plain := make([]byte, plainLen)
		if _, err := f.ReadAt(plain, int64(idx)*p.cfg.ChunkSize); err != nil && err != io.EOF {
			return apierr.New(apierr.OSError, "ReadFileBytes", path, err)
		}
		sealed := aead.Seal(nil, rec.IVList[idx], plain, nil)
		out = append(out, sealed...)
	}

	localOffset := offset - int64(startChunk)*encChunk
	if localOffset < 0 || localOffset+length > int64(len(out)) {
		return apierr.New(apierr.DownloadIncomplete, "ReadFileBytes", path, nil)
	}
	copy(buf, out[localOffset:localOffset+length])
	return nil
}

// UploadFile always fails: this provider is read-only.
func (p *Provider) UploadFile(ctx context.Context, path, sourcePath string, stop provider.StopSignal) error {
	return apierr.New(apierr.PermissionDenied, "UploadFile", path, nil)
}

func (p *Provider) IsReadOnly() bool   { return true }
func (p *Provider) IsDirectOnly() bool { return true }

var _ provider.Provider = (*Provider)(nil)

// DecodeName exposes decryptName for callers (e.g. the FUSE shim) that
// need to recover a human-readable name for logging.
func (p *Provider) DecodeName(encoded string) (string, error) {
	return p.decryptName(encoded)
}
