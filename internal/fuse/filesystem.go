//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/objectfs/internal/filemanager"
	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/openfile"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem implements the FUSE filesystem interface described in spec
// §1: a go-fuse shim over the File Manager (open/close/read/write
// lifecycle) and the Provider contract (directory listing and stat,
// which don't need an Open File at all).
type FileSystem struct {
	fs.Inode

	fm       *filemanager.FileManager
	provider provider.Provider
	config   *Config

	stats *Stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	// Mount options
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	// FUSE options
	DirectIO  bool   `yaml:"direct_io"`
	KeepCache bool   `yaml:"keep_cache"`
	BigWrites bool   `yaml:"big_writes"`
	MaxRead   uint32 `yaml:"max_read"`
	MaxWrite  uint32 `yaml:"max_write"`

	// Filesystem behavior
	DefaultUID  uint32        `yaml:"default_uid"`
	DefaultGID  uint32        `yaml:"default_gid"`
	DefaultMode uint32        `yaml:"default_mode"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	// Performance settings
	ReadAhead   uint32 `yaml:"read_ahead"`
	WriteBuffer uint32 `yaml:"write_buffer"`
	Concurrency int    `yaml:"concurrency"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	// Operation counts
	Lookups int64 `json:"lookups"`
	Opens   int64 `json:"opens"`
	Reads   int64 `json:"reads"`
	Writes  int64 `json:"writes"`
	Creates int64 `json:"creates"`
	Deletes int64 `json:"deletes"`

	// Data transfer
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	// Error counts
	Errors int64 `json:"errors"`

	// Performance metrics
	AvgReadTime   time.Duration `json:"avg_read_time"`
	AvgWriteTime  time.Duration `json:"avg_write_time"`
	AvgLookupTime time.Duration `json:"avg_lookup_time"`
}

// NewFileSystem creates a new FUSE filesystem instance backed by a File
// Manager (open/close/read/write lifecycle) and the Provider it manages
// (directory listing and stat).
func NewFileSystem(fm *filemanager.FileManager, p provider.Provider, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			DefaultUID:  1000,
			DefaultGID:  1000,
			DefaultMode: 0644,
			CacheTTL:    5 * time.Minute,
			ReadAhead:   128 * 1024,
			WriteBuffer: 64 * 1024,
			Concurrency: 16,
		}
	}

	return &FileSystem{
		fm:       fm,
		provider: p,
		config:   config,
		stats:    &Stats{},
	}
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{
		fs:   fsys,
		path: "",
	}
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *Stats {
	fsys.stats.mu.RLock()
	defer fsys.stats.mu.RUnlock()

	return &Stats{
		Lookups:      fsys.stats.Lookups,
		Opens:        fsys.stats.Opens,
		Reads:        fsys.stats.Reads,
		Writes:       fsys.stats.Writes,
		Creates:      fsys.stats.Creates,
		Deletes:      fsys.stats.Deletes,
		BytesRead:    fsys.stats.BytesRead,
		BytesWritten: fsys.stats.BytesWritten,
		Errors:       fsys.stats.Errors,
	}
}

func (fsys *FileSystem) recordLookupTime(d time.Duration) {
	fsys.stats.mu.Lock()
	defer fsys.stats.mu.Unlock()
	if fsys.stats.Lookups == 1 {
		fsys.stats.AvgLookupTime = d
	} else {
		fsys.stats.AvgLookupTime = time.Duration((int64(fsys.stats.AvgLookupTime)*9 + int64(d)) / 10)
	}
}

func (fsys *FileSystem) recordReadTime(d time.Duration) {
	fsys.stats.mu.Lock()
	defer fsys.stats.mu.Unlock()
	if fsys.stats.Reads == 1 {
		fsys.stats.AvgReadTime = d
	} else {
		fsys.stats.AvgReadTime = time.Duration((int64(fsys.stats.AvgReadTime)*9 + int64(d)) / 10)
	}
}

func (fsys *FileSystem) recordWriteTime(d time.Duration) {
	fsys.stats.mu.Lock()
	defer fsys.stats.mu.Unlock()
	if fsys.stats.Writes == 1 {
		fsys.stats.AvgWriteTime = d
	} else {
		fsys.stats.AvgWriteTime = time.Duration((int64(fsys.stats.AvgWriteTime)*9 + int64(d)) / 10)
	}
}

// errnoFromCore maps a core error to the errno the kernel expects,
// bumping the error counter as a side effect.
func (fsys *FileSystem) errnoFromCore(err error) syscall.Errno {
	fsys.stats.mu.Lock()
	fsys.stats.Errors++
	fsys.stats.mu.Unlock()
	return apierr.ToErrno(apierr.CodeOf(err))
}

// attrInfo is the stat-relevant subset of a filesystem item, assembled
// from the Provider's metadata surface without opening the item.
type attrInfo struct {
	size      int64
	directory bool
	modified  time.Time
	mode      uint32
}

func (fsys *FileSystem) statPath(ctx context.Context, apiPath string) (*attrInfo, bool, error) {
	isDir, err := fsys.provider.IsDirectory(ctx, apiPath)
	if err != nil {
		return nil, false, err
	}
	if isDir {
		return &attrInfo{directory: true, mode: fuse.S_IFDIR | 0755}, true, nil
	}

	isFile, err := fsys.provider.IsFile(ctx, apiPath)
	if err != nil {
		return nil, false, err
	}
	if !isFile {
		return nil, false, nil
	}

	meta, err := fsys.provider.GetItemMeta(ctx, apiPath)
	if err != nil {
		return nil, false, err
	}
	size, err := fsys.provider.GetFileSize(ctx, apiPath)
	if err != nil {
		return nil, false, err
	}

	info := &attrInfo{size: int64(size), mode: fuse.S_IFREG | 0644}
	if mod := meta[item.AttrModified]; mod != "" {
		info.modified = item.ParseTimeNS(mod)
	}
	return info, true, nil
}

// DirectoryNode represents a directory in the filesystem
type DirectoryNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

// Lookup looks up a child node by name
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	defer func() { n.fs.recordLookupTime(time.Since(start)) }()

	n.fs.stats.mu.Lock()
	n.fs.stats.Lookups++
	n.fs.stats.mu.Unlock()

	childPath := n.joinPath(name)

	info, ok, err := n.fs.statPath(ctx, childPath)
	if err != nil {
		return nil, n.fs.errnoFromCore(err)
	}
	if !ok {
		return nil, syscall.ENOENT
	}

	if info.directory {
		return n.createDirectoryNode(name, childPath), 0
	}
	return n.createChildNode(name, childPath, info), 0
}

// Readdir reads directory contents
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	items, err := n.fs.provider.GetDirectoryItems(ctx, n.path)
	if err != nil {
		log.Printf("Readdir failed for %s: %v", n.path, err)
		return nil, n.fs.errnoFromCore(err)
	}

	entries := make([]fuse.DirEntry, 0, len(items))
	for _, it := range items {
		name := filepath.Base(it.APIPath)
		mode := uint32(fuse.S_IFREG)
		if it.Directory {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}

	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a new directory
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}

	childPath := n.joinPath(name)

	if err := n.fs.provider.CreateDirectory(ctx, childPath, item.AttributeMap{}); err != nil {
		log.Printf("Mkdir failed for %s: %v", childPath, err)
		return nil, n.fs.errnoFromCore(err)
	}

	return n.createDirectoryNode(name, childPath), 0
}

// Create creates a new file and opens it through the File Manager
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}

	childPath := n.joinPath(name)

	meta := item.AttributeMap{}
	meta.SetSize(0)

	handle, of, err := n.fs.fm.Create(ctx, childPath, meta, flags)
	if err != nil {
		log.Printf("Create failed for %s: %v", childPath, err)
		return nil, nil, 0, n.fs.errnoFromCore(err)
	}

	n.fs.stats.mu.Lock()
	n.fs.stats.Creates++
	n.fs.stats.Opens++
	n.fs.stats.mu.Unlock()

	fileNode := &FileNode{fs: n.fs, path: childPath}
	node = n.NewInode(ctx, fileNode, fs.StableAttr{Mode: fuse.S_IFREG})

	return node, &FileHandle{fs: n.fs, handle: handle, of: of}, 0, 0
}

// FileNode represents a file in the filesystem
type FileNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

// Open opens a file through the File Manager
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	f.fs.stats.mu.Lock()
	f.fs.stats.Opens++
	f.fs.stats.mu.Unlock()

	if f.fs.config.ReadOnly && (flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0) {
		return nil, 0, syscall.EROFS
	}

	handle, of, err := f.fs.fm.Open(ctx, f.path, false, flags)
	if err != nil {
		return nil, 0, f.fs.errnoFromCore(err)
	}

	return &FileHandle{fs: f.fs, handle: handle, of: of}, 0, 0
}

// Getattr gets file attributes without opening the item
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, ok, err := f.fs.statPath(ctx, f.path)
	if err != nil {
		return f.fs.errnoFromCore(err)
	}
	if !ok {
		return syscall.ENOENT
	}

	out.Mode = f.fs.config.DefaultMode
	out.Size = safeInt64ToUint64(info.size)
	out.Uid = f.fs.config.DefaultUID
	out.Gid = f.fs.config.DefaultGID

	if !info.modified.IsZero() {
		unixTime := info.modified.Unix()
		out.Mtime = safeInt64ToUint64(unixTime)
		out.Atime = safeInt64ToUint64(unixTime)
		out.Ctime = safeInt64ToUint64(unixTime)
	}

	return 0
}

// FileHandle represents an open file handle bound to a File Manager
// handle and its Open File.
type FileHandle struct {
	fs     *FileSystem
	handle uint64
	of     *openfile.OpenFile
}

// Read reads data from the file, through the Open File's Chunk Downloader
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	defer func() { fh.fs.recordReadTime(time.Since(start)) }()

	fh.fs.stats.mu.Lock()
	fh.fs.stats.Reads++
	fh.fs.stats.mu.Unlock()

	data, err := fh.of.Read(ctx, off, int64(len(dest)))
	if err != nil {
		log.Printf("Read failed for handle %d at offset %d: %v", fh.handle, off, err)
		return nil, fh.fs.errnoFromCore(err)
	}

	fh.fs.stats.mu.Lock()
	fh.fs.stats.BytesRead += int64(len(data))
	fh.fs.stats.mu.Unlock()

	return fuse.ReadResultData(data), 0
}

// Write writes data to the file's backing cache file
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	if fh.fs.config.ReadOnly {
		return 0, syscall.EROFS
	}

	start := time.Now()
	defer func() { fh.fs.recordWriteTime(time.Since(start)) }()

	n, err := fh.of.Write(off, data)
	if err != nil {
		log.Printf("Write failed for handle %d at offset %d: %v", fh.handle, off, err)
		return 0, fh.fs.errnoFromCore(err)
	}

	fh.fs.stats.mu.Lock()
	fh.fs.stats.Writes++
	fh.fs.stats.BytesWritten += int64(n)
	fh.fs.stats.mu.Unlock()

	return safeIntToUint32(n), 0
}

// Flush is a no-op: writes already land on the Open File's backing cache
// file synchronously, so there is nothing buffered to push out here. The
// upload to the Provider is queued on Release (spec §4.3 close semantics).
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Release closes the handle through the File Manager
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.fs.fm.Close(fh.handle); err != nil {
		return fh.fs.errnoFromCore(err)
	}
	return 0
}

// Unlink removes a file through the File Manager
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	childPath := n.joinPath(name)
	if err := n.fs.fm.RemoveFile(ctx, childPath); err != nil {
		return n.fs.errnoFromCore(err)
	}
	n.fs.stats.mu.Lock()
	n.fs.stats.Deletes++
	n.fs.stats.mu.Unlock()
	return 0
}

// Rmdir removes a directory through the File Manager
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	childPath := n.joinPath(name)
	if err := n.fs.fm.RemoveDirectory(ctx, childPath); err != nil {
		return n.fs.errnoFromCore(err)
	}
	return 0
}

// Rename moves a file or directory through the File Manager
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}

	from := n.joinPath(name)
	destDir, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EINVAL
	}
	to := destDir.joinPath(newName)

	isDir, err := n.fs.provider.IsDirectory(ctx, from)
	if err != nil {
		return n.fs.errnoFromCore(err)
	}

	if isDir {
		err = n.fs.fm.RenameDirectory(ctx, from, to)
	} else {
		const renameNoReplace = 1 // matches Linux renameat2(2) RENAME_NOREPLACE
		overwrite := flags&renameNoReplace == 0
		err = n.fs.fm.RenameFile(ctx, from, to, overwrite)
	}
	if err != nil {
		return n.fs.errnoFromCore(err)
	}
	return 0
}

// Helper methods for DirectoryNode

func (n *DirectoryNode) joinPath(name string) string {
	if n.path == "" {
		return "/" + name
	}
	return strings.TrimRight(n.path, "/") + "/" + name
}

func (n *DirectoryNode) createChildNode(name, childPath string, info *attrInfo) *fs.Inode {
	fileNode := &FileNode{fs: n.fs, path: childPath}
	return n.NewInode(context.Background(), fileNode, fs.StableAttr{Mode: fuse.S_IFREG})
}

func (n *DirectoryNode) createDirectoryNode(name, path string) *fs.Inode {
	dirNode := &DirectoryNode{fs: n.fs, path: path}
	return n.NewInode(context.Background(), dirNode, fs.StableAttr{Mode: fuse.S_IFDIR})
}
