//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/objectfs/internal/filemanager"
	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/openfile"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
)

// CgoFuseFS implements ObjectFS using cgofuse for cross-platform support
// (primarily Windows, via WinFsp). It is a thin cgofuse-API translation
// over the same File Manager / Provider pair the go-fuse FileSystem uses.
type CgoFuseFS struct {
	fuse.FileSystemBase

	fm       *filemanager.FileManager
	provider provider.Provider
	config   *Config

	mu         sync.RWMutex
	openFiles  map[uint64]*cgoOpenFile
	nextHandle uint64
	host       *fuse.FileSystemHost
	mounted    bool

	stats *Stats
}

// cgoOpenFile binds a cgofuse file handle to its File Manager handle
// and Open File.
type cgoOpenFile struct {
	apiPath string
	fmHandle uint64
	of       *openfile.OpenFile
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(fm *filemanager.FileManager, p provider.Provider, config *Config) *CgoFuseFS {
	return &CgoFuseFS{
		fm:         fm,
		provider:   p,
		config:     config,
		openFiles:  make(map[uint64]*cgoOpenFile),
		nextHandle: 1,
		stats:      &Stats{},
	}
}

// Mount mounts the filesystem
func (cf *CgoFuseFS) Mount(ctx context.Context) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if cf.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	cf.host = fuse.NewFileSystemHost(cf)

	options := []string{
		"-o", "fsname=objectfs",
		"-o", "subtype=objectfs",
		"-o", "allow_other",
	}

	switch {
	case strings.Contains(os.Getenv("GOOS"), "darwin"):
		options = append(options, "-o", "volname=ObjectFS")
	case strings.Contains(os.Getenv("GOOS"), "windows"):
		options = append(options, "-o", "FileSystemName=ObjectFS")
	}

	go func() {
		ret := cf.host.Mount(cf.config.MountPoint, options)
		if ret != 0 {
			log.Printf("Mount failed with code: %d", ret)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	cf.mounted = true
	log.Printf("ObjectFS mounted at: %s", cf.config.MountPoint)
	return nil
}

// Unmount unmounts the filesystem
func (cf *CgoFuseFS) Unmount() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if !cf.mounted {
		return fmt.Errorf("filesystem not mounted")
	}

	if cf.host != nil {
		ret := cf.host.Unmount()
		if ret != 0 {
			return fmt.Errorf("unmount failed with code: %d", ret)
		}
	}

	cf.mounted = false
	log.Printf("ObjectFS unmounted from: %s", cf.config.MountPoint)
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (cf *CgoFuseFS) IsMounted() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.mounted
}

// FUSE Operations Implementation

func apiPathOf(p string) string {
	if p == "/" || p == "" {
		return "/"
	}
	return p
}

func errnoFromCore(err error) int {
	return -int(apierr.ToErrno(apierr.CodeOf(err)))
}

// Getattr gets file attributes
func (cf *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	defer cf.recordOperation("getattr", time.Now())

	if path == "/" {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		return 0
	}

	ctx := context.Background()
	apiPath := apiPathOf(path)

	isDir, err := cf.provider.IsDirectory(ctx, apiPath)
	if err != nil {
		return errnoFromCore(err)
	}
	if isDir {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		return 0
	}

	isFile, err := cf.provider.IsFile(ctx, apiPath)
	if err != nil {
		return errnoFromCore(err)
	}
	if !isFile {
		return -fuse.ENOENT
	}

	size, err := cf.provider.GetFileSize(ctx, apiPath)
	if err != nil {
		return errnoFromCore(err)
	}
	meta, err := cf.provider.GetItemMeta(ctx, apiPath)
	if err != nil {
		return errnoFromCore(err)
	}

	stat.Mode = fuse.S_IFREG | 0644
	stat.Size = int64(size)
	stat.Nlink = 1
	if mod := meta[item.AttrModified]; mod != "" {
		t := item.ParseTimeNS(mod)
		stat.Mtim.Sec = t.Unix()
		stat.Mtim.Nsec = int64(t.Nanosecond())
	}
	return 0
}

// Open opens a file through the File Manager
func (cf *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	defer cf.recordOperation("open", time.Now())

	apiPath := apiPathOf(path)
	handle, of, err := cf.fm.Open(context.Background(), apiPath, false, uint32(flags))
	if err != nil {
		return errnoFromCore(err), 0
	}

	cf.mu.Lock()
	fh := cf.nextHandle
	cf.nextHandle++
	cf.openFiles[fh] = &cgoOpenFile{apiPath: apiPath, fmHandle: handle, of: of}
	cf.mu.Unlock()

	return 0, fh
}

// Create creates a new file through the File Manager
func (cf *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	defer cf.recordOperation("create", time.Now())

	apiPath := apiPathOf(path)
	meta := item.AttributeMap{}
	meta.SetSize(0)

	handle, of, err := cf.fm.Create(context.Background(), apiPath, meta, uint32(flags))
	if err != nil {
		return errnoFromCore(err), 0
	}

	cf.mu.Lock()
	fh := cf.nextHandle
	cf.nextHandle++
	cf.openFiles[fh] = &cgoOpenFile{apiPath: apiPath, fmHandle: handle, of: of}
	cf.mu.Unlock()

	return 0, fh
}

func (cf *CgoFuseFS) lookupHandle(fh uint64) (*cgoOpenFile, bool) {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	f, ok := cf.openFiles[fh]
	return f, ok
}

// Read reads from a file via its Open File's Chunk Downloader
func (cf *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	defer cf.recordOperation("read", start)

	f, ok := cf.lookupHandle(fh)
	if !ok {
		return -fuse.EBADF
	}

	data, err := f.of.Read(context.Background(), ofst, int64(len(buff)))
	if err != nil {
		return errnoFromCore(err)
	}
	copy(buff, data)
	return len(data)
}

// Write writes to a file's backing cache file
func (cf *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	defer cf.recordOperation("write", time.Now())

	f, ok := cf.lookupHandle(fh)
	if !ok {
		return -fuse.EBADF
	}

	n, err := f.of.Write(ofst, buff)
	if err != nil {
		return errnoFromCore(err)
	}
	return n
}

// Release closes a file through the File Manager
func (cf *CgoFuseFS) Release(path string, fh uint64) int {
	defer cf.recordOperation("release", time.Now())

	cf.mu.Lock()
	f, ok := cf.openFiles[fh]
	delete(cf.openFiles, fh)
	cf.mu.Unlock()
	if !ok {
		return -fuse.EBADF
	}

	if err := cf.fm.Close(f.fmHandle); err != nil {
		return errnoFromCore(err)
	}
	return 0
}

// Unlink removes a file through the File Manager
func (cf *CgoFuseFS) Unlink(path string) int {
	defer cf.recordOperation("unlink", time.Now())
	if err := cf.fm.RemoveFile(context.Background(), apiPathOf(path)); err != nil {
		return errnoFromCore(err)
	}
	return 0
}

// Mkdir creates a directory through the Provider
func (cf *CgoFuseFS) Mkdir(path string, mode uint32) int {
	defer cf.recordOperation("mkdir", time.Now())
	if err := cf.provider.CreateDirectory(context.Background(), apiPathOf(path), item.AttributeMap{}); err != nil {
		return errnoFromCore(err)
	}
	return 0
}

// Rmdir removes a directory through the File Manager
func (cf *CgoFuseFS) Rmdir(path string) int {
	defer cf.recordOperation("rmdir", time.Now())
	if err := cf.fm.RemoveDirectory(context.Background(), apiPathOf(path)); err != nil {
		return errnoFromCore(err)
	}
	return 0
}

// Rename moves a file or directory through the File Manager
func (cf *CgoFuseFS) Rename(oldpath, newpath string) int {
	defer cf.recordOperation("rename", time.Now())

	ctx := context.Background()
	from, to := apiPathOf(oldpath), apiPathOf(newpath)

	isDir, err := cf.provider.IsDirectory(ctx, from)
	if err != nil {
		return errnoFromCore(err)
	}
	if isDir {
		err = cf.fm.RenameDirectory(ctx, from, to)
	} else {
		err = cf.fm.RenameFile(ctx, from, to, true)
	}
	if err != nil {
		return errnoFromCore(err)
	}
	return 0
}

// Readdir reads directory contents
func (cf *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	defer cf.recordOperation("readdir", time.Now())

	fill(".", nil, 0)
	fill("..", nil, 0)

	items, err := cf.provider.GetDirectoryItems(context.Background(), apiPathOf(path))
	if err != nil {
		return errnoFromCore(err)
	}

	for _, it := range items {
		name := it.APIPath
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		if name == "" {
			continue
		}

		stat := &fuse.Stat_t{}
		if it.Directory {
			stat.Mode = fuse.S_IFDIR | 0755
			stat.Nlink = 2
		} else {
			stat.Mode = fuse.S_IFREG | 0644
			stat.Size = it.Size
			stat.Nlink = 1
		}

		if !fill(name, stat, 0) {
			break
		}
	}

	return 0
}

// GetStats returns filesystem statistics
func (cf *CgoFuseFS) GetStats() *FilesystemStats {
	s := cf.stats
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &FilesystemStats{
		Lookups:      s.Lookups,
		Opens:        s.Opens,
		Reads:        s.Reads,
		Writes:       s.Writes,
		BytesRead:    s.BytesRead,
		BytesWritten: s.BytesWritten,
		Errors:       s.Errors,
	}
}

func (cf *CgoFuseFS) recordOperation(op string, start time.Time) {
	cf.stats.mu.Lock()
	defer cf.stats.mu.Unlock()
	switch op {
	case "open", "create":
		cf.stats.Opens++
	case "read":
		cf.stats.Reads++
	case "write":
		cf.stats.Writes++
	}
}
