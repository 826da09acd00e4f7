/*
Package fuse provides cross-platform FUSE filesystem implementation for ObjectFS.

This package translates kernel file and directory operations into File Manager and
Provider calls. Two FUSE bindings are selected by build tag: go-fuse by default, and
cgofuse (WinFsp on Windows) with the cgofuse tag.

# Architecture Overview

The FUSE layer acts as the bridge between POSIX applications and object storage:

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	│        (ls, cat, cp, vim, databases)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Kernel VFS Layer              │
	│           (POSIX System Calls)             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               FUSE Driver                   │
	│          (Platform-specific)               │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            ObjectFS FUSE Layer              │  ← This Package
	│  ┌─────────────────────────────────────────┐  │
	│  │        Cross-Platform Abstraction      │  │
	│  │  ┌─────────────┐ ┌─────────────────┐   │  │
	│  │  │ go-fuse     │ │ cgofuse         │   │  │
	│  │  │ (Linux)     │ │ (macOS/Windows) │   │  │
	│  │  └─────────────┘ └─────────────────┘   │  │
	│  └─────────────────────────────────────────┘  │
	│                     │                       │
	│  ┌─────────────────────────────────────────┐  │
	│  │     File Manager / Provider calls      │  │
	│  │  • File Operations  • Directory Ops   │  │
	│  │  • Attribute lookup (stat)            │  │
	│  └─────────────────────────────────────────┘  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             Object Storage Backend          │
	│     (S3, renterd, remote mount relay)       │
	└─────────────────────────────────────────────┘

# Platform Support

Multi-platform FUSE implementation with build constraints:

Default Build (go-fuse):
- Target: Linux (primary platform)
- Implementation: github.com/hanwen/go-fuse/v2
- Performance: Optimal for Linux environments
- Features: the operations listed below, read-only mode, operation statistics

CGO Build (cgofuse):
- Target: macOS, Windows, Linux (fallback)
- Implementation: github.com/winfsp/cgofuse
- Performance: Cross-platform compatibility
- Features: Broader OS support, consistent behavior

Build Selection:
	// Linux with high performance
	go build -tags default ./...
	
	// Cross-platform compatibility
	go build -tags cgofuse ./...

# FileSystem Operations

The go-fuse binding implements these operations:

File Operations:
- open, create, read, write, flush (a no-op), release
- unlink

Directory Operations:
- lookup, readdir
- mkdir, rmdir
- rename (files and directories; RENAME_NOREPLACE is honored for files)

Metadata Operations:
- getattr, answered from the Provider without opening the item

The cgofuse binding implements getattr, open, create, read, write, release,
unlink, mkdir, rmdir, rename and readdir. Neither binding implements
truncate/setattr, fsync, locks, chmod/chown, utimes, links or extended
attributes.

# Configuration

Flexible mount configuration options:

	config := &fuse.MountConfig{
		MountPoint: "/mnt/objectfs",
		Options: &fuse.MountOptions{
			ReadOnly:     false,
			AllowOther:   true,
			AllowRoot:    false,
			
			// Performance tuning
			MaxRead:      128 * 1024,  // 128KB read buffer
			MaxWrite:     128 * 1024,  // 128KB write buffer
			
			// Caching
			AttrTimeout:  5 * time.Second,
			EntryTimeout: 10 * time.Second,
			
			// Platform-specific
			FSName:       "objectfs",
			Subtype:      "s3",
		},
		Permissions: &fuse.Permissions{
			UID:      1000,
			GID:      1000,
			FileMode: 0644,
			DirMode:  0755,
		},
	}

# Usage Examples

Basic filesystem mounting:

	// Create mount manager; it builds its own FileSystem over the File Manager
	mountManager := fuse.CreatePlatformMountManager(
		fileManager,
		provider,
		config,
	)
	
	// Mount filesystem
	err := mountManager.Mount(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer mountManager.Unmount()

File operations through mounted filesystem:

	// Standard POSIX operations work transparently
	
	// Create file
	file, err := os.Create("/mnt/objectfs/data.txt")
	if err != nil {
		log.Fatal(err)
	}
	
	// Write data
	_, err = file.WriteString("Hello, ObjectFS!")
	if err != nil {
		log.Fatal(err)
	}
	file.Close()
	
	// Read file
	data, err := os.ReadFile("/mnt/objectfs/data.txt")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Content: %s\n", data)

Directory operations:

	// Create directory
	err := os.Mkdir("/mnt/objectfs/logs", 0755)
	
	// List directory contents
	entries, err := os.ReadDir("/mnt/objectfs")
	for _, entry := range entries {
		info, _ := entry.Info()
		fmt.Printf("%s %d %v\n", 
			entry.Name(), 
			info.Size(), 
			info.ModTime())
	}

# Data Path

Reads go through the Open File's Chunk Downloader, so read-ahead and caching
follow the File Manager configuration. Writes land synchronously in the Open
File's cache file; the upload to the Provider is queued when the last handle
is released. This package adds no caching, buffering, compression or retry
of its own.

# Object Storage Mapping

File and directory paths are passed to the File Manager and Provider
unchanged as api paths. Directory listings come from
Provider.GetDirectoryItems, and mkdir calls Provider.CreateDirectory.
Symbolic links, hard links, device files and named pipes are not supported.

# Permission Model

The go-fuse binding's getattr reports the configured DefaultMode, DefaultUID
and DefaultGID for every file; the cgofuse binding reports mode 0644 for files
and 0755 for directories. No permissions or ownership are stored. With
Config.ReadOnly set, the go-fuse binding refuses mkdir, create, write,
unlink, rmdir, rename and opens for writing with EROFS.

# Error Handling

Core errors are mapped to errno values with apierr.ToErrno(apierr.CodeOf(err)).
This package does not retry failed operations.

# Statistics and Monitoring

The go-fuse binding counts lookups, opens, creates, deletes, reads, writes,
bytes read and written and errors, and keeps running averages of lookup,
read and write time (GetStats). The cgofuse binding counts only opens,
reads and writes.

# Thread Safety

The statistics are guarded by a mutex, and the cgofuse binding guards its
handle table with a read-write mutex. MountManager's mounted flag is read and
written without a lock.

This package provides the critical bridge between standard POSIX applications
and modern object storage systems, enabling transparent, high-performance
access to cloud storage through familiar filesystem interfaces.
*/
package fuse