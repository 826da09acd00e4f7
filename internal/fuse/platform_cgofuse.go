//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/objectfs/objectfs/internal/filemanager"
	"github.com/objectfs/objectfs/internal/provider"
)

// Platform-specific filesystem interface
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the cgofuse mount manager
func CreatePlatformMountManager(fm *filemanager.FileManager, p provider.Provider, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(fm, p, config)
}
