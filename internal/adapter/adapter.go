// Package adapter wires together the Provider, Metadata Store, File
// Manager, and FUSE mount manager into the single runnable unit a host
// process starts and stops.
package adapter

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/objectfs/objectfs/internal/cache"
	"github.com/objectfs/objectfs/internal/cacheacct"
	"github.com/objectfs/objectfs/internal/circuit"
	"github.com/objectfs/objectfs/internal/config"
	"github.com/objectfs/objectfs/internal/events"
	"github.com/objectfs/objectfs/internal/filemanager"
	"github.com/objectfs/objectfs/internal/fuse"
	"github.com/objectfs/objectfs/internal/health"
	"github.com/objectfs/objectfs/internal/metadb"
	"github.com/objectfs/objectfs/internal/metadb/boltstore"
	"github.com/objectfs/objectfs/internal/metadb/sqlstore"
	"github.com/objectfs/objectfs/internal/metrics"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/internal/provider/objectstore"
	"github.com/objectfs/objectfs/internal/provider/remotemount"
	"github.com/objectfs/objectfs/internal/provider/renterd"
	"github.com/objectfs/objectfs/internal/storage/s3"
	"github.com/objectfs/objectfs/internal/uploadqueue"
	"github.com/objectfs/objectfs/pkg/profiling"
	"github.com/objectfs/objectfs/pkg/utils"
)

// Adapter owns the full stack for one mounted Provider: the Metadata
// Store, the File Manager, and the platform mount manager.
type Adapter struct {
	storageURI string
	mountPoint string
	config     *config.Configuration

	provider provider.Provider
	metaDB   metadb.MetadataStore
	resumeDB metadb.ResumeStore
	fm       *filemanager.FileManager
	mountMgr fuse.PlatformFileSystem
	metrics  *metrics.Collector
	health   *health.Monitor
	memmon   *profiling.MemoryMonitor

	started    bool
	bucketName string
}

// New validates storageURI and cfg and returns an unstarted Adapter.
func New(ctx context.Context, storageURI, mountPoint string, cfg *config.Configuration) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	bucketName, err := bucketFromURI(storageURI)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		storageURI: storageURI,
		mountPoint: mountPoint,
		config:     cfg,
		bucketName: bucketName,
	}, nil
}

func bucketFromURI(storageURI string) (string, error) {
	if storageURI == "" {
		return "", nil
	}
	parsed, err := url.Parse(storageURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse storage URI: %w", err)
	}
	switch parsed.Scheme {
	case "s3", "sia", "relay":
		bucket := strings.TrimPrefix(parsed.Host, "")
		if bucket == "" {
			return "", fmt.Errorf("bucket name cannot be empty in storage URI: %s", storageURI)
		}
		return bucket, nil
	default:
		return "", fmt.Errorf("unsupported storage scheme: %s (use s3://, sia://, or relay://)", parsed.Scheme)
	}
}

// Start builds every collaborator and mounts the filesystem.
func (a *Adapter) Start(ctx context.Context) error {
	if a.started {
		return fmt.Errorf("adapter already started")
	}

	core := a.config.Core
	log.Printf("Starting ObjectFS adapter (provider=%s, mount=%s)...", core.Provider, a.mountPoint)

	logger, err := utils.NewStructuredLogger(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled: a.config.Monitoring.Metrics.Enabled,
		Port:    a.config.Global.MetricsPort,
		Labels:  a.config.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics collector: %w", err)
	}
	if a.config.Monitoring.Metrics.Enabled {
		if err := a.metrics.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics collector: %w", err)
		}
	}

	bus := events.New()
	bus.Subscribe(events.SubscriberFunc(a.recordEventMetric))

	if a.metaDB, err = a.openMetaStore(); err != nil {
		return err
	}
	if a.resumeDB, err = boltstore.OpenResumeStore(core.MetadataStore.Path + ".resume"); err != nil {
		return fmt.Errorf("failed to open resume store: %w", err)
	}

	if a.provider, err = a.buildProvider(ctx, logger); err != nil {
		return err
	}

	accountant := cacheacct.New(core.MaxCacheSizeBytes, nil)
	tracker := cache.NewAccessTracker()

	a.fm = filemanager.New(filemanager.Deps{
		Provider:      a.provider,
		MetaStore:     a.metaDB,
		ResumeStore:   a.resumeDB,
		Accountant:    accountant,
		Events:        bus,
		Logger:        logger,
		AccessTracker: tracker,
	}, filemanager.Config{
		CacheDirectory:   core.CacheDirectory,
		ChunkSize:        core.ChunkSizeBytes,
		ReadAheadCount:   core.ReadAheadCount,
		ReadBehindCount:  core.ReadBehindCount,
		ReadEndBytes:     core.ReadEndBytes,
		ChunkTimeoutSecs: core.ChunkTimeoutSecs,
		RetryReadCount:   core.RetryReadCount,

		HighWatermarkBytes: core.Eviction.HighWatermarkBytes,
		LowWatermarkBytes:  core.MaxCacheSizeBytes / 2,
		EvictionInterval:   core.Eviction.Interval,
		UploadBackoff: uploadqueue.BackoffConfig{
			MaxAttempts:  core.Upload.MaxAttempts,
			InitialDelay: core.Upload.InitialDelay,
			MaxDelay:     core.Upload.MaxDelay,
			Multiplier:   2,
		},
		ShutdownDrainWindow: 30 * time.Second,
	})
	if err := a.fm.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file manager: %w", err)
	}

	if a.config.Monitoring.HealthChecks.Enabled {
		a.health, err = health.NewMonitor(&health.MonitorConfig{
			Enabled:         true,
			MonitorInterval: a.config.Monitoring.HealthChecks.Interval,
		})
		if err != nil {
			return fmt.Errorf("failed to create health monitor: %w", err)
		}
		if err := a.health.RegisterComponent(health.NewProviderComponent(core.Provider, a.provider)); err != nil {
			return fmt.Errorf("failed to register provider health check: %w", err)
		}
		if err := a.health.Start(ctx); err != nil {
			return fmt.Errorf("failed to start health monitor: %w", err)
		}
	}

	if a.config.Global.ProfilePort > 0 {
		a.memmon = profiling.NewMemoryMonitor(profiling.MonitorConfig{
			Enabled:        true,
			Port:           a.config.Global.ProfilePort,
			SampleInterval: 10 * time.Second,
			MaxSamples:     1000,
			EnablePprof:    true,
		}, profiling.DefaultAlertThresholds())
		a.memmon.AddAlertCallback(func(alert profiling.Alert) {
			bus.Emit(events.RepertoryException, alert.Message, map[string]string{"alert_type": alert.Type})
		})
		if err := a.memmon.Start(ctx); err != nil {
			return fmt.Errorf("failed to start memory monitor: %w", err)
		}
	}

	mountConfig := &fuse.MountConfig{
		MountPoint: a.mountPoint,
		Options: &fuse.MountOptions{
			FSName:   "objectfs",
			Subtype:  core.Provider,
			MaxRead:  128 * 1024,
			MaxWrite: 128 * 1024,
			ReadOnly: a.provider.IsReadOnly(),
		},
	}
	a.mountMgr = fuse.CreatePlatformMountManager(a.fm, a.provider, mountConfig)

	if err := a.mountMgr.Mount(ctx); err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	a.started = true
	bus.Emit(events.DriveMounted, "objectfs mounted", map[string]string{"mount_point": a.mountPoint})
	log.Printf("ObjectFS adapter started successfully")
	return nil
}

// openMetaStore opens the Metadata Store variant named by
// core.MetadataStore.Driver.
func (a *Adapter) openMetaStore() (metadb.MetadataStore, error) {
	core := a.config.Core
	switch core.MetadataStore.Driver {
	case "sqlite":
		return sqlstore.OpenMetaStore(core.MetadataStore.Path)
	case "", "bbolt":
		return boltstore.OpenMetaStore(core.MetadataStore.Path)
	default:
		return nil, fmt.Errorf("unknown metadata store driver: %s", core.MetadataStore.Driver)
	}
}

// buildProvider constructs the Provider variant named by core.Provider
// and, when the circuit breaker is enabled, wraps it so a backend that
// starts failing every request gets a cooldown window.
func (a *Adapter) buildProvider(ctx context.Context, logger *utils.StructuredLogger) (provider.Provider, error) {
	p, err := a.buildBaseProvider(ctx, logger)
	if err != nil {
		return nil, err
	}
	if !a.config.Network.CircuitBreaker.Enabled {
		return p, nil
	}
	return circuit.Wrap(p, circuit.Config{
		Timeout:     a.config.Network.CircuitBreaker.Timeout,
		ReadyToTrip: func(c circuit.Counts) bool {
			return c.ConsecutiveFailures >= uint32(a.config.Network.CircuitBreaker.FailureThreshold)
		},
	}), nil
}

func (a *Adapter) buildBaseProvider(ctx context.Context, logger *utils.StructuredLogger) (provider.Provider, error) {
	core := a.config.Core

	switch core.Provider {
	case "renterd":
		return renterd.New(renterd.Config{
			BaseURL:        core.Renterd.BaseURL,
			Bucket:         firstNonEmpty(a.bucketName, core.Renterd.Bucket),
			APIPassword:    core.Renterd.APIPassword,
			RetryReadCount: core.RetryReadCount,
			CacheDirectory: core.CacheDirectory,
		}, a.metaDB, logger), nil

	case "remote_mount":
		return remotemount.New(remotemount.Config{
			Network:        core.RemoteMount.Network,
			Address:        core.RemoteMount.Address,
			DialTimeout:    10 * time.Second,
			RequestTimeout: 30 * time.Second,
		})

	case "", "s3", "objectstore", "object_store":
		return objectstore.New(ctx, objectstore.Config{
			Backend: &s3.Config{
				Region:         core.S3.Region,
				Endpoint:       core.S3.Endpoint,
				AccessKeyID:    core.S3.AccessKeyID,
				SecretAccessKey: core.S3.SecretAccessKey,
				ForcePathStyle: core.S3.ForcePathStyle,
			},
			Bucket:         firstNonEmpty(a.bucketName, core.S3.Bucket),
			RetryReadCount: core.RetryReadCount,
			CacheDirectory: core.CacheDirectory,
		}, a.metaDB, logger)

	default:
		return nil, fmt.Errorf("unknown provider: %s", core.Provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// recordEventMetric feeds File Manager lifecycle events into the
// Prometheus collector so upload/eviction activity is observable
// without each subsystem importing internal/metrics directly.
func (a *Adapter) recordEventMetric(e events.Event) {
	if a.metrics == nil {
		return
	}
	switch e.Type {
	case events.FileUploadCompleted:
		a.metrics.RecordOperation("upload", 0, 0, true)
	case events.FailedUploadQueued, events.FailedUploadRetry:
		a.metrics.RecordOperation("upload", 0, 0, false)
	case events.FilesystemItemEvicted:
		a.metrics.RecordCacheHit("eviction", 0)
	case events.RepertoryException:
		a.metrics.RecordError("provider", fmt.Errorf("%s", e.Summary))
	}
}

// Stop unmounts the filesystem and releases every collaborator.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.started {
		return fmt.Errorf("adapter not started")
	}
	log.Printf("Stopping ObjectFS adapter...")

	var lastErr error

	if a.mountMgr != nil && a.mountMgr.IsMounted() {
		if err := a.mountMgr.Unmount(); err != nil {
			log.Printf("Error unmounting filesystem: %v", err)
			lastErr = err
		}
	}
	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			log.Printf("Error stopping health monitor: %v", err)
			lastErr = err
		}
	}
	if a.fm != nil {
		if err := a.fm.Stop(); err != nil {
			log.Printf("Error stopping file manager: %v", err)
			lastErr = err
		}
	}
	if a.memmon != nil {
		if err := a.memmon.Stop(ctx); err != nil {
			log.Printf("Error stopping memory monitor: %v", err)
			lastErr = err
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			log.Printf("Error stopping metrics collector: %v", err)
			lastErr = err
		}
	}

	a.started = false
	log.Printf("ObjectFS adapter stopped")
	return lastErr
}
