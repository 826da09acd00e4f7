// Package cacheacct implements the Cache-Space Accountant of spec §2/§4:
// an atomic running total of bytes consumed by source files under the
// cache directory, enforcing a configurable maximum and exporting its
// state as Prometheus gauges the way the teacher's internal/metrics
// package exports its own counters.
package cacheacct

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Accountant tracks bytes currently consumed by source files (spec §3
// invariant 6: "the sum over all items of size_on_disk(source_path)
// equals the Cache-Space Accountant's reported usage, up to in-flight
// allocations").
type Accountant struct {
	mu       sync.Mutex
	used     int64
	max      int64

	usedGauge prometheus.Gauge
	maxGauge  prometheus.Gauge
}

// New constructs an Accountant with the given maximum, optionally
// registering gauges against registry (nil disables metrics export).
func New(maxBytes int64, registry *prometheus.Registry) *Accountant {
	a := &Accountant{max: maxBytes}
	a.usedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "objectfs",
		Subsystem: "cache",
		Name:      "used_bytes",
		Help:      "Bytes currently consumed by source files under the cache directory.",
	})
	a.maxGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "objectfs",
		Subsystem: "cache",
		Name:      "max_bytes",
		Help:      "Configured maximum cache-directory size in bytes.",
	})
	a.maxGauge.Set(float64(maxBytes))
	if registry != nil {
		registry.MustRegister(a.usedGauge, a.maxGauge)
	}
	return a
}

// Seed scans cacheDir and sets the accountant's initial usage to the sum
// of regular file sizes found there (spec §4.7 "start": "initialize the
// Cache-Space Accountant by scanning the cache directory").
func (a *Accountant) Seed(cacheDir string) error {
	var total int64
	err := filepath.WalkDir(cacheDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.used = total
	a.mu.Unlock()
	a.usedGauge.Set(float64(total))
	return nil
}

// Reserve reports whether adding delta bytes would keep usage within the
// configured maximum, without committing it; callers that intend to
// write should call Commit once the write lands.
func (a *Accountant) Reserve(delta int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.max > 0 && a.used+delta > a.max {
		return false
	}
	return true
}

// Commit records a size change (positive on growth, negative on
// shrink/delete/eviction) unconditionally; the Open File and Eviction
// Hook are the sole callers, and both first decide independently whether
// the change is allowed.
func (a *Accountant) Commit(delta int64) {
	a.mu.Lock()
	a.used += delta
	if a.used < 0 {
		a.used = 0
	}
	used := a.used
	a.mu.Unlock()
	a.usedGauge.Set(float64(used))
}

// Used returns current usage in bytes.
func (a *Accountant) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Max returns the configured maximum.
func (a *Accountant) Max() int64 {
	return a.max
}

// OverHighWatermark reports whether usage is at or above the given
// threshold, the Eviction Hook's trigger condition (spec §4.6).
func (a *Accountant) OverHighWatermark(highWatermark int64) bool {
	return a.Used() >= highWatermark
}
