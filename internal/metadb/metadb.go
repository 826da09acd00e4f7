// Package metadb defines the two logical persistent tables of spec §4.2 —
// the Metadata Store and the File DB — and the interfaces the File Manager
// and Provider depend on. Each has two interchangeable physical
// implementations (internal/metadb/boltstore, an LSM variant built on
// go.etcd.io/bbolt, and internal/metadb/sqlstore, a relational variant
// built on gorm.io/gorm + gorm.io/driver/sqlite).
package metadb

import (
	"github.com/objectfs/objectfs/internal/item"
)

// MetadataStore is keyed by api_path; columns include the attribute map,
// the pinned flag, the file size, and the source path (spec §4.2).
type MetadataStore interface {
	// Clear removes every row.
	Clear() error

	// EnumerateAPIPaths calls cb for every known path in unspecified order.
	// It stops early if cb returns false or stop is closed.
	EnumerateAPIPaths(cb func(apiPath string) bool, stop <-chan struct{}) error

	GetItemMeta(apiPath string) (item.AttributeMap, error)
	SetItemMeta(apiPath string, meta item.AttributeMap) error
	SetItemMetaKey(apiPath, key, value string) error
	RemoveItemMeta(apiPath, key string) error

	GetPinned(apiPath string) (bool, error)
	SetPinned(apiPath string, pinned bool) error

	GetAPIPathBySourcePath(sourcePath string) (string, bool, error)

	// RemoveAPIPath deletes the row for apiPath, if any. Used both by
	// explicit remove operations and by Provider.Start reconciliation to
	// drop items no longer present remotely.
	RemoveAPIPath(apiPath string) error

	// RenameItemMeta moves the row at from to to, atomically with respect
	// to concurrent readers of either path.
	RenameItemMeta(from, to string) error

	GetTotalItemCount() (uint64, error)
	GetTotalSize() (uint64, error)
	GetPinnedFiles() ([]string, error)

	Close() error
}

// KDFConfig is one of the File DB's two key-derivation configurations
// (name-encryption, data-encryption), grounded in the encrypted
// passthrough provider's argon2-derived XChaCha20-Poly1305 keys.
type KDFConfig struct {
	Name       string `json:"name"` // "argon2id"
	Salt       []byte `json:"salt"`
	TimeCost   uint32 `json:"time_cost"`
	MemoryKiB  uint32 `json:"memory_kib"`
	Threads    uint8  `json:"threads"`
	KeyLenByte uint32 `json:"key_len_bytes"`
}

// FileRecord is one row of the File DB.
type FileRecord struct {
	APIPath    string
	Directory  bool
	SourcePath string
	IVList     [][]byte
	NameKDF    KDFConfig
	DataKDF    KDFConfig
}

// FileDB is keyed by api_path; columns include the directory flag, source
// path, per-chunk IV list, and the two KDF configurations (spec §4.2).
type FileDB interface {
	AddOrUpdateDirectory(apiPath string) error
	AddOrUpdateFile(rec FileRecord) error
	RemoveItem(apiPath string) error

	GetDirectoryByAPIPath(apiPath string) (bool, error)
	GetFileByAPIPath(apiPath string) (*FileRecord, bool, error)
	GetAPIPathBySourcePath(sourcePath string) (string, bool, error)

	EnumerateItemList() ([]FileRecord, error)

	Clear() error
	Count() (uint64, error)

	Close() error
}
