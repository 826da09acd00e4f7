// Package boltstore is the LSM-variant physical implementation of the
// Metadata Store and File DB (spec §4.2), backed by go.etcd.io/bbolt. One
// bucket per logical column family, JSON-encoded values. Grounded on
// rclone's backend/cache/storage_persistent.go, which persists an
// equivalent VFS chunk-cache index the same way.
package boltstore

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb"
)

var (
	bucketMeta       = []byte("meta")
	bucketPinned     = []byte("pinned")
	bucketSourceIdx  = []byte("source_index")
	bucketFiles      = []byte("files")
	bucketDirs       = []byte("dirs")
)

// MetaStore is the bbolt-backed MetadataStore.
type MetaStore struct {
	db *bolt.DB
}

// OpenMetaStore opens (creating if necessary) a bbolt-backed MetadataStore
// at path.
func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketPinned, bucketSourceIdx} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MetaStore{db: db}, nil
}

func (s *MetaStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketPinned, bucketSourceIdx} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MetaStore) EnumerateAPIPaths(cb func(apiPath string) bool, stop <-chan struct{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMeta).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			select {
			case <-stop:
				return nil
			default:
			}
			if !cb(string(k)) {
				return nil
			}
		}
		return nil
	})
}

func (s *MetaStore) GetItemMeta(apiPath string) (item.AttributeMap, error) {
	var out item.AttributeMap
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(apiPath))
		if v == nil {
			out = item.AttributeMap{}
			return nil
		}
		return json.Unmarshal(v, &out)
	})
	if out == nil {
		out = item.AttributeMap{}
	}
	return out, err
}

func (s *MetaStore) SetItemMeta(apiPath string, meta item.AttributeMap) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Put([]byte(apiPath), data); err != nil {
			return err
		}
		return s.setSourceIndex(tx, apiPath, meta)
	})
}

func (s *MetaStore) SetItemMetaKey(apiPath, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		meta := item.AttributeMap{}
		if v := b.Get([]byte(apiPath)); v != nil {
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
		}
		meta[key] = value
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(apiPath), data); err != nil {
			return err
		}
		return s.setSourceIndex(tx, apiPath, meta)
	})
}

func (s *MetaStore) RemoveItemMeta(apiPath, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		v := b.Get([]byte(apiPath))
		if v == nil {
			return nil
		}
		meta := item.AttributeMap{}
		if err := json.Unmarshal(v, &meta); err != nil {
			return err
		}
		delete(meta, key)
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(apiPath), data)
	})
}

func (s *MetaStore) GetPinned(apiPath string) (bool, error) {
	var pinned bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPinned).Get([]byte(apiPath))
		pinned = len(v) == 1 && v[0] == 1
		return nil
	})
	return pinned, err
}

func (s *MetaStore) SetPinned(apiPath string, pinned bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPinned)
		if pinned {
			return b.Put([]byte(apiPath), []byte{1})
		}
		return b.Delete([]byte(apiPath))
	})
}

func (s *MetaStore) GetAPIPathBySourcePath(sourcePath string) (string, bool, error) {
	var apiPath string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSourceIdx).Get([]byte(sourcePath))
		if v != nil {
			apiPath = string(v)
			ok = true
		}
		return nil
	})
	return apiPath, ok, err
}

// RemoveAPIPath deletes the row for apiPath, if any.
func (s *MetaStore) RemoveAPIPath(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		if v := mb.Get([]byte(apiPath)); v != nil {
			var meta item.AttributeMap
			if err := json.Unmarshal(v, &meta); err == nil {
				if src := meta[item.AttrSource]; src != "" {
					if err := tx.Bucket(bucketSourceIdx).Delete([]byte(src)); err != nil {
						return err
					}
				}
			}
		}
		if err := mb.Delete([]byte(apiPath)); err != nil {
			return err
		}
		return tx.Bucket(bucketPinned).Delete([]byte(apiPath))
	})
}

func (s *MetaStore) setSourceIndex(tx *bolt.Tx, apiPath string, meta item.AttributeMap) error {
	if src := meta[item.AttrSource]; src != "" {
		return tx.Bucket(bucketSourceIdx).Put([]byte(src), []byte(apiPath))
	}
	return nil
}

// RenameItemMeta moves the row keyed by from to to within a single bbolt
// transaction, the atomic-rename primitive spec §4.2 requires.
func (s *MetaStore) RenameItemMeta(from, to string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		v := mb.Get([]byte(from))
		if v == nil {
			return nil
		}
		if err := mb.Put([]byte(to), v); err != nil {
			return err
		}
		if err := mb.Delete([]byte(from)); err != nil {
			return err
		}
		var meta item.AttributeMap
		if err := json.Unmarshal(v, &meta); err == nil {
			if err := s.setSourceIndex(tx, to, meta); err != nil {
				return err
			}
		}

		pb := tx.Bucket(bucketPinned)
		if pv := pb.Get([]byte(from)); pv != nil {
			if err := pb.Put([]byte(to), pv); err != nil {
				return err
			}
			if err := pb.Delete([]byte(from)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MetaStore) GetTotalItemCount() (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(bucketMeta).Stats().KeyN)
		return nil
	})
	return n, err
}

func (s *MetaStore) GetTotalSize() (uint64, error) {
	var total uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			var meta item.AttributeMap
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil
			}
			total += uint64(meta.GetSize())
			return nil
		})
	})
	return total, err
}

func (s *MetaStore) GetPinnedFiles() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPinned).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func (s *MetaStore) Close() error { return s.db.Close() }

// FileStore is the bbolt-backed FileDB.
type FileStore struct {
	db *bolt.DB
}

// OpenFileStore opens (creating if necessary) a bbolt-backed FileDB at
// path.
func OpenFileStore(path string) (*FileStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open file db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketFiles, bucketDirs, bucketSourceIdx} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &FileStore{db: db}, nil
}

func (s *FileStore) AddOrUpdateDirectory(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFiles).Delete([]byte(apiPath)); err != nil {
			return err
		}
		return tx.Bucket(bucketDirs).Put([]byte(apiPath), []byte{1})
	})
}

func (s *FileStore) AddOrUpdateFile(rec metadb.FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDirs).Delete([]byte(rec.APIPath)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFiles).Put([]byte(rec.APIPath), data); err != nil {
			return err
		}
		if rec.SourcePath != "" {
			return tx.Bucket(bucketSourceIdx).Put([]byte(rec.SourcePath), []byte(rec.APIPath))
		}
		return nil
	})
}

func (s *FileStore) RemoveItem(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketFiles).Get([]byte(apiPath)); v != nil {
			var rec metadb.FileRecord
			if err := json.Unmarshal(v, &rec); err == nil && rec.SourcePath != "" {
				if err := tx.Bucket(bucketSourceIdx).Delete([]byte(rec.SourcePath)); err != nil {
					return err
				}
			}
		}
		if err := tx.Bucket(bucketFiles).Delete([]byte(apiPath)); err != nil {
			return err
		}
		return tx.Bucket(bucketDirs).Delete([]byte(apiPath))
	})
}

func (s *FileStore) GetDirectoryByAPIPath(apiPath string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketDirs).Get([]byte(apiPath)) != nil
		return nil
	})
	return ok, err
}

func (s *FileStore) GetFileByAPIPath(apiPath string) (*metadb.FileRecord, bool, error) {
	var rec *metadb.FileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFiles).Get([]byte(apiPath))
		if v == nil {
			return nil
		}
		var r metadb.FileRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, rec != nil, err
}

func (s *FileStore) GetAPIPathBySourcePath(sourcePath string) (string, bool, error) {
	var apiPath string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSourceIdx).Get([]byte(sourcePath))
		if v != nil {
			apiPath = string(v)
			ok = true
		}
		return nil
	})
	return apiPath, ok, err
}

func (s *FileStore) EnumerateItemList() ([]metadb.FileRecord, error) {
	var out []metadb.FileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var r metadb.FileRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (s *FileStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketFiles, bucketDirs, bucketSourceIdx} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *FileStore) Count() (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(bucketFiles).Stats().KeyN)
		return nil
	})
	return n, err
}

func (s *FileStore) Close() error { return s.db.Close() }
