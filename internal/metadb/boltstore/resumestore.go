package boltstore

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/objectfs/objectfs/internal/metadb"
)

var bucketResume = []byte("resume")

// ResumeStore is the bbolt-backed metadb.ResumeStore.
type ResumeStore struct {
	db *bolt.DB
}

// OpenResumeStore opens (creating if necessary) a bbolt-backed
// ResumeStore at path.
func OpenResumeStore(path string) (*ResumeStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResume)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ResumeStore{db: db}, nil
}

func (s *ResumeStore) Put(entry metadb.ResumeEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).Put([]byte(entry.APIPath), data)
	})
}

func (s *ResumeStore) Get(apiPath string) (*metadb.ResumeEntry, bool, error) {
	var out *metadb.ResumeEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketResume).Get([]byte(apiPath))
		if v == nil {
			return nil
		}
		var entry metadb.ResumeEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		out = &entry
		return nil
	})
	return out, out != nil, err
}

func (s *ResumeStore) Remove(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).Delete([]byte(apiPath))
	})
}

func (s *ResumeStore) EnumerateAll() ([]metadb.ResumeEntry, error) {
	var out []metadb.ResumeEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).ForEach(func(k, v []byte) error {
			var entry metadb.ResumeEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

func (s *ResumeStore) Close() error {
	return s.db.Close()
}

var _ metadb.ResumeStore = (*ResumeStore)(nil)
