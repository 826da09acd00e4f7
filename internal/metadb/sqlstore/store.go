// Package sqlstore is the relational-variant physical implementation of
// the Metadata Store and File DB (spec §4.2), built on gorm.io/gorm and
// gorm.io/driver/sqlite. Grounded in the gorm/sqlite dependency surface
// rclone vendors for its cache backend (go-sql-driver/gorm.io/driver/sqlite
// in rclone's go.mod).
package sqlstore

import (
	"encoding/json"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/metadb"
)

type metaRow struct {
	APIPath    string `gorm:"primaryKey"`
	MetaJSON   string
	Pinned     bool `gorm:"index"`
	SourcePath string `gorm:"index"`
	Size       int64
}

func (metaRow) TableName() string { return "metadata_items" }

// MetaStore is the gorm/sqlite-backed MetadataStore.
type MetaStore struct {
	mu sync.Mutex
	db *gorm.DB
}

// OpenMetaStore opens (creating if necessary) a sqlite-backed MetadataStore
// at path.
func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&metaRow{}); err != nil {
		return nil, err
	}
	return &MetaStore{db: db}, nil
}

func (s *MetaStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec("DELETE FROM metadata_items").Error
}

func (s *MetaStore) EnumerateAPIPaths(cb func(apiPath string) bool, stop <-chan struct{}) error {
	var rows []metaRow
	if err := s.db.Select("api_path").Find(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		select {
		case <-stop:
			return nil
		default:
		}
		if !cb(r.APIPath) {
			return nil
		}
	}
	return nil
}

func (s *MetaStore) load(apiPath string) (*metaRow, item.AttributeMap, error) {
	var row metaRow
	err := s.db.Where("api_path = ?", apiPath).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, item.AttributeMap{}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	meta := item.AttributeMap{}
	if row.MetaJSON != "" {
		if err := json.Unmarshal([]byte(row.MetaJSON), &meta); err != nil {
			return nil, nil, err
		}
	}
	return &row, meta, nil
}

func (s *MetaStore) GetItemMeta(apiPath string) (item.AttributeMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, meta, err := s.load(apiPath)
	return meta, err
}

func (s *MetaStore) save(apiPath string, meta item.AttributeMap, pinned *bool) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	row := metaRow{
		APIPath:    apiPath,
		MetaJSON:   string(data),
		SourcePath: meta[item.AttrSource],
		Size:       meta.GetSize(),
	}
	if pinned != nil {
		row.Pinned = *pinned
	} else {
		row.Pinned = meta.IsPinned()
	}
	return s.db.Save(&row).Error
}

func (s *MetaStore) SetItemMeta(apiPath string, meta item.AttributeMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(apiPath, meta, nil)
}

func (s *MetaStore) SetItemMetaKey(apiPath, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, meta, err := s.load(apiPath)
	if err != nil {
		return err
	}
	meta[key] = value
	return s.save(apiPath, meta, nil)
}

func (s *MetaStore) RemoveItemMeta(apiPath, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, meta, err := s.load(apiPath)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}
	delete(meta, key)
	return s.save(apiPath, meta, nil)
}

func (s *MetaStore) GetPinned(apiPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, _, err := s.load(apiPath)
	if err != nil || row == nil {
		return false, err
	}
	return row.Pinned, nil
}

func (s *MetaStore) SetPinned(apiPath string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, meta, err := s.load(apiPath)
	if err != nil {
		return err
	}
	return s.save(apiPath, meta, &pinned)
}

func (s *MetaStore) GetAPIPathBySourcePath(sourcePath string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row metaRow
	err := s.db.Where("source_path = ?", sourcePath).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.APIPath, true, nil
}

// RemoveAPIPath deletes the row for apiPath, if any.
func (s *MetaStore) RemoveAPIPath(apiPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Where("api_path = ?", apiPath).Delete(&metaRow{}).Error
}

// RenameItemMeta moves the row keyed by from to to inside a single gorm
// transaction, the atomic-rename primitive spec §4.2 requires.
func (s *MetaStore) RenameItemMeta(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row metaRow
		err := tx.Where("api_path = ?", from).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("api_path = ?", to).Delete(&metaRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("api_path = ?", from).Delete(&metaRow{}).Error; err != nil {
			return err
		}
		row.APIPath = to
		return tx.Save(&row).Error
	})
}

func (s *MetaStore) GetTotalItemCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.Model(&metaRow{}).Count(&n).Error
	return uint64(n), err
}

func (s *MetaStore) GetTotalSize() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	err := s.db.Model(&metaRow{}).Select("COALESCE(SUM(size), 0)").Row().Scan(&total)
	return uint64(total), err
}

func (s *MetaStore) GetPinnedFiles() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []metaRow
	if err := s.db.Where("pinned = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.APIPath)
	}
	return out, nil
}

func (s *MetaStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// fileRow is the relational rendering of metadb.FileRecord.
type fileRow struct {
	APIPath    string `gorm:"primaryKey"`
	Directory  bool
	SourcePath string `gorm:"index"`
	IVListJSON string
	NameKDFJSON string
	DataKDFJSON string
}

func (fileRow) TableName() string { return "file_db_items" }

func (r fileRow) toRecord() (metadb.FileRecord, error) {
	rec := metadb.FileRecord{APIPath: r.APIPath, Directory: r.Directory, SourcePath: r.SourcePath}
	if r.IVListJSON != "" {
		if err := json.Unmarshal([]byte(r.IVListJSON), &rec.IVList); err != nil {
			return rec, err
		}
	}
	if r.NameKDFJSON != "" {
		if err := json.Unmarshal([]byte(r.NameKDFJSON), &rec.NameKDF); err != nil {
			return rec, err
		}
	}
	if r.DataKDFJSON != "" {
		if err := json.Unmarshal([]byte(r.DataKDFJSON), &rec.DataKDF); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func rowFromRecord(rec metadb.FileRecord) (fileRow, error) {
	ivData, err := json.Marshal(rec.IVList)
	if err != nil {
		return fileRow{}, err
	}
	nameKDF, err := json.Marshal(rec.NameKDF)
	if err != nil {
		return fileRow{}, err
	}
	dataKDF, err := json.Marshal(rec.DataKDF)
	if err != nil {
		return fileRow{}, err
	}
	return fileRow{
		APIPath:     rec.APIPath,
		Directory:   rec.Directory,
		SourcePath:  rec.SourcePath,
		IVListJSON:  string(ivData),
		NameKDFJSON: string(nameKDF),
		DataKDFJSON: string(dataKDF),
	}, nil
}

// FileStore is the gorm/sqlite-backed FileDB.
type FileStore struct {
	mu sync.Mutex
	db *gorm.DB
}

// OpenFileStore opens (creating if necessary) a sqlite-backed FileDB at
// path.
func OpenFileStore(path string) (*FileStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&fileRow{}); err != nil {
		return nil, err
	}
	return &FileStore{db: db}, nil
}

func (s *FileStore) AddOrUpdateDirectory(apiPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := fileRow{APIPath: apiPath, Directory: true}
	return s.db.Save(&row).Error
}

func (s *FileStore) AddOrUpdateFile(rec metadb.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := rowFromRecord(rec)
	if err != nil {
		return err
	}
	return s.db.Save(&row).Error
}

func (s *FileStore) RemoveItem(apiPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Where("api_path = ?", apiPath).Delete(&fileRow{}).Error
}

func (s *FileStore) GetDirectoryByAPIPath(apiPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row fileRow
	err := s.db.Where("api_path = ? AND directory = ?", apiPath, true).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *FileStore) GetFileByAPIPath(apiPath string) (*metadb.FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row fileRow
	err := s.db.Where("api_path = ? AND directory = ?", apiPath, false).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *FileStore) GetAPIPathBySourcePath(sourcePath string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row fileRow
	err := s.db.Where("source_path = ?", sourcePath).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	return row.APIPath, err == nil, err
}

func (s *FileStore) EnumerateItemList() ([]metadb.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []fileRow
	if err := s.db.Where("directory = ?", false).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]metadb.FileRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec("DELETE FROM file_db_items").Error
}

func (s *FileStore) Count() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.Model(&fileRow{}).Where("directory = ?", false).Count(&n).Error
	return uint64(n), err
}

func (s *FileStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
