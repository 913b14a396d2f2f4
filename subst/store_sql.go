package subst

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// StoreSQL keeps records in a local SQLite database.
const StoreSQL = "sql"

// sqlRecord is the persisted form of a Record.
type sqlRecord struct {
	Account        string `gorm:"primaryKey;size:128"`
	FromBlock      uint64 `gorm:"not null"`
	OriginalCode   []byte
	SubstituteCode []byte `gorm:"not null"`
	MustActivate   bool   `gorm:"not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (sqlRecord) TableName() string { return "substitutions" }

func (r *sqlRecord) record() *Record {
	return &Record{
		Account:        r.Account,
		FromBlock:      r.FromBlock,
		OriginalCode:   append([]byte(nil), r.OriginalCode...),
		SubstituteCode: append([]byte(nil), r.SubstituteCode...),
		MustActivate:   r.MustActivate,
	}
}

// SQLStore keeps records in a gorm-managed SQLite table. Like MemStore it sits
// outside the host's unit of work: rolled-back blocks do not undo its writes.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens the SQLite database at dsn (a path or file: URI) and
// migrates the substitutions table. Find runs on the apply hook path, so DSNs
// naming a network server are rejected.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	if err := ValidateSQLDSN(dsn); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(strings.TrimSpace(dsn)), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("subst: open sql store: %w", err)
	}
	return NewSQLStore(db)
}

// ValidateSQLDSN accepts SQLite paths and file: URIs only.
func ValidateSQLDSN(dsn string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return fmt.Errorf("%w: sql store requires a DSN", ErrInvalidArgument)
	}
	if scheme, _, ok := strings.Cut(dsn, "://"); ok && scheme != "file" {
		return fmt.Errorf("%w: sql store must be a local sqlite database, got %s:// DSN", ErrInvalidArgument, scheme)
	}
	if strings.Contains(dsn, "host=") {
		return fmt.Errorf("%w: sql store must be a local sqlite database, got a server DSN", ErrInvalidArgument)
	}
	return nil
}

// NewSQLStore wraps an open connection and migrates the substitutions table.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database", ErrInvalidArgument)
	}
	if err := db.AutoMigrate(&sqlRecord{}); err != nil {
		return nil, fmt.Errorf("subst: migrate sql store: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Find(account string) (*Record, error) {
	var rows []sqlRecord
	if err := s.db.Where("account = ?", account).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].record(), nil
}

func (s *SQLStore) Insert(rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&sqlRecord{}).Where("account = ?", rec.Account).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("subst: record for %s already exists", rec.Account)
		}
		return tx.Create(&sqlRecord{
			Account:        rec.Account,
			FromBlock:      rec.FromBlock,
			OriginalCode:   append([]byte(nil), rec.OriginalCode...),
			SubstituteCode: append([]byte(nil), rec.SubstituteCode...),
			MustActivate:   rec.MustActivate,
		}).Error
	})
}

func (s *SQLStore) Update(account string, mutate func(*Record)) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row sqlRecord
		err := tx.Where("account = ?", account).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: substitution metadata for account %s", ErrNotFound, account)
		}
		if err != nil {
			return err
		}
		rec := row.record()
		mutate(rec)
		return tx.Model(&row).Select("FromBlock", "OriginalCode", "SubstituteCode", "MustActivate").Updates(sqlRecord{
			FromBlock:      rec.FromBlock,
			OriginalCode:   rec.OriginalCode,
			SubstituteCode: rec.SubstituteCode,
			MustActivate:   rec.MustActivate,
		}).Error
	})
}

func (s *SQLStore) Delete(account string) error {
	return s.db.Where("account = ?", account).Delete(&sqlRecord{}).Error
}

func (s *SQLStore) List() ([]string, error) {
	var accounts []string
	if err := s.db.Model(&sqlRecord{}).Order("account ASC").Pluck("account", &accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
