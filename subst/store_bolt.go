package subst

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"
)

// StoreBolt keeps records in a standalone BoltDB file.
const StoreBolt = "bolt"

var bucketSubstitutions = []byte("substitutions")

// BoltStore keeps records in a local BoltDB file outside the host's state.
// Writes commit immediately and are not undone by a rolled-back unit of work.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the BoltDB file at path.
func OpenBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("subst: open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubstitutions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Find(account string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = decodeBoltRecord(tx, account)
		return err
	})
	return rec, err
}

func (s *BoltStore) Insert(rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubstitutions)
		if bucket.Get([]byte(rec.Account)) != nil {
			return fmt.Errorf("subst: record for %s already exists", rec.Account)
		}
		return putBoltRecord(bucket, rec)
	})
}

func (s *BoltStore) Update(account string, mutate func(*Record)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := decodeBoltRecord(tx, account)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: substitution metadata for account %s", ErrNotFound, account)
		}
		mutate(rec)
		rec.Account = account
		return putBoltRecord(tx.Bucket(bucketSubstitutions), rec)
	})
}

func (s *BoltStore) Delete(account string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubstitutions).Delete([]byte(account))
	})
}

func (s *BoltStore) List() ([]string, error) {
	var accounts []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubstitutions).ForEach(func(k, _ []byte) error {
			accounts = append(accounts, string(k))
			return nil
		})
	})
	return accounts, err
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeBoltRecord(tx *bolt.Tx, account string) (*Record, error) {
	raw := tx.Bucket(bucketSubstitutions).Get([]byte(account))
	if raw == nil {
		return nil, nil
	}
	rec := new(Record)
	if err := rlp.DecodeBytes(raw, rec); err != nil {
		return nil, fmt.Errorf("subst: decode record %s: %w", account, err)
	}
	return rec, nil
}

func putBoltRecord(bucket *bolt.Bucket, rec *Record) error {
	encoded, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(rec.Account), encoded)
}
