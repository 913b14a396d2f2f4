package subst

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"codesubst/storage"
)

var metaPrefix = []byte("subst/meta/")

func metaKey(account string) []byte {
	buf := make([]byte, len(metaPrefix)+len(account))
	copy(buf, metaPrefix)
	copy(buf[len(metaPrefix):], account)
	return buf
}

// KVStore keeps records in the host's key/value state. The database is resolved
// through view on every call so writes land in the host's current unit of work
// and roll back with it.
type KVStore struct {
	view func() storage.Database
}

// NewKVStore builds a store over the database returned by view.
func NewKVStore(view func() storage.Database) *KVStore {
	return &KVStore{view: view}
}

func (s *KVStore) Find(account string) (*Record, error) {
	data, err := s.view().Get(metaKey(account))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := new(Record)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, fmt.Errorf("subst: decode record %s: %w", account, err)
	}
	return rec, nil
}

func (s *KVStore) Insert(rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	ok, err := s.view().Has(metaKey(rec.Account))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("subst: record for %s already exists", rec.Account)
	}
	return s.put(rec)
}

func (s *KVStore) Update(account string, mutate func(*Record)) error {
	rec, err := s.Find(account)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: substitution metadata for account %s", ErrNotFound, account)
	}
	mutate(rec)
	rec.Account = account
	return s.put(rec)
}

func (s *KVStore) Delete(account string) error {
	return s.view().Delete(metaKey(account))
}

func (s *KVStore) List() ([]string, error) {
	var accounts []string
	err := s.view().Iterate(metaPrefix, func(key, _ []byte) bool {
		accounts = append(accounts, string(key[len(metaPrefix):]))
		return true
	})
	return accounts, err
}

func (s *KVStore) put(rec *Record) error {
	encoded, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return err
	}
	return s.view().Put(metaKey(rec.Account), encoded)
}
