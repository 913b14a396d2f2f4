package subst

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is the metadata table of substitution records, keyed by account.
// Find sits on the hook path and must be a point lookup.
type Store interface {
	// Find returns the record for account, or nil when none exists.
	Find(account string) (*Record, error)
	// Insert adds a new record; inserting an existing account fails.
	Insert(rec *Record) error
	// Update applies mutate to the stored record. Missing records yield ErrNotFound.
	Update(account string, mutate func(*Record)) error
	// Delete removes the record if present.
	Delete(account string) error
	// List returns every tracked account in ascending order.
	List() ([]string, error)
}

// Store kinds selectable from configuration.
const (
	StoreKV     = "kv"
	StoreMemory = "memory"
)

// MemStore keeps records in process memory. It does not take part in the host's
// commit/rollback, so an aborted unit of work leaves its metadata changes behind.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (s *MemStore) Find(account string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[account].Clone(), nil
}

func (s *MemStore) Insert(rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Account]; ok {
		return fmt.Errorf("subst: record for %s already exists", rec.Account)
	}
	s.records[rec.Account] = rec.Clone()
	return nil
}

func (s *MemStore) Update(account string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[account]
	if !ok {
		return fmt.Errorf("%w: substitution metadata for account %s", ErrNotFound, account)
	}
	updated := rec.Clone()
	mutate(updated)
	updated.Account = account
	s.records[account] = updated
	return nil
}

func (s *MemStore) Delete(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, account)
	return nil
}

func (s *MemStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]string, 0, len(s.records))
	for account := range s.records {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func validateRecord(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	if strings.TrimSpace(rec.Account) == "" {
		return fmt.Errorf("%w: account must not be empty", ErrInvalidArgument)
	}
	return nil
}
