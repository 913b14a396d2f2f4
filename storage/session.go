package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// ErrSessionClosed is returned when a committed or rolled back session is used.
var ErrSessionClosed = errors.New("storage: session closed")

// Session buffers writes on top of a parent database until Commit or Rollback.
// It is the undo layer the host engine wraps around every unit of work so that
// code and metadata mutations made while executing an action are discarded
// together when the action aborts.
//
// Sessions may be stacked: a session's parent may itself be a session.
// Session is not safe for concurrent use.
type Session struct {
	parent Database
	writes map[string][]byte
	dels   map[string]struct{}
	closed bool
}

// NewSession opens an undo session over parent.
func NewSession(parent Database) *Session {
	return &Session{
		parent: parent,
		writes: make(map[string][]byte),
		dels:   make(map[string]struct{}),
	}
}

func (s *Session) Put(key []byte, value []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	k := string(key)
	delete(s.dels, k)
	s.writes[k] = copyBytes(value)
	return nil
}

func (s *Session) Get(key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	k := string(key)
	if v, ok := s.writes[k]; ok {
		return copyBytes(v), nil
	}
	if _, ok := s.dels[k]; ok {
		return nil, ErrNotFound
	}
	return s.parent.Get(key)
}

func (s *Session) Has(key []byte) (bool, error) {
	if s.closed {
		return false, ErrSessionClosed
	}
	k := string(key)
	if _, ok := s.writes[k]; ok {
		return true, nil
	}
	if _, ok := s.dels[k]; ok {
		return false, nil
	}
	return s.parent.Has(key)
}

func (s *Session) Delete(key []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	k := string(key)
	delete(s.writes, k)
	s.dels[k] = struct{}{}
	return nil
}

// Iterate merges the parent's view with the pending writes and deletes.
func (s *Session) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	if s.closed {
		return ErrSessionClosed
	}
	merged := make(map[string][]byte)
	if err := s.parent.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	}); err != nil {
		return err
	}
	for k := range s.dels {
		delete(merged, k)
	}
	for k, v := range s.writes {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), copyBytes(merged[k])) {
			return nil
		}
	}
	return nil
}

// Write stages a batch inside the session.
func (s *Session) Write(batch *Batch) error {
	if batch == nil {
		return nil
	}
	for _, op := range batch.ops {
		var err error
		if op.delete {
			err = s.Delete(op.key)
		} else {
			err = s.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Dirty reports whether the session holds uncommitted changes.
func (s *Session) Dirty() bool {
	return len(s.writes) > 0 || len(s.dels) > 0
}

// Commit flushes the buffered changes to the parent in one batch.
func (s *Session) Commit() error {
	if s.closed {
		return ErrSessionClosed
	}
	batch := new(Batch)
	for k := range s.dels {
		batch.Delete([]byte(k))
	}
	for k, v := range s.writes {
		batch.Put([]byte(k), v)
	}
	if err := s.parent.Write(batch); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	s.close()
	return nil
}

// Rollback discards every buffered change.
func (s *Session) Rollback() {
	if s.closed {
		return
	}
	s.close()
}

// Close rolls back an uncommitted session.
func (s *Session) Close() {
	s.Rollback()
}

func (s *Session) close() {
	s.closed = true
	s.writes = nil
	s.dels = nil
}
