package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"codesubst/core/types"
	"codesubst/storage"
)

// ErrCodeObjectMissing is returned when an account points at a code hash that
// has no stored code object.
var ErrCodeObjectMissing = errors.New("state: code object missing")

// Manager reads and writes the canonical code store. Every call resolves the
// database through view so that, while the engine runs a unit of work, reads and
// writes land in that unit's undo session.
type Manager struct {
	view func() storage.Database
}

// NewManager creates a state manager over the database returned by view.
func NewManager(view func() storage.Database) *Manager {
	return &Manager{view: view}
}

// NewManagerForDB is a convenience for callers holding a fixed database.
func NewManagerForDB(db storage.Database) *Manager {
	return NewManager(func() storage.Database { return db })
}

func (m *Manager) db() storage.Database {
	return m.view()
}

// KVGet decodes the RLP value stored under key into out. The boolean reports
// whether the key was present.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	data, err := m.db().Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut RLP-encodes value under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db().Put(key, encoded)
}

// Account returns the metadata for name, or nil when the account is unknown.
func (m *Manager) Account(name string) (*types.AccountMetadata, error) {
	meta := new(types.AccountMetadata)
	ok, err := m.KVGet(accountKey(name), meta)
	if err != nil || !ok {
		return nil, err
	}
	return meta, nil
}

// PutAccount stores the account metadata.
func (m *Manager) PutAccount(meta *types.AccountMetadata) error {
	if meta == nil || strings.TrimSpace(meta.Name) == "" {
		return fmt.Errorf("state: account name must not be empty")
	}
	return m.KVPut(accountKey(meta.Name), meta)
}

// CodeObject returns the object stored under hash, or nil when absent.
func (m *Manager) CodeObject(hash common.Hash) (*types.CodeObject, error) {
	obj := new(types.CodeObject)
	ok, err := m.KVGet(codeObjectKey(hash.Bytes()), obj)
	if err != nil || !ok {
		return nil, err
	}
	return obj, nil
}

// PutCodeObject stores obj under its declared hash.
func (m *Manager) PutCodeObject(obj *types.CodeObject) error {
	if obj == nil {
		return fmt.Errorf("state: nil code object")
	}
	return m.KVPut(codeObjectKey(obj.CodeHash.Bytes()), obj)
}

// UpdateCode loads the object under hash, applies mutate and stores the result.
func (m *Manager) UpdateCode(hash common.Hash, mutate func(*types.CodeObject)) error {
	obj, err := m.CodeObject(hash)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: %s", ErrCodeObjectMissing, hash)
	}
	mutate(obj)
	obj.CodeHash = hash
	return m.PutCodeObject(obj)
}

// AccountCode resolves the code object installed for an account. Both return
// values are nil when the account has no code deployed.
func (m *Manager) AccountCode(name string) (*types.AccountMetadata, *types.CodeObject, error) {
	meta, err := m.Account(name)
	if err != nil || !meta.HasCode() {
		return meta, nil, err
	}
	obj, err := m.CodeObject(meta.CodeHash)
	if err != nil {
		return meta, nil, err
	}
	if obj == nil {
		return meta, nil, fmt.Errorf("%w: account %s hash %s", ErrCodeObjectMissing, name, meta.CodeHash)
	}
	return meta, obj, nil
}

// Deploy installs code on an account the way a setcode action would: the
// account's declared hash moves to the new code, the previous object loses a
// reference and is dropped once unused.
func (m *Manager) Deploy(name string, code []byte, blockNum uint64) (*types.AccountMetadata, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("state: account name must not be empty")
	}
	meta, err := m.Account(name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &types.AccountMetadata{Name: name}
	}
	newHash := types.ZeroHash
	if len(code) > 0 {
		newHash = types.HashCode(code)
	}
	if meta.CodeHash == newHash {
		return meta, nil
	}
	if meta.HasCode() {
		if err := m.release(meta.CodeHash); err != nil {
			return nil, err
		}
	}
	if newHash != types.ZeroHash {
		obj, err := m.CodeObject(newHash)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			obj = &types.CodeObject{
				CodeHash:       newHash,
				Code:           append([]byte(nil), code...),
				FirstBlockUsed: blockNum,
				VMType:         types.BaselineVMType,
				VMVersion:      types.BaselineVMVersion,
			}
		}
		obj.RefCount++
		if err := m.PutCodeObject(obj); err != nil {
			return nil, err
		}
	}
	meta.CodeHash = newHash
	meta.CodeSequence++
	meta.LastCodeUpdate = blockNum
	meta.VMType = types.BaselineVMType
	meta.VMVersion = types.BaselineVMVersion
	if err := m.PutAccount(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// RecordReceive bumps the account's receive sequence.
func (m *Manager) RecordReceive(name string) error {
	meta, err := m.Account(name)
	if err != nil || meta == nil {
		return err
	}
	meta.RecvSequence++
	return m.PutAccount(meta)
}

func (m *Manager) release(hash common.Hash) error {
	obj, err := m.CodeObject(hash)
	if err != nil || obj == nil {
		return err
	}
	if obj.RefCount <= 1 {
		return m.db().Delete(codeObjectKey(hash.Bytes()))
	}
	obj.RefCount--
	return m.PutCodeObject(obj)
}
