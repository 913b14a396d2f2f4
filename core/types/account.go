package types

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroHash is the digest reported for code that has never been captured.
var ZeroHash = common.Hash{}

// HashCode returns the SHA-256 digest of a code blob. Empty input hashes like any
// other blob; callers that need the zero sentinel for "nothing captured" check
// the length themselves.
func HashCode(code []byte) common.Hash {
	return common.Hash(sha256.Sum256(code))
}

// AccountMetadata is the host's authoritative description of the code installed
// for an account. CodeHash is the hash consensus believes is deployed; it does not
// change when the code object's bytes are swapped underneath it.
type AccountMetadata struct {
	Name           string      `json:"name"`
	RecvSequence   uint64      `json:"recvSequence"`
	CodeSequence   uint64      `json:"codeSequence"`
	CodeHash       common.Hash `json:"codeHash"`
	LastCodeUpdate uint64      `json:"lastCodeUpdate"`
	Flags          uint32      `json:"flags"`
	VMType         uint8       `json:"vmType"`
	VMVersion      uint8       `json:"vmVersion"`
}

// HasCode reports whether a contract is deployed on the account.
func (a *AccountMetadata) HasCode() bool {
	return a != nil && a.CodeHash != ZeroHash
}
