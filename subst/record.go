package subst

import (
	"github.com/ethereum/go-ethereum/common"

	"codesubst/core/types"
)

// Record is the substitution metadata kept for one account. Hashes are never
// stored; they are derived from the current bytes on every call.
type Record struct {
	Account        string
	FromBlock      uint64
	OriginalCode   []byte
	SubstituteCode []byte
	MustActivate   bool
}

// OriginalHash hashes the captured canonical code, or returns the zero hash when
// no activation has captured anything yet.
func (r *Record) OriginalHash() common.Hash {
	if len(r.OriginalCode) == 0 {
		return types.ZeroHash
	}
	return types.HashCode(r.OriginalCode)
}

// SubstituteHash hashes the operator-supplied replacement.
func (r *Record) SubstituteHash() common.Hash {
	return types.HashCode(r.SubstituteCode)
}

// Captured reports whether an activation has stored the canonical bytes.
func (r *Record) Captured() bool {
	return len(r.OriginalCode) > 0
}

// Due reports whether the substitution should be enforced at blockNum.
func (r *Record) Due(blockNum uint64) bool {
	return r.MustActivate && blockNum >= r.FromBlock
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.OriginalCode = append([]byte(nil), r.OriginalCode...)
	out.SubstituteCode = append([]byte(nil), r.SubstituteCode...)
	return &out
}
