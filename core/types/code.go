package types

import "github.com/ethereum/go-ethereum/common"

// Baseline vm tags. Substituted code is always installed as a plain module for
// the baseline interpreter.
const (
	BaselineVMType    uint8 = 0
	BaselineVMVersion uint8 = 0
)

// CodeObject holds the bytes installed under a declared code hash. Several
// accounts may share one object; RefCount tracks them.
type CodeObject struct {
	CodeHash       common.Hash `json:"codeHash"`
	Code           []byte      `json:"code"`
	RefCount       uint64      `json:"refCount"`
	FirstBlockUsed uint64      `json:"firstBlockUsed"`
	VMType         uint8       `json:"vmType"`
	VMVersion      uint8       `json:"vmVersion"`
}

// ActualHash hashes the bytes currently stored in the object.
func (c *CodeObject) ActualHash() common.Hash {
	return HashCode(c.Code)
}

// Copy returns a deep copy of the object.
func (c *CodeObject) Copy() *CodeObject {
	if c == nil {
		return nil
	}
	out := *c
	out.Code = append([]byte(nil), c.Code...)
	return &out
}
