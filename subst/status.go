package subst

import (
	"github.com/ethereum/go-ethereum/common"

	"codesubst/core/vm"
)

// AccountStatus is the operator-facing view of one substitution.
type AccountStatus struct {
	Account          string             `json:"account"`
	FromBlock        uint64             `json:"from_block"`
	MustActivate     bool               `json:"must_activate"`
	OriginalHash     common.Hash        `json:"original_hash"`
	SubstitutionHash common.Hash        `json:"substitution_hash"`
	Applied          bool               `json:"applied"`
	Metadata         *AccountMetaStatus `json:"account_metadata_object,omitempty"`
	CodeObject       *CodeObjectStatus  `json:"code_object,omitempty"`
	CacheStatus      []vm.TierStatus    `json:"cache_status,omitempty"`
}

// AccountMetaStatus mirrors the host's per-account metadata.
type AccountMetaStatus struct {
	CodeHash       common.Hash `json:"code_hash"`
	CodeSequence   uint64      `json:"code_sequence"`
	RecvSequence   uint64      `json:"recv_sequence"`
	LastCodeUpdate uint64      `json:"last_code_update"`
	VMType         uint8       `json:"vm_type"`
	VMVersion      uint8       `json:"vm_version"`
}

// CodeObjectStatus mirrors the canonical code object, including the hash of the
// bytes actually stored under the declared hash.
type CodeObjectStatus struct {
	CodeHash       common.Hash `json:"code_hash"`
	ActualCodeHash common.Hash `json:"actual_code_hash"`
	RefCount       uint64      `json:"code_ref_count"`
	FirstBlockUsed uint64      `json:"first_block_used"`
	VMType         uint8       `json:"vm_type"`
	VMVersion      uint8       `json:"vm_version"`
}

// Status reports the record for account together with the host's view of its
// code. Missing records yield ErrNotFound.
func (c *Context) Status(account string) (*AccountStatus, error) {
	rec, err := c.Get(account)
	if err != nil {
		return nil, err
	}
	return c.status(rec)
}

// StatusAll reports every tracked substitution in account order.
func (c *Context) StatusAll() ([]*AccountStatus, error) {
	accounts, err := c.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]*AccountStatus, 0, len(accounts))
	for _, account := range accounts {
		rec, err := c.store.Find(account)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		st, err := c.status(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *Context) status(rec *Record) (*AccountStatus, error) {
	st := &AccountStatus{
		Account:          rec.Account,
		FromBlock:        rec.FromBlock,
		MustActivate:     rec.MustActivate,
		OriginalHash:     rec.OriginalHash(),
		SubstitutionHash: rec.SubstituteHash(),
	}
	meta, err := c.host.Codes().Account(rec.Account)
	if err != nil {
		return nil, err
	}
	if meta == nil || !meta.HasCode() {
		return st, nil
	}
	st.Metadata = &AccountMetaStatus{
		CodeHash:       meta.CodeHash,
		CodeSequence:   meta.CodeSequence,
		RecvSequence:   meta.RecvSequence,
		LastCodeUpdate: meta.LastCodeUpdate,
		VMType:         meta.VMType,
		VMVersion:      meta.VMVersion,
	}
	obj, err := c.codeObject(rec.Account)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return st, nil
	}
	st.CodeObject = &CodeObjectStatus{
		CodeHash:       obj.CodeHash,
		ActualCodeHash: obj.ActualHash(),
		RefCount:       obj.RefCount,
		FirstBlockUsed: obj.FirstBlockUsed,
		VMType:         obj.VMType,
		VMVersion:      obj.VMVersion,
	}
	st.Applied = obj.ActualHash() == rec.SubstituteHash()
	key := vm.CacheKey{CodeHash: obj.CodeHash, VMType: obj.VMType, VMVersion: obj.VMVersion}
	for _, tier := range c.host.CacheTiers() {
		st.CacheStatus = append(st.CacheStatus, tier.Status(key))
	}
	return st, nil
}
