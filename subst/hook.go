package subst

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"codesubst/core/vm"
)

// Hook outcomes, also used as metric labels.
const (
	outcomeUntracked = "untracked"
	outcomeInactive  = "inactive"
	outcomePending   = "pending"
	outcomeNoCode    = "no_code"
	outcomeCaptured  = "captured"
	outcomeReapplied = "reapplied"
	outcomeSteady    = "steady"
	outcomeError     = "error"
)

// Hook adapts ApplyHook to the vm interface. The host always continues with its
// own execution path afterwards.
func (c *Context) Hook() vm.ApplyHook {
	return func(codeHash common.Hash, vmType, vmVersion uint8, actx *vm.ApplyContext) bool {
		c.ApplyHook(codeHash, vmType, vmVersion, actx)
		return true
	}
}

// ApplyHook reconciles the canonical code of the receiver before it runs. It
// executes inside the host's unit of work and never fails the action: errors
// and panics are logged and swallowed.
func (c *Context) ApplyHook(codeHash common.Hash, vmType, vmVersion uint8, actx *vm.ApplyContext) {
	if actx == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordHook(outcomeError)
			c.logger.Error("substitution hook panicked", "account", actx.Receiver, "panic", fmt.Sprint(r))
		}
	}()

	outcome, err := c.reconcile(codeHash, actx)
	if err != nil {
		c.metrics.RecordHook(outcomeError)
		c.logger.Error("substitution hook failed",
			"account", actx.Receiver,
			"code_hash", codeHash.Hex(),
			"vm_type", vmType,
			"vm_version", vmVersion,
			"error", err)
		return
	}
	c.metrics.RecordHook(outcome)
}

// reconcile decides between capture-and-swap, reapply and nothing. The declared
// hash is compared against the captured original to detect new deployments; the
// live bytes are compared against the substitute to detect reverted swaps.
func (c *Context) reconcile(codeHash common.Hash, actx *vm.ApplyContext) (string, error) {
	rec, err := c.store.Find(actx.Receiver)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return outcomeUntracked, nil
	}
	if !rec.MustActivate {
		return outcomeInactive, nil
	}
	if actx.BlockNum < rec.FromBlock {
		return outcomePending, nil
	}

	if codeHash != rec.OriginalHash() {
		c.logger.Info("new code deployed for substituted account, capturing",
			"account", rec.Account,
			"code_hash", codeHash.Hex(),
			"original_hash", rec.OriginalHash().Hex(),
			"block", actx.BlockNum)
		if err := c.Activate(rec.Account, true); err != nil {
			return "", err
		}
		return outcomeCaptured, nil
	}

	obj, err := c.codeObject(rec.Account)
	if err != nil {
		return "", err
	}
	if obj == nil {
		return outcomeNoCode, nil
	}
	if obj.ActualHash() != rec.SubstituteHash() {
		c.logger.Info("canonical code differs from substitute, reapplying",
			"account", rec.Account,
			"actual_hash", obj.ActualHash().Hex(),
			"subst_hash", rec.SubstituteHash().Hex())
		if err := c.Activate(rec.Account, false); err != nil {
			return "", err
		}
		return outcomeReapplied, nil
	}
	return outcomeSteady, nil
}
