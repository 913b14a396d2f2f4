package subst

import (
	"codesubst/core/vm"
)

// ResetCaches purges every cached artifact built for account's current code
// object from every configured tier.
func (c *Context) ResetCaches(account string) error {
	return c.resetCaches(account)
}

// resetCaches evicts the key of account's current code object plus any stale
// keys the caller captured before rewriting it, so an artifact keyed by the old
// vm tags cannot be served after the swap.
func (c *Context) resetCaches(account string, stale ...vm.CacheKey) error {
	obj, err := c.codeObject(account)
	if err != nil {
		return err
	}
	keys := make([]vm.CacheKey, 0, len(stale)+1)
	if obj != nil {
		keys = append(keys, vm.CacheKey{CodeHash: obj.CodeHash, VMType: obj.VMType, VMVersion: obj.VMVersion})
	}
	for _, key := range stale {
		if len(keys) > 0 && key == keys[0] {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}

	tiers := c.host.CacheTiers()
	names := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		names = append(names, tier.Name())
		for _, key := range keys {
			if tier.Evict(key) {
				c.metrics.RecordEviction(tier.Name())
			}
		}
	}
	c.logger.Debug("reset code cache", "account", account, "tiers", names, "keys", len(keys))
	return nil
}
