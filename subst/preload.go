package subst

import (
	"context"
	"fmt"
	"os"
)

// Preload reads each entry's binary from disk and upserts it as an active
// substitution, all in one unit of work. Nothing is applied if any file is
// unreadable.
func (c *Context) Preload(ctx context.Context, entries []Preload) error {
	if len(entries) == 0 {
		return nil
	}
	codes := make([][]byte, len(entries))
	for i, entry := range entries {
		code, err := os.ReadFile(entry.Path)
		if err != nil {
			return fmt.Errorf("%w: read substitute for %s: %v", ErrInvalidArgument, entry.Account, err)
		}
		codes[i] = code
	}
	err := c.host.Transact(ctx, func() error {
		for i, entry := range entries {
			if err := c.Upsert(entry.Account, entry.FromBlock, codes[i], true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("preloaded substitutions", "count", len(entries))
	return nil
}
