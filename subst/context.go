package subst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"codesubst/core/state"
	"codesubst/core/types"
	"codesubst/core/vm"
	"codesubst/observability"
)

// Host is the slice of the execution engine the substitution context drives.
// core.Node satisfies it.
type Host interface {
	ChainID() string
	PendingBlockNum() uint64
	Codes() *state.Manager
	CacheTiers() []vm.CacheTier
	// Transact runs fn as one unit of work of the host. Calls made from inside
	// the apply hook are already inside one and never go through Transact.
	Transact(ctx context.Context, fn func() error) error
	// View runs fn against committed state while no unit of work is open.
	View(fn func() error) error
}

// Context orchestrates substitutions: CRUD over the metadata store, the
// activate/deactivate transitions against the canonical code store, and cache
// invalidation. It is not safe for concurrent use on its own; every mutating call
// must run inside one of the host's units of work (the apply hook always does).
type Context struct {
	host    Host
	store   Store
	logger  *slog.Logger
	metrics *observability.SubstMetrics

	manifestURLs        []*url.URL
	policy              Policy
	fetcher             Fetcher
	downloadConcurrency int
	refreshing          *semaphore.Weighted

	mu        sync.Mutex
	refresher *Refresher
}

// Option configures a Context.
type Option func(*Context)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		c.logger = l
	}
}

// WithMetrics overrides the metrics registry. Passing nil disables metrics.
func WithMetrics(m *observability.SubstMetrics) Option {
	return func(c *Context) {
		c.metrics = m
	}
}

// WithManifestPolicy selects how a manifest refresh treats substitutions the
// document does not mention.
func WithManifestPolicy(p Policy) Option {
	return func(c *Context) {
		c.policy = p
	}
}

// WithFetcher replaces the HTTP fetcher used for manifests and binaries.
func WithFetcher(f Fetcher) Option {
	return func(c *Context) {
		c.fetcher = f
	}
}

// WithDownloadConcurrency bounds the number of binaries fetched in parallel.
func WithDownloadConcurrency(n int) Option {
	return func(c *Context) {
		c.downloadConcurrency = n
	}
}

// NewContext builds a substitution context over host and store. Manifest
// sources must use http or https.
func NewContext(host Host, store Store, manifestURLs []string, opts ...Option) (*Context, error) {
	if host == nil {
		return nil, fmt.Errorf("subst: host required")
	}
	if store == nil {
		return nil, fmt.Errorf("subst: store required")
	}
	c := &Context{
		host:                host,
		store:               store,
		logger:              slog.Default(),
		metrics:             observability.Subst(),
		downloadConcurrency: defaultDownloadConcurrency,
		refreshing:          semaphore.NewWeighted(1),
	}
	for _, raw := range manifestURLs {
		u, err := parseManifestURL(raw)
		if err != nil {
			return nil, err
		}
		c.manifestURLs = append(c.manifestURLs, u)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "subst")
	if c.fetcher == nil {
		c.fetcher = NewHTTPFetcher(nil)
	}
	if c.downloadConcurrency <= 0 {
		c.downloadConcurrency = defaultDownloadConcurrency
	}
	if _, err := ParsePolicy(string(c.policy)); err != nil {
		return nil, err
	}
	return c, nil
}

// Find returns the record for account or nil when none exists.
func (c *Context) Find(account string) (*Record, error) {
	return c.store.Find(account)
}

// Get returns the record for account and fails with ErrNotFound when absent.
func (c *Context) Get(account string) (*Record, error) {
	rec, err := c.store.Find(account)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: substitution metadata for account %s", ErrNotFound, account)
	}
	return rec, nil
}

// Substitutions lists every tracked account in ascending order.
func (c *Context) Substitutions() ([]string, error) {
	return c.store.List()
}

// Upsert registers code as the substitute for account. A new record starts with
// nothing captured; an existing one keeps its captured original.
func (c *Context) Upsert(account string, fromBlock uint64, code []byte, mustActivate bool) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return fmt.Errorf("%w: account must not be empty", ErrInvalidArgument)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: substitute code for %s is empty", ErrInvalidArgument, account)
	}
	existing, err := c.store.Find(account)
	if err != nil {
		return err
	}
	if existing == nil {
		rec := &Record{
			Account:        account,
			FromBlock:      fromBlock,
			SubstituteCode: append([]byte(nil), code...),
			MustActivate:   mustActivate,
		}
		if err := c.store.Insert(rec); err != nil {
			return err
		}
		c.logger.Info("created substitution metadata",
			"account", account, "from_block", fromBlock, "subst_hash", rec.SubstituteHash().Hex())
		c.updateTracked()
		return nil
	}

	var updated *Record
	if err := c.store.Update(account, func(r *Record) {
		r.SubstituteCode = append([]byte(nil), code...)
		r.FromBlock = fromBlock
		r.MustActivate = mustActivate
		updated = r.Clone()
	}); err != nil {
		return err
	}
	attrs := []any{"account", account, "from_block", fromBlock, "subst_hash", updated.SubstituteHash().Hex()}
	if _, obj, err := c.host.Codes().AccountCode(account); err == nil && obj != nil {
		attrs = append(attrs, "actual_hash", obj.ActualHash().Hex())
	}
	c.logger.Info("updated substitution metadata", attrs...)
	return nil
}

// UpsertSpec registers code for a compact "account" or "account-fromblock" spec.
func (c *Context) UpsertSpec(spec string, code []byte) error {
	account, fromBlock, err := ParseSpec(spec)
	if err != nil {
		return err
	}
	return c.Upsert(account, fromBlock, code, true)
}

// Activate swaps the substitute into the canonical code store. With
// saveOriginal the current canonical bytes are captured first, unless the
// object's original was captured earlier and the substitute is already in place.
func (c *Context) Activate(account string, saveOriginal bool) error {
	rec, err := c.Get(account)
	if err != nil {
		return err
	}
	obj, err := c.codeObject(account)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: code object for account %s", ErrNotFound, account)
	}

	capture := saveOriginal
	if capture && obj.CodeHash == rec.OriginalHash() && obj.ActualHash() == rec.SubstituteHash() {
		capture = false
	}
	stale := vm.CacheKey{CodeHash: obj.CodeHash, VMType: obj.VMType, VMVersion: obj.VMVersion}
	canonical := append([]byte(nil), obj.Code...)

	// Metadata first: if the code write below fails, the next hook invocation
	// still sees an accurate original and simply reapplies.
	if err := c.store.Update(account, func(r *Record) {
		if capture {
			r.OriginalCode = canonical
		}
		r.MustActivate = true
	}); err != nil {
		return err
	}
	if capture {
		rec.OriginalCode = canonical
	}

	if err := c.host.Codes().UpdateCode(obj.CodeHash, func(o *types.CodeObject) {
		o.Code = append([]byte(nil), rec.SubstituteCode...)
		o.VMType = types.BaselineVMType
		o.VMVersion = types.BaselineVMVersion
	}); err != nil {
		return err
	}
	if err := c.resetCaches(account, stale); err != nil {
		return err
	}
	c.metrics.RecordSwap("activate")
	c.logger.Info("swapped code",
		"account", account,
		"original_hash", rec.OriginalHash().Hex(),
		"subst_hash", rec.SubstituteHash().Hex(),
		"captured", capture)
	return nil
}

// Deactivate puts the captured original back if the substitute is what is
// currently installed, and stops the hook from reapplying it. Missing records or
// code are not errors.
func (c *Context) Deactivate(account string) error {
	rec, err := c.store.Find(account)
	if err != nil {
		return err
	}
	if rec == nil {
		c.logger.Debug("no substitution to deactivate", "account", account)
		return nil
	}
	obj, err := c.codeObject(account)
	if err != nil {
		return err
	}

	switch {
	case obj == nil:
		c.logger.Info("no code deployed, nothing to restore", "account", account)
	case obj.ActualHash() != rec.SubstituteHash():
		c.logger.Info("substitution not applied, nothing to do", "account", account)
	case !rec.Captured():
		c.logger.Warn("substitute installed but no original captured, leaving code in place", "account", account)
	default:
		stale := vm.CacheKey{CodeHash: obj.CodeHash, VMType: obj.VMType, VMVersion: obj.VMVersion}
		if err := c.host.Codes().UpdateCode(obj.CodeHash, func(o *types.CodeObject) {
			o.Code = append([]byte(nil), rec.OriginalCode...)
			o.VMType = types.BaselineVMType
			o.VMVersion = types.BaselineVMVersion
		}); err != nil {
			return err
		}
		if err := c.resetCaches(account, stale); err != nil {
			return err
		}
		c.metrics.RecordSwap("deactivate")
		c.logger.Info("deactivated substitution",
			"account", account,
			"subst_hash", rec.SubstituteHash().Hex(),
			"original_hash", rec.OriginalHash().Hex())
	}

	return c.store.Update(account, func(r *Record) {
		r.MustActivate = false
	})
}

// Remove deletes the metadata for account. The canonical store is left alone;
// call Deactivate first to restore the original.
func (c *Context) Remove(account string) error {
	rec, err := c.store.Find(account)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := c.store.Delete(account); err != nil {
		return err
	}
	c.logger.Info("removed substitution metadata", "account", account)
	c.updateTracked()
	return nil
}

// DebugPrint logs every tracked record.
func (c *Context) DebugPrint() {
	accounts, err := c.store.List()
	if err != nil {
		c.logger.Error("list substitutions", "error", err)
		return
	}
	c.logger.Info("substitution metadata on db", "count", len(accounts))
	for _, account := range accounts {
		rec, err := c.store.Find(account)
		if err != nil || rec == nil {
			continue
		}
		c.logger.Info("substitution",
			"account", rec.Account,
			"from_block", rec.FromBlock,
			"must_activate", rec.MustActivate,
			"original_hash", rec.OriginalHash().Hex(),
			"subst_hash", rec.SubstituteHash().Hex())
	}
}

// Close stops the refresh scheduler, if one was started.
func (c *Context) Close() {
	c.mu.Lock()
	r := c.refresher
	c.refresher = nil
	c.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

// codeObject resolves the canonical code object for account, treating a dangling
// code hash the same as no code.
func (c *Context) codeObject(account string) (*types.CodeObject, error) {
	_, obj, err := c.host.Codes().AccountCode(account)
	if errors.Is(err, state.ErrCodeObjectMissing) {
		return nil, nil
	}
	return obj, err
}

// updateTracked refreshes the tracked gauge. It reads the store, so callers must
// be inside a unit of work or a View.
func (c *Context) updateTracked() {
	if c.metrics == nil {
		return
	}
	accounts, err := c.store.List()
	if err != nil {
		return
	}
	c.metrics.SetTracked(len(accounts))
}
