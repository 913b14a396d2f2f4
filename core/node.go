package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"codesubst/core/state"
	"codesubst/core/types"
	"codesubst/core/vm"
	"codesubst/storage"
)

// ErrNoCode is returned when an action targets an account without code.
var ErrNoCode = errors.New("core: account has no code")

// Node is the host execution engine: it owns the canonical code store, the vm
// interface with its caches, and the single-writer unit-of-work discipline every
// state mutation runs under.
//
// Units of work are serialized by Transact. Code running inside a unit of work
// (including the apply hook) must not call Transact or View again.
type Node struct {
	mu       sync.Mutex
	db       storage.Database
	session  *storage.Session
	touched  []vm.CacheKey
	codes    *state.Manager
	vm       *vm.Interface
	chainID  string
	blockNum atomic.Uint64
	logger   *slog.Logger
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) NodeOption {
	return func(n *Node) {
		n.logger = l
	}
}

// WithInterface overrides the default vm interface.
func WithInterface(i *vm.Interface) NodeOption {
	return func(n *Node) {
		n.vm = i
	}
}

// NewNode opens a host engine over db for the given chain identity.
func NewNode(db storage.Database, chainID string, opts ...NodeOption) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	chainID = strings.TrimSpace(chainID)
	if chainID == "" {
		return nil, fmt.Errorf("core: chain id required")
	}
	n := &Node{
		db:      db,
		chainID: chainID,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.vm == nil {
		n.vm = vm.NewInterface(vm.NewModuleCache(vm.DefaultModuleCacheSize))
	}
	n.codes = state.NewManager(n.State)
	if err := state.EnsureStateVersion(n.codes, false); err != nil {
		return nil, err
	}
	return n, nil
}

// ChainID returns the network identity the node validates.
func (n *Node) ChainID() string {
	return n.chainID
}

// StartBlock moves the node to a new pending block.
func (n *Node) StartBlock(num uint64) {
	n.blockNum.Store(num)
}

// PendingBlockNum returns the block currently being built.
func (n *Node) PendingBlockNum() uint64 {
	return n.blockNum.Load()
}

// State returns the database view for the current unit of work, or the base
// database outside of one.
func (n *Node) State() storage.Database {
	if n.session != nil {
		return n.session
	}
	return n.db
}

// Codes exposes the canonical code store.
func (n *Node) Codes() *state.Manager {
	return n.codes
}

// VM exposes the vm interface, the registration point for the apply hook.
func (n *Node) VM() *vm.Interface {
	return n.vm
}

// CacheTiers lists the configured compiled-code cache tiers.
func (n *Node) CacheTiers() []vm.CacheTier {
	return n.vm.Tiers()
}

// Transact runs fn as one unit of work. Every write made through State during fn
// is committed when fn returns nil and discarded otherwise.
func (n *Node) Transact(ctx context.Context, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := storage.NewSession(n.db)
	n.session = sess
	n.touched = n.touched[:0]
	defer func() {
		n.session = nil
		if r := recover(); r != nil {
			n.abort(sess)
			panic(r)
		}
	}()

	if err = fn(); err != nil {
		n.abort(sess)
		return err
	}
	if err = sess.Commit(); err != nil {
		n.abort(sess)
		return err
	}
	return nil
}

// View runs fn while holding the writer lock without opening a session.
func (n *Node) View(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn()
}

// abort rolls back the session and drops modules instantiated during the unit
// of work, since they may have been built from bytes that no longer exist.
func (n *Node) abort(sess *storage.Session) {
	sess.Rollback()
	for _, key := range n.touched {
		for _, tier := range n.vm.Tiers() {
			tier.Evict(key)
		}
	}
	n.touched = n.touched[:0]
}

// Deploy installs code on an account in its own unit of work.
func (n *Node) Deploy(ctx context.Context, account string, code []byte) (*types.AccountMetadata, error) {
	var meta *types.AccountMetadata
	err := n.Transact(ctx, func() error {
		var err error
		meta, err = n.codes.Deploy(account, code, n.PendingBlockNum())
		return err
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("deployed code", "account", account, "code_hash", meta.CodeHash.Hex(), "block", n.PendingBlockNum())
	return meta, nil
}

// PushAction executes one action against receiver in its own unit of work.
func (n *Node) PushAction(ctx context.Context, receiver, action string) (*vm.Result, error) {
	var res *vm.Result
	err := n.Transact(ctx, func() error {
		var err error
		res, err = n.Execute(receiver, action)
		return err
	})
	return res, err
}

// Execute runs an action inside the caller's unit of work: the apply hook sees
// the account's declared code hash and vm tags, then the vm reloads the code
// object so any swap the hook performed is what runs.
func (n *Node) Execute(receiver, action string) (*vm.Result, error) {
	meta, err := n.codes.Account(receiver)
	if err != nil {
		return nil, err
	}
	if !meta.HasCode() {
		return nil, fmt.Errorf("%w: %s", ErrNoCode, receiver)
	}
	if err := n.codes.RecordReceive(receiver); err != nil {
		return nil, err
	}
	applyCtx := &vm.ApplyContext{Receiver: receiver, Action: action, BlockNum: n.PendingBlockNum()}
	res, err := n.vm.Apply(applyCtx, meta.CodeHash, meta.VMType, meta.VMVersion, func() (*types.CodeObject, error) {
		_, obj, err := n.codes.AccountCode(receiver)
		return obj, err
	})
	if err != nil {
		return nil, err
	}
	if !res.CacheHit && !res.Skipped {
		n.touched = append(n.touched, res.Key)
	}
	return res, nil
}
