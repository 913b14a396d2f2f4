package vm

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"codesubst/core/types"
)

// ApplyContext describes the action about to run.
type ApplyContext struct {
	Receiver string
	Action   string
	BlockNum uint64
}

// ApplyHook is called before the host runs an account's code. The return value
// tells the host whether its own code path should still run afterwards.
type ApplyHook func(codeHash common.Hash, vmType, vmVersion uint8, ctx *ApplyContext) bool

// CodeLoader returns the code object currently installed for the receiver.
type CodeLoader func() (*types.CodeObject, error)

// Result reports what the interface executed.
type Result struct {
	Receiver     string      `json:"receiver"`
	Action       string      `json:"action"`
	CodeHash     common.Hash `json:"code_hash"`
	ExecutedHash common.Hash `json:"executed_hash"`
	Tier         string      `json:"tier,omitempty"`
	CacheHit     bool        `json:"cache_hit"`
	Key          CacheKey    `json:"-"`
	Skipped      bool        `json:"skipped"`
}

// Interface runs code for the host. Tiers are consulted fastest first; the
// interpreter module cache is always present, the compiled tier only when
// configured.
type Interface struct {
	mu      sync.RWMutex
	hook    ApplyHook
	modules *ModuleCache
	aot     *AOTCache
}

// Option configures an Interface.
type Option func(*Interface)

// WithAOTCache enables the compiled-artifact tier.
func WithAOTCache(c *AOTCache) Option {
	return func(i *Interface) {
		i.aot = c
	}
}

// NewInterface builds an Interface around the given module cache.
func NewInterface(modules *ModuleCache, opts ...Option) *Interface {
	if modules == nil {
		modules = NewModuleCache(DefaultModuleCacheSize)
	}
	i := &Interface{modules: modules}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// SetApplyHook installs the single pre-execution hook. Passing nil removes it.
func (i *Interface) SetApplyHook(hook ApplyHook) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hook = hook
}

// Tiers lists every configured cache tier, fastest first.
func (i *Interface) Tiers() []CacheTier {
	tiers := make([]CacheTier, 0, 2)
	if i.aot != nil {
		tiers = append(tiers, i.aot)
	}
	return append(tiers, i.modules)
}

// Modules exposes the interpreter tier.
func (i *Interface) Modules() *ModuleCache {
	return i.modules
}

// Apply runs the hook, then loads the (possibly swapped) code object and serves
// its module from the first tier holding it, instantiating on a miss.
func (i *Interface) Apply(ctx *ApplyContext, codeHash common.Hash, vmType, vmVersion uint8, load CodeLoader) (*Result, error) {
	i.mu.RLock()
	hook := i.hook
	i.mu.RUnlock()

	result := &Result{Receiver: ctx.Receiver, Action: ctx.Action, CodeHash: codeHash}
	if hook != nil && !hook(codeHash, vmType, vmVersion, ctx) {
		result.Skipped = true
		return result, nil
	}

	obj, err := load()
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("vm: no code installed for %s", ctx.Receiver)
	}
	key := CacheKey{CodeHash: obj.CodeHash, VMType: obj.VMType, VMVersion: obj.VMVersion}

	for _, tier := range i.Tiers() {
		if module, ok := tier.Get(key); ok {
			result.ExecutedHash = module.CodeHash
			result.Tier = tier.Name()
			result.CacheHit = true
			return result, nil
		}
	}

	result.Key = key
	module := instantiate(key, obj.Code)
	i.modules.Put(module)
	if i.aot != nil {
		i.aot.Put(module)
	}
	result.ExecutedHash = module.CodeHash
	result.Tier = i.modules.Name()
	return result, nil
}

func instantiate(key CacheKey, code []byte) *Module {
	return &Module{
		Key:      key,
		CodeHash: types.HashCode(code),
		Size:     len(code),
	}
}
