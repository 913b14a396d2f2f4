package vm

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
)

// DefaultModuleCacheSize bounds the instantiated-module cache when no size is configured.
const DefaultModuleCacheSize = 256

// Tier status values reported by CacheTier.Status.
const (
	StatusReady  = "ready"
	StatusAbsent = "absent"
)

// CacheKey identifies a cached artifact: the declared code hash plus the vm tags
// the code object carried when the artifact was built.
type CacheKey struct {
	CodeHash  common.Hash
	VMType    uint8
	VMVersion uint8
}

// Module is an instantiated code blob. CodeHash is the hash of the bytes the
// module was built from, which differs from Key.CodeHash once code is swapped.
type Module struct {
	Key      CacheKey
	CodeHash common.Hash
	Size     int
}

// TierStatus describes one tier's view of a cache key.
type TierStatus struct {
	Tier       string      `json:"tier"`
	CodeHash   common.Hash `json:"code_hash"`
	VMVersion  uint8       `json:"vm_version"`
	Status     string      `json:"status"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
}

// CacheTier is one layer of compiled-code caching the host keeps per code hash.
type CacheTier interface {
	Name() string
	Get(key CacheKey) (*Module, bool)
	Put(module *Module)
	// Evict drops the entry for key and reports whether one was present.
	Evict(key CacheKey) bool
	Status(key CacheKey) TierStatus
}

// ModuleCache is the always-on interpreter tier holding instantiated modules.
type ModuleCache struct {
	entries *lru.Cache[CacheKey, *Module]
}

// NewModuleCache returns an LRU module cache holding at most size modules.
func NewModuleCache(size int) *ModuleCache {
	if size <= 0 {
		size = DefaultModuleCacheSize
	}
	return &ModuleCache{entries: lru.NewCache[CacheKey, *Module](size)}
}

func (c *ModuleCache) Name() string { return "interpreter" }

func (c *ModuleCache) Get(key CacheKey) (*Module, bool) {
	return c.entries.Get(key)
}

func (c *ModuleCache) Put(module *Module) {
	if module == nil {
		return
	}
	c.entries.Add(module.Key, module)
}

func (c *ModuleCache) Evict(key CacheKey) bool {
	return c.entries.Remove(key)
}

func (c *ModuleCache) Status(key CacheKey) TierStatus {
	status := TierStatus{Tier: c.Name(), CodeHash: key.CodeHash, VMVersion: key.VMVersion, Status: StatusAbsent}
	if c.entries.Contains(key) {
		status.Status = StatusReady
	}
	return status
}

// Len reports the number of cached modules.
func (c *ModuleCache) Len() int {
	return c.entries.Len()
}

// Descriptor summarises a compiled artifact.
type Descriptor struct {
	CodegenVersion uint8 `json:"codegen_version"`
	CodeSize       int   `json:"code_size"`
	ApplyOffset    int   `json:"apply_offset"`
}

type artifact struct {
	module     *Module
	descriptor Descriptor
}

// AOTCache is the optional ahead-of-time compiled tier. Artifacts are keyed the
// same way as the module cache and survive until evicted.
type AOTCache struct {
	mu             sync.RWMutex
	codegenVersion uint8
	artifacts      map[CacheKey]artifact
}

// NewAOTCache returns an empty compiled-artifact tier.
func NewAOTCache(codegenVersion uint8) *AOTCache {
	return &AOTCache{
		codegenVersion: codegenVersion,
		artifacts:      make(map[CacheKey]artifact),
	}
}

func (c *AOTCache) Name() string { return "aot" }

func (c *AOTCache) Get(key CacheKey) (*Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[key]
	if !ok {
		return nil, false
	}
	return a.module, true
}

// Put compiles module into the tier.
func (c *AOTCache) Put(module *Module) {
	if module == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[module.Key] = artifact{
		module: module,
		descriptor: Descriptor{
			CodegenVersion: c.codegenVersion,
			CodeSize:       module.Size,
		},
	}
}

func (c *AOTCache) Evict(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.artifacts[key]; !ok {
		return false
	}
	delete(c.artifacts, key)
	return true
}

func (c *AOTCache) Status(key CacheKey) TierStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status := TierStatus{Tier: c.Name(), CodeHash: key.CodeHash, VMVersion: key.VMVersion, Status: StatusAbsent}
	if a, ok := c.artifacts[key]; ok {
		desc := a.descriptor
		status.Status = StatusReady
		status.Descriptor = &desc
	}
	return status
}
