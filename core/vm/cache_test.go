package vm

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"codesubst/core/types"
)

func TestModuleCacheEvict(t *testing.T) {
	c := NewModuleCache(2)
	key := CacheKey{CodeHash: common.HexToHash("0x01")}
	c.Put(&Module{Key: key})

	if got := c.Status(key); got.Status != StatusReady || got.Tier != "interpreter" {
		t.Fatalf("unexpected status: %+v", got)
	}
	if !c.Evict(key) {
		t.Fatalf("expected eviction to report a hit")
	}
	if c.Evict(key) {
		t.Fatalf("second eviction should be a miss")
	}
	if got := c.Status(key); got.Status != StatusAbsent {
		t.Fatalf("unexpected status after evict: %+v", got)
	}
}

func TestAOTCacheDescriptor(t *testing.T) {
	c := NewAOTCache(1)
	key := CacheKey{CodeHash: common.HexToHash("0x02"), VMVersion: 1}
	c.Put(&Module{Key: key, Size: 42})

	status := c.Status(key)
	if status.Status != StatusReady || status.Descriptor == nil || status.Descriptor.CodeSize != 42 {
		t.Fatalf("unexpected aot status: %+v", status)
	}
	if !c.Evict(key) {
		t.Fatalf("expected eviction")
	}
	if _, ok := c.Get(key); ok {
		t.Fatalf("artifact still present")
	}
}

func TestApplyServesCachedModuleUntilEvicted(t *testing.T) {
	iface := NewInterface(NewModuleCache(4), WithAOTCache(NewAOTCache(1)))
	declared := types.HashCode([]byte("v1"))
	obj := &types.CodeObject{CodeHash: declared, Code: []byte("v1")}
	load := func() (*types.CodeObject, error) { return obj, nil }
	ctx := &ApplyContext{Receiver: "alice", Action: "transfer"}

	first, err := iface.Apply(ctx, declared, 0, 0, load)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first.CacheHit || first.ExecutedHash != declared {
		t.Fatalf("unexpected first result: %+v", first)
	}

	obj.Code = []byte("v2")
	stale, err := iface.Apply(ctx, declared, 0, 0, load)
	if err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if !stale.CacheHit || stale.Tier != "aot" || stale.ExecutedHash != declared {
		t.Fatalf("expected stale aot hit, got %+v", stale)
	}

	key := CacheKey{CodeHash: declared}
	for _, tier := range iface.Tiers() {
		tier.Evict(key)
	}
	fresh, err := iface.Apply(ctx, declared, 0, 0, load)
	if err != nil {
		t.Fatalf("apply fresh: %v", err)
	}
	if fresh.CacheHit || fresh.ExecutedHash != types.HashCode([]byte("v2")) {
		t.Fatalf("expected fresh instantiation, got %+v", fresh)
	}
}

func TestApplyHookCanSkip(t *testing.T) {
	iface := NewInterface(nil)
	var seen common.Hash
	iface.SetApplyHook(func(codeHash common.Hash, _, _ uint8, _ *ApplyContext) bool {
		seen = codeHash
		return false
	})
	declared := common.HexToHash("0x03")
	res, err := iface.Apply(&ApplyContext{Receiver: "bob"}, declared, 0, 0, func() (*types.CodeObject, error) {
		t.Fatalf("loader must not run when the hook skips")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Skipped || seen != declared {
		t.Fatalf("unexpected result %+v seen=%s", res, seen)
	}
}
