package subst

import (
	"errors"
	"testing"

	"codesubst/core"
	"codesubst/core/state"
	"codesubst/core/types"
	"codesubst/observability/logging"
	"codesubst/storage"
)

type countingStore struct {
	Store
	writes int
}

func (s *countingStore) Insert(rec *Record) error {
	s.writes++
	return s.Store.Insert(rec)
}

func (s *countingStore) Update(account string, mutate func(*Record)) error {
	s.writes++
	return s.Store.Update(account, mutate)
}

func (s *countingStore) Delete(account string) error {
	s.writes++
	return s.Store.Delete(account)
}

type brokenStore struct {
	Store
	panics bool
}

func (s *brokenStore) Find(string) (*Record, error) {
	if s.panics {
		panic("store exploded")
	}
	return nil, errors.New("store offline")
}

func TestHookLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	orig := types.HashCode([]byte("orig"))
	subst := types.HashCode([]byte("subst"))

	h.node.StartBlock(50)
	h.deploy(t, "alice", "orig")
	h.do(t, func() error { return h.subst.UpsertSpec("alice-100", []byte("subst")) })

	h.node.StartBlock(99)
	if res := h.push(t, "alice"); res.ExecutedHash != orig {
		t.Fatalf("pending substitution ran early: %s", res.ExecutedHash)
	}
	if rec := h.record(t, "alice"); rec.Captured() {
		t.Fatalf("pending substitution captured an original")
	}

	h.node.StartBlock(100)
	if res := h.push(t, "alice"); res.ExecutedHash != subst || res.CacheHit {
		t.Fatalf("substitute not applied at from_block: %+v", res)
	}
	rec := h.record(t, "alice")
	if rec.OriginalHash() != orig {
		t.Fatalf("original not captured: %s", rec.OriginalHash())
	}

	// External revert of the canonical bytes is corrected on the next call.
	meta, err := h.node.Codes().Account("alice")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	h.do(t, func() error {
		return h.node.Codes().UpdateCode(meta.CodeHash, func(o *types.CodeObject) {
			o.Code = []byte("orig")
		})
	})
	h.node.StartBlock(101)
	if res := h.push(t, "alice"); res.ExecutedHash != subst {
		t.Fatalf("revert not healed: %+v", res)
	}

	// A fresh deployment becomes the new original.
	h.deploy(t, "alice", "v2")
	if res := h.push(t, "alice"); res.ExecutedHash != subst {
		t.Fatalf("substitute not applied over new deployment: %+v", res)
	}
	if rec := h.record(t, "alice"); string(rec.OriginalCode) != "v2" {
		t.Fatalf("new deployment not captured: %q", rec.OriginalCode)
	}

	h.do(t, func() error { return h.subst.Deactivate("alice") })
	if res := h.push(t, "alice"); res.ExecutedHash != types.HashCode([]byte("v2")) {
		t.Fatalf("deactivated account still runs substitute: %+v", res)
	}
}

// countingDB counts writes that land on canonical code objects.
type countingDB struct {
	storage.Database
	codeWrites int
}

func (db *countingDB) Put(key, value []byte) error {
	if state.IsCodeObjectKey(key) {
		db.codeWrites++
	}
	return db.Database.Put(key, value)
}

func (db *countingDB) Delete(key []byte) error {
	if state.IsCodeObjectKey(key) {
		db.codeWrites++
	}
	return db.Database.Delete(key)
}

func (db *countingDB) Write(batch *storage.Batch) error {
	batch.Replay(func(key, _ []byte, _ bool) {
		if state.IsCodeObjectKey(key) {
			db.codeWrites++
		}
	})
	return db.Database.Write(batch)
}

func TestHookSteadyStateDoesNotWrite(t *testing.T) {
	db := &countingDB{Database: storage.NewMemDB()}
	node, err := core.NewNode(db, "test-chain", core.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	store := &countingStore{Store: NewKVStore(node.State)}
	c, err := NewContext(node, store, nil, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	node.VM().SetApplyHook(c.Hook())
	h := &harness{node: node, subst: c, ctx: t.Context()}

	h.deploy(t, "alice", "orig")
	h.do(t, func() error { return c.Upsert("alice", 0, []byte("subst"), true) })
	h.push(t, "alice")

	before, codeBefore := store.writes, db.codeWrites
	for i := 0; i < 3; i++ {
		res := h.push(t, "alice")
		if !res.CacheHit || res.ExecutedHash != types.HashCode([]byte("subst")) {
			t.Fatalf("steady invocation %d rebuilt or ran wrong code: %+v", i, res)
		}
	}
	if store.writes != before {
		t.Fatalf("steady state wrote metadata %d times", store.writes-before)
	}
	if db.codeWrites != codeBefore {
		t.Fatalf("steady state wrote canonical code objects %d times", db.codeWrites-codeBefore)
	}
}

func TestHookNoopStates(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, "alice", "orig")
	h.deploy(t, "bob", "orig-bob")
	h.do(t, func() error { return h.subst.Upsert("alice", 0, []byte("subst"), false) })

	if res := h.push(t, "alice"); res.ExecutedHash != types.HashCode([]byte("orig")) {
		t.Fatalf("inactive substitution applied: %+v", res)
	}
	if res := h.push(t, "bob"); res.ExecutedHash != types.HashCode([]byte("orig-bob")) {
		t.Fatalf("untracked account changed: %+v", res)
	}
}

func TestHookChangesRollBackWithUnitOfWork(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, "alice", "orig")
	h.do(t, func() error { return h.subst.Upsert("alice", 0, []byte("subst"), true) })

	abort := errors.New("action failed")
	err := h.node.Transact(h.ctx, func() error {
		if _, err := h.node.Execute("alice", "run"); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}
	if got := h.liveCode(t, "alice"); got != "orig" {
		t.Fatalf("swap survived rollback: %q", got)
	}
	if rec := h.record(t, "alice"); rec.Captured() {
		t.Fatalf("capture survived rollback")
	}
	if res := h.push(t, "alice"); res.ExecutedHash != types.HashCode([]byte("subst")) || res.CacheHit {
		t.Fatalf("expected a fresh module from the substitute, got %+v", res)
	}
}

func TestHookSwallowsFailures(t *testing.T) {
	for _, panics := range []bool{false, true} {
		node, err := core.NewNode(storage.NewMemDB(), "test-chain", core.WithLogger(logging.Discard()))
		if err != nil {
			t.Fatalf("new node: %v", err)
		}
		c, err := NewContext(node, &brokenStore{panics: panics}, nil, WithLogger(logging.Discard()))
		if err != nil {
			t.Fatalf("new context: %v", err)
		}
		node.VM().SetApplyHook(c.Hook())
		if _, err := node.Deploy(t.Context(), "alice", []byte("orig")); err != nil {
			t.Fatalf("deploy: %v", err)
		}
		res, err := node.PushAction(t.Context(), "alice", "run")
		if err != nil {
			t.Fatalf("hook failure leaked into execution (panics=%v): %v", panics, err)
		}
		if res.Skipped || res.ExecutedHash != types.HashCode([]byte("orig")) {
			t.Fatalf("unexpected result with failing hook: %+v", res)
		}
	}
}
