package state

import (
	"errors"
	"testing"

	"codesubst/core/types"
	"codesubst/storage"
)

func TestKeyFormats(t *testing.T) {
	if string(accountKey("alice")) != "code/account/alice" {
		t.Fatalf("unexpected account key: %s", accountKey("alice"))
	}
	expected := append([]byte("code/object/"), 0xaa, 0xbb)
	if string(codeObjectKey([]byte{0xaa, 0xbb})) != string(expected) {
		t.Fatalf("unexpected code object key: %x", codeObjectKey([]byte{0xaa, 0xbb}))
	}
}

func TestDeployCreatesAccountAndCodeObject(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManagerForDB(db)

	code := []byte("contract-v1")
	meta, err := mgr.Deploy("alice", code, 7)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if meta.CodeHash != types.HashCode(code) {
		t.Fatalf("unexpected code hash: %s", meta.CodeHash)
	}
	if meta.CodeSequence != 1 || meta.LastCodeUpdate != 7 {
		t.Fatalf("unexpected sequence data: %+v", meta)
	}

	gotMeta, obj, err := mgr.AccountCode("alice")
	if err != nil {
		t.Fatalf("account code: %v", err)
	}
	if gotMeta.Name != "alice" {
		t.Fatalf("unexpected account: %+v", gotMeta)
	}
	if string(obj.Code) != "contract-v1" || obj.RefCount != 1 || obj.FirstBlockUsed != 7 {
		t.Fatalf("unexpected code object: %+v", obj)
	}
}

func TestDeploySharedCodeRefCounting(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManagerForDB(db)

	code := []byte("shared")
	if _, err := mgr.Deploy("alice", code, 1); err != nil {
		t.Fatalf("deploy alice: %v", err)
	}
	if _, err := mgr.Deploy("bob", code, 2); err != nil {
		t.Fatalf("deploy bob: %v", err)
	}
	obj, err := mgr.CodeObject(types.HashCode(code))
	if err != nil {
		t.Fatalf("code object: %v", err)
	}
	if obj.RefCount != 2 {
		t.Fatalf("expected ref count 2, got %d", obj.RefCount)
	}

	if _, err := mgr.Deploy("alice", []byte("other"), 3); err != nil {
		t.Fatalf("redeploy alice: %v", err)
	}
	if _, err := mgr.Deploy("bob", []byte("other"), 4); err != nil {
		t.Fatalf("redeploy bob: %v", err)
	}
	obj, err = mgr.CodeObject(types.HashCode(code))
	if err != nil {
		t.Fatalf("code object after release: %v", err)
	}
	if obj != nil {
		t.Fatalf("expected shared object to be dropped, got %+v", obj)
	}
}

func TestUpdateCodeKeepsDeclaredHash(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManagerForDB(db)

	meta, err := mgr.Deploy("alice", []byte("orig"), 1)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := mgr.UpdateCode(meta.CodeHash, func(o *types.CodeObject) {
		o.Code = []byte("swapped")
		o.VMVersion = 3
	}); err != nil {
		t.Fatalf("update code: %v", err)
	}
	obj, err := mgr.CodeObject(meta.CodeHash)
	if err != nil {
		t.Fatalf("code object: %v", err)
	}
	if obj.CodeHash != meta.CodeHash {
		t.Fatalf("declared hash moved: %s", obj.CodeHash)
	}
	if obj.ActualHash() != types.HashCode([]byte("swapped")) {
		t.Fatalf("unexpected actual hash")
	}

	err = mgr.UpdateCode(types.HashCode([]byte("missing")), func(*types.CodeObject) {})
	if !errors.Is(err, ErrCodeObjectMissing) {
		t.Fatalf("expected ErrCodeObjectMissing, got %v", err)
	}
}

func TestAccountCodeWithoutDeployment(t *testing.T) {
	mgr := NewManagerForDB(storage.NewMemDB())
	meta, obj, err := mgr.AccountCode("nobody")
	if err != nil {
		t.Fatalf("account code: %v", err)
	}
	if meta != nil || obj != nil {
		t.Fatalf("expected nothing, got %+v %+v", meta, obj)
	}
}

func TestEnsureStateVersion(t *testing.T) {
	mgr := NewManagerForDB(storage.NewMemDB())
	if err := EnsureStateVersion(mgr, false); err != nil {
		t.Fatalf("stamp fresh db: %v", err)
	}
	version, ok, err := mgr.StateVersion()
	if err != nil || !ok || version != StateVersion {
		t.Fatalf("unexpected version %d ok=%v err=%v", version, ok, err)
	}
	if err := mgr.SetStateVersion(StateVersion + 1); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := EnsureStateVersion(mgr, false); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := EnsureStateVersion(mgr, true); err != nil {
		t.Fatalf("allow migrate: %v", err)
	}
}
