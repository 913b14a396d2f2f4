package subst

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPreloadFromFiles(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "alice.wasm")
	if err := os.WriteFile(path, []byte("alice-subst"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	entry, err := ParsePreload("alice:7:" + path)
	if err != nil {
		t.Fatalf("parse preload: %v", err)
	}
	if err := h.subst.Preload(h.ctx, []Preload{entry}); err != nil {
		t.Fatalf("preload: %v", err)
	}
	rec := h.record(t, "alice")
	if rec == nil || rec.FromBlock != 7 || !rec.MustActivate || string(rec.SubstituteCode) != "alice-subst" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	missing := Preload{Account: "bob", Path: filepath.Join(dir, "missing.wasm")}
	if err := h.subst.Preload(h.ctx, []Preload{missing}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if rec := h.record(t, "bob"); rec != nil {
		t.Fatalf("failed preload created a record")
	}
}
