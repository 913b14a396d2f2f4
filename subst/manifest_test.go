package subst

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

type manifestServer struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
}

func newManifestServer(t *testing.T, files map[string]string) *manifestServer {
	t.Helper()
	s := &manifestServer{files: files, hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		body, ok := s.files[r.URL.Path]
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *manifestServer) set(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = body
}

func (s *manifestServer) manifestURL() string {
	return s.URL + "/manifests/manifest.json"
}

func defaultManifestFiles() map[string]string {
	return map[string]string{
		"/manifests/manifest.json":           `{"test-chain": {"alice-10": "alice.wasm", "bob": "bin/bob.wasm"}, "other-chain": {"carol": "carol.wasm"}}`,
		"/manifests/test-chain/alice.wasm":   "alice-subst",
		"/manifests/test-chain/bin/bob.wasm": "bob-subst",
	}
}

func TestBinaryURL(t *testing.T) {
	base, err := url.Parse("http://host/dir/manifest.json?token=1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := binaryURL(base, "chain", "/sub/x.wasm")
	if err != nil {
		t.Fatalf("binary url: %v", err)
	}
	if got != "http://host/dir/chain/sub/x.wasm" {
		t.Fatalf("unexpected url: %s", got)
	}
}

func TestFetchManifestMerge(t *testing.T) {
	srv := newManifestServer(t, defaultManifestFiles())
	h := newHarness(t, []string{srv.manifestURL()}, WithManifestPolicy(PolicyMerge))
	h.deploy(t, "alice", "orig")
	h.do(t, func() error { return h.subst.Upsert("dave", 0, []byte("dave-subst"), true) })

	if err := h.subst.FetchManifest(h.ctx, time.Second); err != nil {
		t.Fatalf("fetch manifest: %v", err)
	}
	accounts, err := h.subst.Substitutions()
	if err != nil {
		t.Fatalf("substitutions: %v", err)
	}
	if len(accounts) != 3 || accounts[0] != "alice" || accounts[1] != "bob" || accounts[2] != "dave" {
		t.Fatalf("unexpected tracked set: %v", accounts)
	}
	rec := h.record(t, "alice")
	if rec.FromBlock != 10 || !rec.MustActivate || string(rec.SubstituteCode) != "alice-subst" {
		t.Fatalf("unexpected alice record: %+v", rec)
	}
	if got := h.liveCode(t, "alice"); got != "orig" {
		t.Fatalf("refresh swapped code eagerly: %q", got)
	}

	srv.set("/manifests/manifest.json", `{"other-chain": {}}`)
	if err := h.subst.FetchManifest(h.ctx, time.Second); err != nil {
		t.Fatalf("fetch manifest without chain: %v", err)
	}
	if accounts, _ := h.subst.Substitutions(); len(accounts) != 3 {
		t.Fatalf("merge refresh without chain changed tracked set: %v", accounts)
	}
}

func TestFetchManifestReplace(t *testing.T) {
	srv := newManifestServer(t, defaultManifestFiles())
	h := newHarness(t, []string{srv.manifestURL()}, WithManifestPolicy(PolicyReplace))
	h.deploy(t, "dave", "dave-orig")
	h.do(t, func() error { return h.subst.Upsert("dave", 0, []byte("dave-subst"), true) })
	h.push(t, "dave")
	if got := h.liveCode(t, "dave"); got != "dave-subst" {
		t.Fatalf("setup: substitute not applied: %q", got)
	}

	if err := h.subst.FetchManifest(h.ctx, time.Second); err != nil {
		t.Fatalf("fetch manifest: %v", err)
	}
	accounts, _ := h.subst.Substitutions()
	if len(accounts) != 2 || accounts[0] != "alice" || accounts[1] != "bob" {
		t.Fatalf("replace did not make the manifest authoritative: %v", accounts)
	}
	if got := h.liveCode(t, "dave"); got != "dave-orig" {
		t.Fatalf("replace did not restore dropped account: %q", got)
	}

	srv.set("/manifests/manifest.json", `{}`)
	if err := h.subst.FetchManifest(h.ctx, time.Second); err != nil {
		t.Fatalf("fetch empty manifest: %v", err)
	}
	if accounts, _ := h.subst.Substitutions(); len(accounts) != 2 {
		t.Fatalf("empty manifest wiped tracked set: %v", accounts)
	}

	srv.set("/manifests/manifest.json", `{"other-chain": {"carol": "carol.wasm"}}`)
	if err := h.subst.FetchManifest(h.ctx, time.Second); err != nil {
		t.Fatalf("fetch manifest without chain: %v", err)
	}
	if accounts, _ := h.subst.Substitutions(); len(accounts) != 0 {
		t.Fatalf("replace without chain should wipe, got %v", accounts)
	}
}

func TestFetchManifestFailuresApplyNothing(t *testing.T) {
	files := defaultManifestFiles()
	delete(files, "/manifests/test-chain/bin/bob.wasm")
	srv := newManifestServer(t, files)
	h := newHarness(t, []string{srv.manifestURL()}, WithManifestPolicy(PolicyReplace))
	h.do(t, func() error { return h.subst.Upsert("dave", 0, []byte("dave-subst"), true) })

	err := h.subst.FetchManifest(h.ctx, time.Second)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if accounts, _ := h.subst.Substitutions(); len(accounts) != 1 || accounts[0] != "dave" {
		t.Fatalf("failed refresh mutated tracked set: %v", accounts)
	}

	srv.set("/manifests/manifest.json", `{"test-chain": [1, 2]}`)
	if err := h.subst.FetchManifest(h.ctx, time.Second); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("expected ErrParseFailed, got %v", err)
	}
	srv.set("/manifests/manifest.json", `not json`)
	if err := h.subst.FetchManifest(h.ctx, time.Second); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("expected ErrParseFailed, got %v", err)
	}
	srv.set("/manifests/manifest.json", `{"test-chain": {"a-1-2": "x.wasm"}}`)
	if err := h.subst.FetchManifest(h.ctx, time.Second); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("expected ErrParseFailed for bad spec, got %v", err)
	}
	if accounts, _ := h.subst.Substitutions(); len(accounts) != 1 {
		t.Fatalf("failed refresh mutated tracked set: %v", accounts)
	}
}

func TestFetchManifestPreconditions(t *testing.T) {
	h := newHarness(t, nil, WithManifestPolicy(PolicyMerge))
	if err := h.subst.FetchManifest(h.ctx, time.Second); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed without source, got %v", err)
	}
	h = newHarness(t, []string{"http://127.0.0.1:1/manifest.json"})
	if err := h.subst.FetchManifest(h.ctx, time.Second); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed without policy, got %v", err)
	}
}

func TestTryFetchManifestSkipsWhileRunning(t *testing.T) {
	srv := newManifestServer(t, defaultManifestFiles())
	h := newHarness(t, []string{srv.manifestURL()}, WithManifestPolicy(PolicyMerge))
	if !h.subst.refreshing.TryAcquire(1) {
		t.Fatalf("could not take refresh slot")
	}
	ran, err := h.subst.TryFetchManifest(h.ctx, time.Second)
	if ran || err != nil {
		t.Fatalf("expected skipped tick, ran=%v err=%v", ran, err)
	}
	ctx, cancel := context.WithTimeout(h.ctx, 20*time.Millisecond)
	defer cancel()
	if err := h.subst.FetchManifest(ctx, time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected waiting refresh to time out, got %v", err)
	}
	h.subst.refreshing.Release(1)

	ran, err = h.subst.TryFetchManifest(h.ctx, time.Second)
	if !ran || err != nil {
		t.Fatalf("expected refresh to run, ran=%v err=%v", ran, err)
	}
}

// Run with -race: refreshes share the store with actions executing on another
// goroutine.
func TestFetchManifestAlongsideActions(t *testing.T) {
	srv := newManifestServer(t, defaultManifestFiles())
	h := newHarness(t, []string{srv.manifestURL()}, WithManifestPolicy(PolicyReplace))
	h.deploy(t, "alice", "orig")
	h.deploy(t, "bob", "orig-bob")

	stop := make(chan struct{})
	errs := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := h.node.PushAction(h.ctx, "alice", "run"); err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
		}
	}()

	for i := 0; i < 25; i++ {
		if err := h.subst.FetchManifest(h.ctx, time.Second); err != nil {
			close(stop)
			wg.Wait()
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
	select {
	case err := <-errs:
		t.Fatalf("action failed during refresh: %v", err)
	default:
	}

	accounts, err := h.subst.Substitutions()
	if err != nil || len(accounts) != 2 {
		t.Fatalf("unexpected substitutions %v err=%v", accounts, err)
	}
}
