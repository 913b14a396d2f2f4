package subst

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"codesubst/observability/logging"
)

const (
	defaultDownloadConcurrency = 4
	// DefaultFetchTimeout bounds a refresh when the caller passes no timeout.
	DefaultFetchTimeout = 10 * time.Second
	maxManifestBytes    = 1 << 20
	maxBinaryBytes      = 64 << 20
)

// Policy selects how a refresh treats substitutions the manifest omits.
type Policy string

const (
	// PolicyUnset means no refresh policy was configured.
	PolicyUnset Policy = ""
	// PolicyMerge upserts manifest entries and leaves everything else alone.
	PolicyMerge Policy = "merge"
	// PolicyReplace deactivates and removes every tracked account before
	// applying the manifest, making it the sole source of truth.
	PolicyReplace Policy = "replace"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyUnset, PolicyMerge, PolicyReplace:
		return p, nil
	default:
		return PolicyUnset, fmt.Errorf("%w: unknown manifest policy %q", ErrInvalidArgument, s)
	}
}

// Fetcher performs the blocking GET used for manifests and binaries.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// HTTPFetcher fetches over net/http with a traced transport.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher wraps client, or a default client with an otelhttp transport.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPFetcher{client: client}
}

// Fetch downloads rawURL. Transport failures and non-200 responses are
// reported as ErrFetchFailed.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, logging.RedactURL(rawURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, logging.RedactURL(rawURL), resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBinaryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, logging.RedactURL(rawURL), err)
	}
	if len(body) > maxBinaryBytes {
		return nil, fmt.Errorf("%w: %s: response exceeds %d bytes", ErrFetchFailed, logging.RedactURL(rawURL), maxBinaryBytes)
	}
	return body, nil
}

func parseManifestURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: manifest url: %v", ErrInvalidArgument, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported manifest scheme %q", ErrInvalidArgument, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: manifest url %s has no host", ErrInvalidArgument, logging.RedactURL(raw))
	}
	return u, nil
}

// binaryURL resolves rel against the manifest's directory and the chain id.
func binaryURL(manifest *url.URL, chainID, rel string) (string, error) {
	ref, err := url.Parse(url.PathEscape(chainID) + "/" + strings.TrimLeft(rel, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: binary path %q: %v", ErrParseFailed, rel, err)
	}
	resolved := manifest.ResolveReference(ref)
	resolved.RawQuery = ""
	resolved.Fragment = ""
	return resolved.String(), nil
}

type manifestEntry struct {
	spec      string
	account   string
	fromBlock uint64
	url       string
	code      []byte
}

// refreshPlan is everything a refresh will apply, fully downloaded.
type refreshPlan struct {
	identities int
	found      bool
	entries    []*manifestEntry
}

// FetchManifest fetches every configured manifest and applies the entries for
// this chain. It waits for a refresh already in flight to finish first.
func (c *Context) FetchManifest(ctx context.Context, timeout time.Duration) error {
	if err := c.refreshReady(); err != nil {
		return err
	}
	if err := c.refreshing.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.refreshing.Release(1)
	return c.refresh(ctx, timeout)
}

// TryFetchManifest is FetchManifest for the scheduler: it reports false without
// doing anything when another refresh is still running.
func (c *Context) TryFetchManifest(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := c.refreshReady(); err != nil {
		return false, err
	}
	if !c.refreshing.TryAcquire(1) {
		return false, nil
	}
	defer c.refreshing.Release(1)
	return true, c.refresh(ctx, timeout)
}

func (c *Context) refreshReady() error {
	if len(c.manifestURLs) == 0 {
		return fmt.Errorf("%w: no manifest source configured", ErrPreconditionFailed)
	}
	if c.policy == PolicyUnset {
		return fmt.Errorf("%w: no manifest policy configured", ErrPreconditionFailed)
	}
	return nil
}

func (c *Context) refresh(ctx context.Context, timeout time.Duration) (err error) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	start := time.Now()
	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID, "policy", string(c.policy))

	ctx, span := otel.Tracer("codesubst/subst").Start(ctx, "subst.FetchManifest")
	span.SetAttributes(
		attribute.String("subst.run_id", runID),
		attribute.String("subst.policy", string(c.policy)),
		attribute.String("subst.chain_id", c.host.ChainID()),
	)
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.ObserveRefresh(outcome, time.Since(start))
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	plan, err := c.planRefresh(fetchCtx, logger)
	if err != nil {
		logger.Warn("manifest refresh aborted, nothing applied", "error", err)
		return err
	}

	err = c.host.Transact(ctx, func() error {
		if err := c.applyPlan(plan, logger); err != nil {
			return err
		}
		c.updateTracked()
		return nil
	})
	if err != nil {
		logger.Error("manifest refresh rolled back", "error", err)
		return err
	}
	logger.Info("manifest refresh complete",
		"entries", len(plan.entries),
		"found", plan.found,
		"duration", time.Since(start))
	return nil
}

// planRefresh performs all network I/O: every document, then every binary the
// documents reference for this chain.
func (c *Context) planRefresh(ctx context.Context, logger *slog.Logger) (*refreshPlan, error) {
	chainID := c.host.ChainID()
	plan := &refreshPlan{}
	byAccount := make(map[string]int)

	for _, source := range c.manifestURLs {
		body, err := c.fetcher.Fetch(ctx, source.String())
		if err != nil {
			return nil, err
		}
		if len(body) > maxManifestBytes {
			return nil, fmt.Errorf("%w: manifest %s exceeds %d bytes", ErrParseFailed, logging.RedactURL(source.String()), maxManifestBytes)
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("%w: manifest %s: %v", ErrParseFailed, logging.RedactURL(source.String()), err)
		}
		plan.identities += len(doc)

		raw, ok := doc[chainID]
		if !ok {
			logger.Info("manifest has no entry for chain", "manifest", logging.RedactURL(source.String()), "chain_id", chainID)
			continue
		}
		var entries map[string]string
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: manifest %s chain %s: %v", ErrParseFailed, logging.RedactURL(source.String()), chainID, err)
		}
		plan.found = true

		specs := make([]string, 0, len(entries))
		for spec := range entries {
			specs = append(specs, spec)
		}
		sort.Strings(specs)
		for _, spec := range specs {
			rel := entries[spec]
			account, fromBlock, err := ParseSpec(spec)
			if err != nil {
				return nil, fmt.Errorf("%w: manifest entry %q: %v", ErrParseFailed, spec, err)
			}
			if strings.TrimSpace(rel) == "" {
				return nil, fmt.Errorf("%w: manifest entry %q has no binary path", ErrParseFailed, spec)
			}
			target, err := binaryURL(source, chainID, rel)
			if err != nil {
				return nil, err
			}
			entry := &manifestEntry{spec: spec, account: account, fromBlock: fromBlock, url: target}
			if i, dup := byAccount[account]; dup {
				logger.Warn("account listed more than once, last entry wins", "account", account, "spec", spec)
				plan.entries[i] = entry
				continue
			}
			byAccount[account] = len(plan.entries)
			plan.entries = append(plan.entries, entry)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.downloadConcurrency)
	for _, entry := range plan.entries {
		g.Go(func() error {
			code, err := c.fetcher.Fetch(gctx, entry.url)
			if err != nil {
				return err
			}
			if len(code) == 0 {
				return fmt.Errorf("%w: binary for %s is empty", ErrFetchFailed, entry.account)
			}
			entry.code = code
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plan, nil
}

// applyPlan mutates the context inside the caller's unit of work.
func (c *Context) applyPlan(plan *refreshPlan, logger *slog.Logger) error {
	if c.policy == PolicyReplace {
		if plan.identities == 0 {
			logger.Warn("manifest is empty, keeping tracked substitutions")
		} else if err := c.wipe(); err != nil {
			return err
		}
	}
	if !plan.found {
		return nil
	}
	for _, entry := range plan.entries {
		if err := c.Upsert(entry.account, entry.fromBlock, entry.code, true); err != nil {
			return fmt.Errorf("manifest entry %q: %w", entry.spec, err)
		}
	}
	return nil
}

func (c *Context) wipe() error {
	accounts, err := c.store.List()
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if err := c.Deactivate(account); err != nil {
			return err
		}
		if err := c.Remove(account); err != nil {
			return err
		}
	}
	return nil
}
