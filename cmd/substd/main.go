package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"codesubst/config"
	"codesubst/core"
	"codesubst/core/vm"
	"codesubst/observability/logging"
	telemetry "codesubst/observability/otel"
	"codesubst/rpc"
	"codesubst/storage"
	"codesubst/subst"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var (
		cfgPath       string
		adminAPIs     bool
		policy        string
		substitutions stringList
		manifests     stringList
	)
	flag.StringVar(&cfgPath, "config", "", "path to substd configuration (.toml or .yaml)")
	flag.BoolVar(&adminAPIs, "admin-apis", false, "mount the substitution write API (never expose publicly)")
	flag.StringVar(&policy, "manifest-policy", "", "manifest refresh policy (merge|replace)")
	flag.Var(&substitutions, "subst", "preload a substitution as account[:from_block]:path (repeatable)")
	flag.Var(&manifests, "manifest", "manifest source URL (repeatable)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, adminAPIs, policy, substitutions, manifests)
	if env := strings.TrimSpace(os.Getenv("SUBST_ENV")); env != "" {
		cfg.Env = env
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWithOptions("substd", cfg.Env, logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("substd exited", "error", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, adminAPIs bool, policy string, substitutions, manifests []string) {
	if adminAPIs {
		cfg.AdminAPIs = true
	}
	if strings.TrimSpace(policy) != "" {
		cfg.ManifestPolicy = policy
	}
	cfg.Substitutions = append(cfg.Substitutions, substitutions...)
	if len(manifests) > 0 {
		cfg.ManifestURLs = append([]string{}, manifests...)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv(telemetry.Config{
		ServiceName: "substd",
		Environment: cfg.Env,
		ChainID:     cfg.ChainID,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var vmOpts []vm.Option
	if cfg.AOTCache {
		vmOpts = append(vmOpts, vm.WithAOTCache(vm.NewAOTCache(1)))
	}
	iface := vm.NewInterface(vm.NewModuleCache(cfg.ModuleCacheSize), vmOpts...)
	node, err := core.NewNode(db, cfg.ChainID, core.WithLogger(logger), core.WithInterface(iface))
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}

	var store subst.Store
	switch cfg.Store {
	case subst.StoreMemory:
		store = subst.NewMemStore()
	case subst.StoreBolt:
		boltStore, err := subst.OpenBoltStore(filepath.Join(cfg.DataDir, "subst.db"), nil)
		if err != nil {
			return err
		}
		defer boltStore.Close()
		store = boltStore
	case subst.StoreSQL:
		sqlStore, err := subst.OpenSQLStore(cfg.StoreDSN)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
	default:
		store = subst.NewKVStore(node.State)
	}
	sc, err := subst.NewContext(node, store, cfg.ManifestURLs,
		subst.WithLogger(logger),
		subst.WithManifestPolicy(cfg.Policy()),
	)
	if err != nil {
		return fmt.Errorf("init substitution context: %w", err)
	}
	defer sc.Close()
	node.VM().SetApplyHook(sc.Hook())

	preloads, err := cfg.Preloads()
	if err != nil {
		return err
	}
	if err := sc.Preload(ctx, preloads); err != nil {
		return fmt.Errorf("preload substitutions: %w", err)
	}
	if err := node.View(func() error {
		sc.DebugPrint()
		return nil
	}); err != nil {
		return err
	}

	if len(cfg.ManifestURLs) > 0 {
		if _, err := sc.StartRefresher(ctx, cfg.RefreshInterval, cfg.FetchTimeout); err != nil {
			return fmt.Errorf("start manifest refresh: %w", err)
		}
	}

	server := rpc.NewServer(sc, node,
		rpc.WithLogger(logger),
		rpc.WithAdminAPIs(cfg.AdminAPIs),
		rpc.WithRateLimit(rpc.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		rpc.WithFetchTimeout(cfg.FetchTimeout),
		rpc.WithAuth(rpc.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret(),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}),
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve api: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown api: %w", err)
	}
	return nil
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return storage.NewMemDB(), nil
	}
	path := filepath.Join(cfg.DataDir, "state")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return db, nil
}
