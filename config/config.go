package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"codesubst/subst"
)

// RateLimit bounds write calls per client on the admin API.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	// SampleRatio keeps this fraction of root spans; 0 keeps all.
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// Auth guards the write routes with HS256 bearer tokens. The secret is read
// from SecretEnv when Secret is empty.
type Auth struct {
	Secret    string `toml:"Secret" yaml:"secret"`
	SecretEnv string `toml:"SecretEnv" yaml:"secretEnv"`
	Issuer    string `toml:"Issuer" yaml:"issuer"`
	Audience  string `toml:"Audience" yaml:"audience"`
}

// HMACSecret resolves the configured token secret.
func (a Auth) HMACSecret() string {
	if secret := strings.TrimSpace(a.Secret); secret != "" {
		return secret
	}
	if env := strings.TrimSpace(a.SecretEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

type Config struct {
	DataDir         string        `toml:"DataDir" yaml:"dataDir"`
	RPCAddress      string        `toml:"RPCAddress" yaml:"rpcAddress"`
	ChainID         string        `toml:"ChainID" yaml:"chainId"`
	Env             string        `toml:"Env" yaml:"env"`
	Store           string        `toml:"Store" yaml:"store"`
	StoreDSN        string        `toml:"StoreDSN" yaml:"storeDsn"`
	Substitutions   []string      `toml:"Substitutions" yaml:"substitutions"`
	ManifestURLs    []string      `toml:"ManifestURLs" yaml:"manifestUrls"`
	ManifestPolicy  string        `toml:"ManifestPolicy" yaml:"manifestPolicy"`
	RefreshInterval time.Duration `toml:"RefreshInterval" yaml:"refreshInterval"`
	FetchTimeout    time.Duration `toml:"FetchTimeout" yaml:"fetchTimeout"`
	AdminAPIs       bool          `toml:"AdminAPIs" yaml:"adminApis"`
	AOTCache        bool          `toml:"AOTCache" yaml:"aotCache"`
	ModuleCacheSize int           `toml:"ModuleCacheSize" yaml:"moduleCacheSize"`
	LogLevel        string        `toml:"LogLevel" yaml:"logLevel"`
	LogFile         string        `toml:"LogFile" yaml:"logFile"`
	RateLimit       RateLimit     `toml:"RateLimit" yaml:"rateLimit"`
	Auth            Auth          `toml:"Auth" yaml:"auth"`
	Telemetry       Telemetry     `toml:"Telemetry" yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:         "./subst-data",
		RPCAddress:      ":8080",
		ChainID:         "subst-local",
		Env:             "dev",
		Store:           subst.StoreKV,
		RefreshInterval: subst.DefaultRefreshInterval,
		FetchTimeout:    subst.DefaultFetchTimeout,
		ModuleCacheSize: 256,
		LogLevel:        "info",
		RateLimit: RateLimit{
			RequestsPerMinute: 60,
			Burst:             10,
		},
	}
}

// Load reads a TOML or YAML file, selected by extension, over the defaults. A
// missing TOML file is created with the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}

	isYAML := false
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		isYAML = true
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if isYAML {
			return nil, fmt.Errorf("open config: %w", err)
		}
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if isYAML {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(cfg.Store) == "" {
		cfg.Store = def.Store
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.ModuleCacheSize <= 0 {
		cfg.ModuleCacheSize = def.ModuleCacheSize
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = def.Env
	}
}

// Validate checks the configuration. Manifest sources require an explicit
// refresh policy.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ChainID) == "" {
		return fmt.Errorf("ChainID must be set")
	}
	switch cfg.Store {
	case subst.StoreKV, subst.StoreMemory, subst.StoreBolt:
	case subst.StoreSQL:
		if err := subst.ValidateSQLDSN(cfg.StoreDSN); err != nil {
			return fmt.Errorf("StoreDSN: %w", err)
		}
	default:
		return fmt.Errorf("Store must be one of %q, %q, %q, %q, got %q", subst.StoreKV, subst.StoreMemory, subst.StoreBolt, subst.StoreSQL, cfg.Store)
	}
	if (cfg.Store == subst.StoreKV || cfg.Store == subst.StoreBolt) && strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("DataDir must be set for the %s store", cfg.Store)
	}
	policy, err := subst.ParsePolicy(cfg.ManifestPolicy)
	if err != nil {
		return fmt.Errorf("ManifestPolicy: %w", err)
	}
	for i, raw := range cfg.ManifestURLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("ManifestURLs[%d]: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("ManifestURLs[%d] must use http or https", i)
		}
	}
	if len(cfg.ManifestURLs) > 0 && policy == subst.PolicyUnset {
		return fmt.Errorf("ManifestPolicy must be set to %q or %q when ManifestURLs are configured", subst.PolicyMerge, subst.PolicyReplace)
	}
	for i, entry := range cfg.Substitutions {
		if _, err := subst.ParsePreload(entry); err != nil {
			return fmt.Errorf("Substitutions[%d]: %w", i, err)
		}
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("RateLimit values must not be negative")
	}
	if cfg.ModuleCacheSize < 0 {
		return fmt.Errorf("ModuleCacheSize must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("Telemetry.SampleRatio must be within [0, 1]")
	}
	if cfg.AdminAPIs && !cfg.IsDev() && cfg.Auth.HMACSecret() == "" {
		return fmt.Errorf("Auth secret must be set to enable AdminAPIs outside development")
	}
	return nil
}

// Preloads parses the configured local substitutions.
func (cfg *Config) Preloads() ([]subst.Preload, error) {
	out := make([]subst.Preload, 0, len(cfg.Substitutions))
	for _, entry := range cfg.Substitutions {
		p, err := subst.ParsePreload(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Policy returns the parsed manifest policy.
func (cfg *Config) Policy() subst.Policy {
	p, _ := subst.ParsePolicy(cfg.ManifestPolicy)
	return p
}

// IsDev reports whether the node runs in a development environment.
func (cfg *Config) IsDev() bool {
	switch strings.ToLower(strings.TrimSpace(cfg.Env)) {
	case "", "dev", "development", "local", "test":
		return true
	}
	return false
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
