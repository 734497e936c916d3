package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"sigs.k8s.io/yaml"
)

const EnvPrefix = "OFFLINECRUD_"

// Duration decodes from strings such as "15s" in TOML, YAML and JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Addr         string `json:"addr" toml:"addr"`
	Origin       string `json:"origin" toml:"origin"`
	APIBaseURL   string `json:"api_base_url" toml:"api_base_url"`
	ResourcePath string `json:"resource_path" toml:"resource_path"`
	MaxBodyBytes int64  `json:"max_body_bytes" toml:"max_body_bytes"`

	BackendProfile string `json:"backend_profile" toml:"backend_profile"`
	DataDir        string `json:"data_dir" toml:"data_dir"`
	StateDSN       string `json:"state_dsn" toml:"state_dsn"`
	CacheDSN       string `json:"cache_dsn" toml:"cache_dsn"`
	ProductionDSN  string `json:"production_dsn" toml:"production_dsn"`

	FailurePolicy  string   `json:"failure_policy" toml:"failure_policy"`
	EntryTimeout   Duration `json:"entry_timeout" toml:"entry_timeout"`
	RequestTimeout Duration `json:"request_timeout" toml:"request_timeout"`
	StartOffline   bool     `json:"start_offline" toml:"start_offline"`
	SearchLimit    int      `json:"search_limit" toml:"search_limit"`

	ProbeURL         string   `json:"probe_url" toml:"probe_url"`
	ProbeInterval    Duration `json:"probe_interval" toml:"probe_interval"`
	ProbeMaxInterval Duration `json:"probe_max_interval" toml:"probe_max_interval"`
	ProbeTimeout     Duration `json:"probe_timeout" toml:"probe_timeout"`
	ProbeJitter      float64  `json:"probe_jitter" toml:"probe_jitter"`

	Cache CacheConfig `json:"cache" toml:"cache"`
}

type CacheConfig struct {
	StaticName        string   `json:"static_name" toml:"static_name"`
	DynamicName       string   `json:"dynamic_name" toml:"dynamic_name"`
	Precache          []string `json:"precache" toml:"precache"`
	APIPrefix         string   `json:"api_prefix" toml:"api_prefix"`
	ProtectedPrefixes []string `json:"protected_prefixes" toml:"protected_prefixes"`
	LoginPath         string   `json:"login_path" toml:"login_path"`
	SkipInstall       bool     `json:"skip_install" toml:"skip_install"`
}

// Default leaves cache manifests nil so the worker's own defaults apply.
func Default() Config {
	return Config{
		Addr:             "127.0.0.1:8090",
		Origin:           "http://127.0.0.1:3000",
		ResourcePath:     "/api/clientes",
		MaxBodyBytes:     1 << 20,
		BackendProfile:   "durable-local",
		DataDir:          ".offlinecrud",
		FailurePolicy:    "drain",
		EntryTimeout:     Duration(15 * time.Second),
		RequestTimeout:   Duration(10 * time.Second),
		ProbeInterval:    Duration(10 * time.Second),
		ProbeMaxInterval: Duration(2 * time.Minute),
		ProbeTimeout:     Duration(3 * time.Second),
		ProbeJitter:      0.2,
		SearchLimit:      5,
	}
}

// LoadFile overlays the file at path onto cfg. The format follows the
// extension: .toml, otherwise YAML (which also accepts JSON).
func LoadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", ".json":
		err = yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from OFFLINECRUD_* variables. Invalid values are
// logged and ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}
	c.Addr = e.stringOr("ADDR", c.Addr)
	c.Origin = e.stringOr("ORIGIN", c.Origin)
	c.APIBaseURL = e.stringOr("API_BASE_URL", c.APIBaseURL)
	c.ResourcePath = e.stringOr("RESOURCE_PATH", c.ResourcePath)
	c.MaxBodyBytes = int64(e.intOr("MAX_BODY_BYTES", int(c.MaxBodyBytes)))
	c.BackendProfile = e.stringOr("BACKEND_PROFILE", c.BackendProfile)
	c.DataDir = e.stringOr("DATA_DIR", c.DataDir)
	c.StateDSN = e.stringOr("STATE_DSN", c.StateDSN)
	c.CacheDSN = e.stringOr("CACHE_DSN", c.CacheDSN)
	c.ProductionDSN = e.stringOr("PRODUCTION_DSN", c.ProductionDSN)
	c.FailurePolicy = e.stringOr("FAILURE_POLICY", c.FailurePolicy)
	c.EntryTimeout = Duration(e.durationOr("ENTRY_TIMEOUT", c.EntryTimeout.Std()))
	c.RequestTimeout = Duration(e.durationOr("REQUEST_TIMEOUT", c.RequestTimeout.Std()))
	c.StartOffline = e.boolOr("START_OFFLINE", c.StartOffline)
	c.SearchLimit = e.intOr("SEARCH_LIMIT", c.SearchLimit)
	c.ProbeURL = e.stringOr("PROBE_URL", c.ProbeURL)
	c.ProbeInterval = Duration(e.durationOr("PROBE_INTERVAL", c.ProbeInterval.Std()))
	c.ProbeMaxInterval = Duration(e.durationOr("PROBE_MAX_INTERVAL", c.ProbeMaxInterval.Std()))
	c.ProbeTimeout = Duration(e.durationOr("PROBE_TIMEOUT", c.ProbeTimeout.Std()))
	c.ProbeJitter = e.floatOr("PROBE_JITTER", c.ProbeJitter)
	c.Cache.StaticName = e.stringOr("STATIC_CACHE", c.Cache.StaticName)
	c.Cache.DynamicName = e.stringOr("DYNAMIC_CACHE", c.Cache.DynamicName)
	c.Cache.Precache = e.listOr("PRECACHE", c.Cache.Precache)
	c.Cache.ProtectedPrefixes = e.listOr("PROTECTED_PREFIXES", c.Cache.ProtectedPrefixes)
	c.Cache.LoginPath = e.stringOr("LOGIN_PATH", c.Cache.LoginPath)
	c.Cache.SkipInstall = e.boolOr("SKIP_INSTALL", c.Cache.SkipInstall)
}

// BindFlags registers flags whose defaults are cfg's current values, so that
// parsing leaves untouched fields as they are.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "control surface and proxy listen address")
	fs.StringVar(&c.Origin, "origin", c.Origin, "origin server URL")
	fs.StringVar(&c.APIBaseURL, "api-base-url", c.APIBaseURL, "customers API base URL (defaults to origin)")
	fs.StringVar(&c.ResourcePath, "resource-path", c.ResourcePath, "customers API resource path")
	fs.StringVar(&c.BackendProfile, "backend-profile", c.BackendProfile, "storage profile: memory, durable-local, files, production, custom")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "local data directory")
	fs.StringVar(&c.StateDSN, "state-dsn", c.StateDSN, "slot backend DSN for queue, mirror and searches")
	fs.StringVar(&c.CacheDSN, "cache-dsn", c.CacheDSN, "slot backend DSN for cache storage")
	fs.StringVar(&c.FailurePolicy, "failure-policy", c.FailurePolicy, "reconciliation failure policy: drain or retain")
	fs.Var(durationFlag{&c.EntryTimeout}, "entry-timeout", "per-entry reconciliation timeout")
	fs.Var(durationFlag{&c.ProbeInterval}, "probe-interval", "connectivity probe interval while online")
	fs.Float64Var(&c.ProbeJitter, "probe-jitter", c.ProbeJitter, "probe interval jitter ratio (0.0-1.0)")
	fs.StringVar(&c.ProbeURL, "probe-url", c.ProbeURL, "connectivity probe URL (defaults to origin)")
	fs.BoolVar(&c.StartOffline, "offline", c.StartOffline, "start in offline mode")
	fs.BoolVar(&c.Cache.SkipInstall, "skip-install", c.Cache.SkipInstall, "do not precache on startup")
}

// Resolve builds the effective configuration: defaults, then the config file
// (-config or OFFLINECRUD_CONFIG), then environment, then flags.
func Resolve(args []string, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()
	path := configPathFromArgs(args)
	if path == "" {
		if value, ok := lookup(EnvPrefix + "CONFIG"); ok {
			path = strings.TrimSpace(value)
		}
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(lookup)

	fs := flag.NewFlagSet("offlinecrud", flag.ContinueOnError)
	fs.String("config", path, "config file (.toml, .yaml, .yml, .json)")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize fills derived fields and rejects unusable values.
func (c *Config) Normalize() error {
	c.Origin = strings.TrimRight(strings.TrimSpace(c.Origin), "/")
	origin, err := url.Parse(c.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("origin must be an absolute URL: %q", c.Origin)
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		c.APIBaseURL = c.Origin
	}
	if strings.TrimSpace(c.ProbeURL) == "" {
		c.ProbeURL = c.Origin + "/"
	}
	if c.ProbeJitter < 0 {
		c.ProbeJitter = 0
	} else if c.ProbeJitter > 1 {
		c.ProbeJitter = 1
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = Default().EntryTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Default().RequestTimeout
	}
	stateDSN, cacheDSN, err := c.profileDSNs()
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.StateDSN) == "" {
		c.StateDSN = stateDSN
	}
	if strings.TrimSpace(c.CacheDSN) == "" {
		c.CacheDSN = cacheDSN
	}
	return nil
}

func (c *Config) profileDSNs() (stateDSN, cacheDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = Default().DataDir
	}
	switch profile {
	case "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.ProductionDSN)
		if dsn == "" {
			return "", "", errors.New("production_dsn is required for the production backend profile")
		}
		return dsn, dsn, nil
	case "", "durable-local", "local-durable":
		abs, err := filepath.Abs(dataDir)
		if err != nil {
			return "", "", err
		}
		return "bolt://" + filepath.ToSlash(filepath.Join(abs, "state.db")),
			"file://" + filepath.ToSlash(filepath.Join(abs, "cache")),
			nil
	case "files":
		abs, err := filepath.Abs(dataDir)
		if err != nil {
			return "", "", err
		}
		return "file://" + filepath.ToSlash(filepath.Join(abs, "state")),
			"file://" + filepath.ToSlash(filepath.Join(abs, "cache")),
			nil
	default:
		return "", "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if value, ok := strings.CutPrefix(name, "config="); ok {
			return strings.TrimSpace(value)
		}
		if name == "config" && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return ""
}

type durationFlag struct {
	target *Duration
}

func (f durationFlag) String() string {
	if f.target == nil {
		return ""
	}
	return f.target.Std().String()
}

func (f durationFlag) Set(raw string) error {
	return f.target.UnmarshalText([]byte(raw))
}

type envReader struct {
	lookup func(string) (string, bool)
}

func (e envReader) raw(name string) (string, bool) {
	value, ok := e.lookup(EnvPrefix + name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (e envReader) stringOr(name, fallback string) string {
	if value, ok := e.raw(name); ok {
		return value
	}
	return fallback
}

func (e envReader) intOr(name string, fallback int) int {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s%s=%q, using fallback %d", EnvPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) durationOr(name string, fallback time.Duration) time.Duration {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s%s=%q, using fallback %s", EnvPrefix, name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) floatOr(name string, fallback float64) float64 {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s%s=%q, using fallback %f", EnvPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) boolOr(name string, fallback bool) bool {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s%s=%q, using fallback %t", EnvPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

// listOr splits a comma-separated value; a lone "-" means an explicit empty list.
func (e envReader) listOr(name string, fallback []string) []string {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	if raw == "-" {
		return []string{}
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
