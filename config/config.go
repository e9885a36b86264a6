package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvRPCSecret = "ESCROWD_RPC_SECRET"
	EnvDataDir   = "ESCROWD_DATA_DIR"
	EnvListen    = "ESCROWD_LISTEN"
)

type Config struct {
	ListenAddress  string `toml:"ListenAddress" yaml:"listen"`
	DataDir        string `toml:"DataDir" yaml:"data_dir"`
	StorageBackend string `toml:"StorageBackend" yaml:"storage_backend"`
	Environment    string `toml:"Environment" yaml:"environment"`

	Log       LogConfig       `toml:"log" yaml:"log"`
	RPC       RPCConfig       `toml:"rpc" yaml:"rpc"`
	Escrow    EscrowConfig    `toml:"escrow" yaml:"escrow"`
	Indexer   IndexerConfig   `toml:"indexer" yaml:"indexer"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

type LogConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// RPCConfig controls the JSON-RPC listener. Timeouts are expressed in seconds.
type RPCConfig struct {
	// AuthSecret is the HS256 key used to verify caller tokens for
	// escrow_fund. escrowd refuses to start without it unless
	// InsecureTrustCaller is set, in which case the caller parameter is
	// trusted as given.
	AuthSecret          string  `toml:"AuthSecret" yaml:"auth_secret"`
	InsecureTrustCaller bool    `toml:"InsecureTrustCaller" yaml:"insecure_trust_caller"`
	RateLimitPerSecond  float64 `toml:"RateLimitPerSecond" yaml:"rate_limit_per_second"`
	RateLimitBurst      int     `toml:"RateLimitBurst" yaml:"rate_limit_burst"`
	TrustProxyHeaders   bool    `toml:"TrustProxyHeaders" yaml:"trust_proxy_headers"`
	MaxBodyBytes        int64   `toml:"MaxBodyBytes" yaml:"max_body_bytes"`
	ReadHeaderTimeout   int     `toml:"ReadHeaderTimeout" yaml:"read_header_timeout"`
	ReadTimeout         int     `toml:"ReadTimeout" yaml:"read_timeout"`
	WriteTimeout        int     `toml:"WriteTimeout" yaml:"write_timeout"`
	IdleTimeout         int     `toml:"IdleTimeout" yaml:"idle_timeout"`
}

type EscrowConfig struct {
	// UniqueIDs mixes a registry sequence into identifiers so two identical
	// creations within the same second no longer conflict.
	UniqueIDs bool `toml:"UniqueIDs" yaml:"unique_ids"`
}

type IndexerConfig struct {
	Enabled bool   `toml:"Enabled" yaml:"enabled"`
	Driver  string `toml:"Driver" yaml:"driver"`
	DSN     string `toml:"DSN" yaml:"dsn"`
}

type TelemetryConfig struct {
	// ServiceName labels logs, traces and metrics. Defaults to escrowd.
	ServiceName string  `toml:"ServiceName" yaml:"service_name"`
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress:  ":8547",
		DataDir:        "./escrow-data",
		StorageBackend: "leveldb",
		Environment:    "local",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		RPC: RPCConfig{
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			MaxBodyBytes:       1 << 20,
			ReadHeaderTimeout:  5,
			ReadTimeout:        15,
			WriteTimeout:       15,
			IdleTimeout:        60,
		},
		Indexer: IndexerConfig{
			Driver: "sqlite",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "escrowd",
		},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with defaults. Files ending in .yaml or .yml are decoded as YAML, anything
// else as TOML. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path required")
	}
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		cfg, err = decodeFile(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeFile(path string) (*Config, error) {
	cfg := &Config{}
	if isYAML(path) {
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
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = def.ListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.StorageBackend) == "" {
		c.StorageBackend = def.StorageBackend
	}
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = def.Log.Level
	}
	if c.RPC.MaxBodyBytes == 0 {
		c.RPC.MaxBodyBytes = def.RPC.MaxBodyBytes
	}
	if c.RPC.ReadHeaderTimeout == 0 {
		c.RPC.ReadHeaderTimeout = def.RPC.ReadHeaderTimeout
	}
	if c.RPC.ReadTimeout == 0 {
		c.RPC.ReadTimeout = def.RPC.ReadTimeout
	}
	if c.RPC.WriteTimeout == 0 {
		c.RPC.WriteTimeout = def.RPC.WriteTimeout
	}
	if c.RPC.IdleTimeout == 0 {
		c.RPC.IdleTimeout = def.RPC.IdleTimeout
	}
	if strings.TrimSpace(c.Indexer.Driver) == "" {
		c.Indexer.Driver = def.Indexer.Driver
	}
	c.Indexer.Driver = strings.ToLower(strings.TrimSpace(c.Indexer.Driver))
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRPCSecret); ok && strings.TrimSpace(v) != "" {
		c.RPC.AuthSecret = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDataDir); ok && strings.TrimSpace(v) != "" {
		c.DataDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvListen); ok && strings.TrimSpace(v) != "" {
		c.ListenAddress = strings.TrimSpace(v)
	}
}

// IndexerDSN resolves the indexer connection string. SQLite defaults to a file
// inside the data directory.
func (c *Config) IndexerDSN() string {
	if dsn := strings.TrimSpace(c.Indexer.DSN); dsn != "" {
		return dsn
	}
	if c.Indexer.Driver == "sqlite" {
		return filepath.Join(c.DataDir, "indexer.db")
	}
	return ""
}

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

func (r RPCConfig) ReadHeaderTimeoutDuration() time.Duration { return seconds(r.ReadHeaderTimeout) }
func (r RPCConfig) ReadTimeoutDuration() time.Duration { return seconds(r.ReadTimeout) }
func (r RPCConfig) WriteTimeoutDuration() time.Duration { return seconds(r.WriteTimeout) }
func (r RPCConfig) IdleTimeoutDuration() time.Duration { return seconds(r.IdleTimeout) }

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if isYAML(path) {
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(cfg); err != nil {
			return err
		}
		if err := encoder.Close(); err != nil {
			return err
		}
	} else if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
