package config

import (
	"fmt"
	"net"
	"strings"
)

var (
	storageBackends = map[string]struct{}{"memory": {}, "leveldb": {}, "bolt": {}}
	indexerDrivers  = map[string]struct{}{"sqlite": {}, "postgres": {}}
	logLevels       = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {}}
)

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("ListenAddress %q: %w", c.ListenAddress, err)
	}
	if _, ok := storageBackends[c.StorageBackend]; !ok {
		return fmt.Errorf("StorageBackend: unsupported backend %q", c.StorageBackend)
	}
	if c.StorageBackend != "memory" && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir required for %s backend", c.StorageBackend)
	}
	if _, ok := logLevels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("log.Level: unsupported level %q", c.Log.Level)
	}
	if c.RPC.RateLimitPerSecond < 0 {
		return fmt.Errorf("rpc.RateLimitPerSecond must not be negative")
	}
	if c.RPC.RateLimitPerSecond > 0 && c.RPC.RateLimitBurst <= 0 {
		return fmt.Errorf("rpc.RateLimitBurst must be positive when rate limiting is enabled")
	}
	if c.RPC.MaxBodyBytes < 0 {
		return fmt.Errorf("rpc.MaxBodyBytes must not be negative")
	}
	for name, v := range map[string]int{
		"ReadHeaderTimeout": c.RPC.ReadHeaderTimeout,
		"ReadTimeout":       c.RPC.ReadTimeout,
		"WriteTimeout":      c.RPC.WriteTimeout,
		"IdleTimeout":       c.RPC.IdleTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("rpc.%s must not be negative", name)
		}
	}
	if c.Indexer.Enabled {
		if _, ok := indexerDrivers[c.Indexer.Driver]; !ok {
			return fmt.Errorf("indexer.Driver: unsupported driver %q", c.Indexer.Driver)
		}
		if c.Indexer.Driver == "postgres" && strings.TrimSpace(c.Indexer.DSN) == "" {
			return fmt.Errorf("indexer.DSN required for postgres")
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.SampleRatio must be within [0, 1]")
	}
	return nil
}
