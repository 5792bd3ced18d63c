// Package config handles Lattice configuration via environment variables.
//
// All settings are prefixed LATTICE_ and loaded with LoadFromEnv(); call
// Validate() before use. Persona boost profiles live in a separate YAML
// file referenced by LATTICE_PERSONA_PROFILES.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - LATTICE_DATA_DIR="./data"
//   - LATTICE_SYNC_WORKERS=2
//   - LATTICE_SYNC_LEASE=30s
//   - LATTICE_SYNC_MAX_ATTEMPTS=8
//   - LATTICE_DISCOVERY_DEADLINE=2s
//   - LATTICE_ADAPTER_TIMEOUT=500ms
//   - LATTICE_MAX_HOPS=3
//   - LATTICE_VECTOR_DIMENSIONS=768
//   - LATTICE_CACHE_SIZE=1000
//   - LATTICE_CACHE_TTL=30s
//   - LATTICE_PERSONA_PROFILES="./personas.yaml"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all Lattice configuration, organized by subsystem.
type Config struct {
	// Storage settings for both stores
	Storage StorageConfig

	// Sync engine and queue settings
	Sync SyncConfig

	// Discovery engine settings
	Discovery DiscoveryConfig

	// Result cache settings
	Cache CacheConfig
}

// StorageConfig holds data layout settings.
type StorageConfig struct {
	// DataDir is the root directory for all persistent state.
	DataDir string
	// GraphInMemory runs the relationship store without persistence.
	GraphInMemory bool
	// SyncWrites forces fsync on every graph write.
	SyncWrites bool
}

// KnowledgePath returns the SQLite database file path.
func (s *StorageConfig) KnowledgePath() string {
	return filepath.Join(s.DataDir, "lattice.db")
}

// GraphPath returns the badger directory path.
func (s *StorageConfig) GraphPath() string {
	return filepath.Join(s.DataDir, "graph")
}

// SyncConfig holds sync engine and queue settings.
type SyncConfig struct {
	// Workers is the sync worker pool size.
	Workers int
	// BatchSize is the dequeue batch per worker pass.
	BatchSize int
	// Lease is the exclusive claim duration per dequeued item.
	Lease time.Duration
	// MaxAttempts before an item moves to the dead-letter state.
	MaxAttempts int
	// PollInterval is the idle fallback poll cadence.
	PollInterval time.Duration
}

// DiscoveryConfig holds discovery engine settings.
type DiscoveryConfig struct {
	// Deadline bounds a discovery request end to end.
	Deadline time.Duration
	// AdapterTimeout is the hard per-backend call budget.
	AdapterTimeout time.Duration
	// MaxHops bounds graph traversal depth.
	MaxHops int
	// VectorDimensions is the embedding size the vector index expects.
	VectorDimensions int
	// PersonaProfiles is the YAML file of persona boost profiles.
	// Empty disables persona re-ranking.
	PersonaProfiles string
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	// Enabled toggles the read-through result cache.
	Enabled bool
	// Size is the entry cap before LRU eviction.
	Size int
	// TTL is the per-entry time-to-live.
	TTL time.Duration
}

// LoadFromEnv builds a Config from LATTICE_* environment variables,
// falling back to defaults for anything unset.
func LoadFromEnv() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:       getEnv("LATTICE_DATA_DIR", "./data"),
			GraphInMemory: getEnvBool("LATTICE_GRAPH_IN_MEMORY", false),
			SyncWrites:    getEnvBool("LATTICE_SYNC_WRITES", false),
		},
		Sync: SyncConfig{
			Workers:      getEnvInt("LATTICE_SYNC_WORKERS", 2),
			BatchSize:    getEnvInt("LATTICE_SYNC_BATCH_SIZE", 16),
			Lease:        getEnvDuration("LATTICE_SYNC_LEASE", 30*time.Second),
			MaxAttempts:  getEnvInt("LATTICE_SYNC_MAX_ATTEMPTS", 8),
			PollInterval: getEnvDuration("LATTICE_SYNC_POLL_INTERVAL", 5*time.Second),
		},
		Discovery: DiscoveryConfig{
			Deadline:         getEnvDuration("LATTICE_DISCOVERY_DEADLINE", 2*time.Second),
			AdapterTimeout:   getEnvDuration("LATTICE_ADAPTER_TIMEOUT", 500*time.Millisecond),
			MaxHops:          getEnvInt("LATTICE_MAX_HOPS", 3),
			VectorDimensions: getEnvInt("LATTICE_VECTOR_DIMENSIONS", 768),
			PersonaProfiles:  getEnv("LATTICE_PERSONA_PROFILES", ""),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("LATTICE_CACHE_ENABLED", true),
			Size:    getEnvInt("LATTICE_CACHE_SIZE", 1000),
			TTL:     getEnvDuration("LATTICE_CACHE_TTL", 30*time.Second),
		},
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("LATTICE_DATA_DIR must not be empty")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("LATTICE_SYNC_WORKERS must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.Lease <= 0 {
		return fmt.Errorf("LATTICE_SYNC_LEASE must be positive, got %s", c.Sync.Lease)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("LATTICE_SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Discovery.Deadline <= 0 {
		return fmt.Errorf("LATTICE_DISCOVERY_DEADLINE must be positive, got %s", c.Discovery.Deadline)
	}
	if c.Discovery.AdapterTimeout <= 0 || c.Discovery.AdapterTimeout > c.Discovery.Deadline {
		return fmt.Errorf("LATTICE_ADAPTER_TIMEOUT must be positive and within the request deadline")
	}
	if c.Discovery.MaxHops < 1 || c.Discovery.MaxHops > 10 {
		return fmt.Errorf("LATTICE_MAX_HOPS must be in [1,10], got %d", c.Discovery.MaxHops)
	}
	if c.Discovery.VectorDimensions < 1 {
		return fmt.Errorf("LATTICE_VECTOR_DIMENSIONS must be positive, got %d", c.Discovery.VectorDimensions)
	}
	if c.Cache.Enabled && c.Cache.Size < 1 {
		return fmt.Errorf("LATTICE_CACHE_SIZE must be positive when the cache is enabled")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare integers are treated as seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
