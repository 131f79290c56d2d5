package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// Config holds the server configuration, loaded from a TOML file with
// environment overrides for credentials-bearing values.
type Config struct {
	Addr      string
	Strategy  string
	RateLimit float64
	RateBurst int

	StoreBackend     string // memory | bolt | postgres | firestore
	BoltPath         string
	PostgresURL      string
	FirestoreProject string
	CacheFlush       time.Duration

	RedisAddr string
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Addr:         ":8080",
		Strategy:     "last-writer-wins",
		RateLimit:    50,
		RateBurst:    100,
		StoreBackend: "memory",
		BoltPath:     "opsync.db",
		CacheFlush:   5 * time.Second,
	}
}

// Load reads the config file at path. A missing file yields the defaults;
// OPSYNC_POSTGRES_URL, OPSYNC_FIRESTORE_PROJECT and OPSYNC_REDIS_ADDR
// override their file counterparts either way.
func Load(path string) (Config, error) {
	cfg := Default()

	tree, err := loadToml(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config %q: %w", path, err)
	}

	cfg.Addr = getString(tree, "server.addr", cfg.Addr)
	cfg.Strategy = getString(tree, "server.strategy", cfg.Strategy)
	cfg.RateLimit = getFloat(tree, "server.rate_limit", cfg.RateLimit)
	cfg.RateBurst = getInt(tree, "server.rate_burst", cfg.RateBurst)

	cfg.StoreBackend = getString(tree, "store.backend", cfg.StoreBackend)
	cfg.BoltPath = getString(tree, "store.bolt_path", cfg.BoltPath)
	cfg.PostgresURL = getString(tree, "store.postgres_url", cfg.PostgresURL)
	cfg.FirestoreProject = getString(tree, "store.firestore_project", cfg.FirestoreProject)
	if secs := getInt(tree, "store.cache_flush_seconds", 0); secs > 0 {
		cfg.CacheFlush = time.Duration(secs) * time.Second
	}

	cfg.RedisAddr = getString(tree, "redis.addr", cfg.RedisAddr)

	if v := os.Getenv("OPSYNC_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("OPSYNC_FIRESTORE_PROJECT"); v != "" {
		cfg.FirestoreProject = v
	}
	if v := os.Getenv("OPSYNC_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	return cfg, nil
}

func loadToml(path string) (*toml.Tree, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return toml.TreeFromMap(map[string]interface{}{})
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return toml.LoadBytes(b)
}

func getString(tree *toml.Tree, key, def string) string {
	if v, ok := tree.Get(key).(string); ok {
		return v
	}
	return def
}

func getInt(tree *toml.Tree, key string, def int) int {
	if v, ok := tree.Get(key).(int64); ok {
		return int(v)
	}
	return def
}

func getFloat(tree *toml.Tree, key string, def float64) float64 {
	switch v := tree.Get(key).(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return def
}
