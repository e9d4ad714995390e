// Package config reads the service configuration from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StoreTables    = "tables"
	StoreFirestore = "firestore"
	StoreMemory    = "memory"

	defaultPort           = "8080"
	defaultFolderCacheTTL = 5 * time.Minute
	defaultIdempotencyTTL = 24 * time.Hour
)

// Config holds every setting the binary understands.
type Config struct {
	Debug bool

	Store            string
	ConnectionString string
	MemosTable       string
	FoldersTable     string
	RepairQueue      string

	RedisConnectionString string
	FolderCacheTTL        time.Duration
	IdempotencyTTL        time.Duration

	FirestoreProject string

	Auth0Domain   string
	Auth0Audience string
	AuthTestMode  bool
	TestJWTSecret string

	Port string
}

// Load reads the environment. It reports malformed values; missing
// required values are checked by Validate so commands that do not touch a
// backend can still run.
func Load() (Config, error) {
	cfg := Config{
		Store:                 strings.ToLower(getenv("MEMO_STORE", StoreTables)),
		ConnectionString:      os.Getenv("STORAGE_CONNECTION_STRING"),
		MemosTable:            getenv("MEMOS_TABLE", "memos"),
		FoldersTable:          getenv("FOLDERS_TABLE", "folders"),
		RepairQueue:           getenv("ID_REPAIR_QUEUE", "memo-id-repair"),
		RedisConnectionString: os.Getenv("REDIS_CONNECTION_STRING"),
		FolderCacheTTL:        defaultFolderCacheTTL,
		IdempotencyTTL:        defaultIdempotencyTTL,
		FirestoreProject:      os.Getenv("FIRESTORE_PROJECT"),
		Auth0Domain:           os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience:         os.Getenv("AUTH0_AUDIENCE"),
		AuthTestMode:          os.Getenv("AUTH0_TEST_MODE") == "1",
		TestJWTSecret:         os.Getenv("TEST_JWT_SECRET"),
		Port:                  getenv("MEMO_SYNC_PORT", defaultPort),
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		cfg.Debug = true
	}
	if v := os.Getenv("FOLDER_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("invalid FOLDER_CACHE_TTL: %q", v)
		}
		cfg.FolderCacheTTL = d
	}
	if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid IDEMPOTENCY_TTL: %q", v)
		}
		cfg.IdempotencyTTL = d
	}
	switch cfg.Store {
	case StoreTables, StoreFirestore, StoreMemory:
	default:
		return Config{}, fmt.Errorf("invalid MEMO_STORE: %q", cfg.Store)
	}
	return cfg, nil
}

// ValidateStore checks the settings the selected store needs.
func (c Config) ValidateStore() error {
	switch c.Store {
	case StoreTables:
		if c.ConnectionString == "" {
			return fmt.Errorf("missing storage config")
		}
	case StoreFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("missing FIRESTORE_PROJECT")
		}
	}
	return nil
}

// ValidateAuth checks the settings Auth needs.
func (c Config) ValidateAuth() error {
	if c.AuthTestMode {
		if c.TestJWTSecret == "" {
			return fmt.Errorf("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		return nil
	}
	if c.Auth0Domain == "" || c.Auth0Audience == "" {
		return fmt.Errorf("missing Auth0 config")
	}
	return nil
}

// RedisOptions parses REDIS_CONNECTION_STRING. Both redis:// URLs and the
// Azure style "host:port,password=...,ssl=True" form are accepted. It
// returns nil when no Redis is configured.
func (c Config) RedisOptions() *redis.Options {
	return ParseRedis(c.RedisConnectionString)
}

func ParseRedis(conn string) *redis.Options {
	if conn == "" {
		return nil
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string { return ":" + c.Port }

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
