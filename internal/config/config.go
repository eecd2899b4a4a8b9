// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server roles.
const (
	RoleBridge = "bridge"
	RoleEdge   = "edge"
)

// Config holds the configuration of one Bridge or Edge process.
type Config struct {
	Role          string // "bridge" (default) or "edge"
	Origin        string // identity stamped on published envelopes (default: role + hostname)
	MetaDBPath    string // path to SQLite metadata file
	DuckDBPath    string // path to the DuckDB transaction store ("" = in-memory)
	SnapshotDir   string // master-data snapshot root
	QuarantineDir string // rejected-row files
	ListenAddr    string // ops HTTP listen address (default ":8080")
	RPCListenAddr string // gRPC listen address on the Bridge (default ":9090")
	BridgeRPCAddr string // Bridge gRPC address used by the Edge
	NATSURL       string // pub/sub server; empty selects the in-process bus
	SyncSubject   string // pub/sub subject (default "apdn7.sync")
	RedisAddr     string // cancel-flag store; empty selects the in-memory store
	LogLevel      string // log level: debug, info, warn, error (default "info")

	// CORSAllowedOrigins enables CORS on the ops API; empty disables it.
	CORSAllowedOrigins []string

	WindowRowLimit    int // default row ceiling per pull window
	CategoryMaxValues int // cardinality ceiling of CATEGORY columns
	AutoLinkWorkers   int // processes sampled in parallel
	AutoLinkRatePerS  float64

	PullSchedule     string // cron spec for pull jobs
	AutoLinkSchedule string // cron spec for auto-link jobs
	SyncSchedule     string // cron spec for Edge replication
	JobPollInterval  time.Duration

	// S3 drop bucket fields are optional; nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3Bucket   *string
	S3Prefix   string

	DataSourcesFile string // YAML seed of data tables

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsEdge returns true when running in the Edge role.
func (c *Config) IsEdge() bool {
	return strings.EqualFold(c.Role, RoleEdge)
}

// HasS3Config returns true if all required S3 fields are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil &&
		c.S3Endpoint != nil && c.S3Region != nil && c.S3Bucket != nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Role:             strings.ToLower(os.Getenv("ROLE")),
		Origin:           os.Getenv("ORIGIN"),
		MetaDBPath:       os.Getenv("META_DB_PATH"),
		DuckDBPath:       os.Getenv("DUCKDB_PATH"),
		SnapshotDir:      os.Getenv("SNAPSHOT_DIR"),
		QuarantineDir:    os.Getenv("QUARANTINE_DIR"),
		ListenAddr:       os.Getenv("LISTEN_ADDR"),
		RPCListenAddr:    os.Getenv("RPC_LISTEN_ADDR"),
		BridgeRPCAddr:    os.Getenv("BRIDGE_RPC_ADDR"),
		NATSURL:          os.Getenv("NATS_URL"),
		SyncSubject:      os.Getenv("SYNC_SUBJECT"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		PullSchedule:     os.Getenv("PULL_SCHEDULE"),
		AutoLinkSchedule: os.Getenv("AUTOLINK_SCHEDULE"),
		SyncSchedule:     os.Getenv("SYNC_SCHEDULE"),
		S3Prefix:         os.Getenv("S3_PREFIX"),
		DataSourcesFile:  os.Getenv("DATA_SOURCES_FILE"),
	}

	var err error
	if cfg.WindowRowLimit, err = intEnv("WINDOW_ROW_LIMIT", 100000); err != nil {
		return nil, err
	}
	if cfg.CategoryMaxValues, err = intEnv("CATEGORY_MAX_VALUES", 256); err != nil {
		return nil, err
	}
	if cfg.AutoLinkWorkers, err = intEnv("AUTOLINK_WORKERS", 4); err != nil {
		return nil, err
	}
	cfg.AutoLinkRatePerS = 2
	if v := os.Getenv("AUTOLINK_REPULL_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("AUTOLINK_REPULL_RPS: %w", err)
		}
		cfg.AutoLinkRatePerS = f
	}
	cfg.JobPollInterval = 2 * time.Second
	if v := os.Getenv("JOB_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("JOB_POLL_INTERVAL: %w", err)
		}
		cfg.JobPollInterval = d
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	// S3 fields are optional, only set if present
	if v := os.Getenv("S3_KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("S3_SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3Region = &v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3Bucket = &v
	}

	// Defaults
	if cfg.Role == "" {
		cfg.Role = RoleBridge
	}
	if cfg.Role != RoleBridge && cfg.Role != RoleEdge {
		return nil, fmt.Errorf("ROLE must be %q or %q, got %q", RoleBridge, RoleEdge, cfg.Role)
	}
	if cfg.Origin == "" {
		host, _ := os.Hostname()
		cfg.Origin = cfg.Role + "@" + host
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "apdn7_meta.sqlite"
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = "data/snapshots"
	}
	if cfg.QuarantineDir == "" {
		cfg.QuarantineDir = "data/quarantine"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.RPCListenAddr == "" {
		cfg.RPCListenAddr = ":9090"
	}
	if cfg.SyncSubject == "" {
		cfg.SyncSubject = "apdn7.sync"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PullSchedule == "" {
		cfg.PullSchedule = "@every 5m"
	}
	if cfg.AutoLinkSchedule == "" {
		cfg.AutoLinkSchedule = "@every 1h"
	}
	if cfg.SyncSchedule == "" {
		cfg.SyncSchedule = "@every 1m"
	}

	if cfg.IsEdge() && cfg.BridgeRPCAddr == "" {
		return nil, fmt.Errorf("BRIDGE_RPC_ADDR is required when ROLE=edge")
	}
	if cfg.NATSURL == "" {
		cfg.Warnings = append(cfg.Warnings, "NATS_URL not set, sync envelopes stay inside this process")
	}
	if cfg.RedisAddr == "" {
		cfg.Warnings = append(cfg.Warnings, "REDIS_ADDR not set, cancel flags are process-local")
	}
	if cfg.WindowRowLimit <= 0 {
		return nil, fmt.Errorf("WINDOW_ROW_LIMIT must be positive")
	}
	if cfg.CategoryMaxValues <= 0 {
		return nil, fmt.Errorf("CATEGORY_MAX_VALUES must be positive")
	}

	return cfg, nil
}

func intEnv(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
