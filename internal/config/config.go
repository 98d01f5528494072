package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// 資格情報ストアの種類。
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote
	PhabricatorURL      string
	BugzillaURL         string
	ConduitTimeout      time.Duration
	ConduitAllowPrivate bool

	// Coordinator
	CacheTTL      time.Duration
	ErrorCacheTTL time.Duration
	QueryTimeout  time.Duration

	// Credential store
	CredentialStore string
	CredentialFile  string // 空の場合は既定のパス
	DatabaseURL     string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	RateLimitPerMin   int

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 値の組み合わせや形式が不正な場合は、全ての問題をまとめたエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.PhabricatorURL = getEnvString("PHABRICATOR_URL", "https://phabricator.services.mozilla.com")
	cfg.BugzillaURL = getEnvString("BUGZILLA_URL", "https://bugzilla.mozilla.org/")
	cfg.ConduitTimeout = getEnvDuration("CONDUIT_TIMEOUT", 10*time.Second)
	cfg.ConduitAllowPrivate = getEnvBool("CONDUIT_ALLOW_PRIVATE", false)

	cfg.CacheTTL = getEnvDuration("CACHE_TTL", 60*time.Second)
	cfg.ErrorCacheTTL = getEnvDuration("ERROR_CACHE_TTL", cfg.CacheTTL)
	cfg.QueryTimeout = getEnvDuration("QUERY_TIMEOUT", 30*time.Second)

	cfg.CredentialStore = strings.ToLower(getEnvString("CREDENTIAL_STORE", StoreFile))
	cfg.CredentialFile = os.Getenv("CREDENTIAL_FILE")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "https://bugzilla.mozilla.org")
	cfg.RateLimitPerMin = getEnvInt("RATE_LIMIT_PER_MINUTE", 120)

	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	for _, u := range []struct{ key, value string }{
		{"PHABRICATOR_URL", c.PhabricatorURL},
		{"BUGZILLA_URL", c.BugzillaURL},
	} {
		parsed, err := url.Parse(u.value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%s is not an absolute URL: %q", u.key, u.value))
		}
	}

	switch c.CredentialStore {
	case StoreFile, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when CREDENTIAL_STORE=%s", StorePostgres))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CREDENTIAL_STORE: %q (want %s, %s or %s)",
			c.CredentialStore, StoreFile, StorePostgres, StoreMemory))
	}

	if c.CacheTTL < 0 || c.ErrorCacheTTL < 0 || c.QueryTimeout < 0 {
		errs = append(errs, errors.New("CACHE_TTL, ERROR_CACHE_TTL and QUERY_TIMEOUT must not be negative"))
	}
	if c.RateLimitPerMin <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive: %d", c.RateLimitPerMin))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_LEVEL: %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
