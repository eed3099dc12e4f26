package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote API
	APIBaseURL     string
	UploadsBaseURL string
	APITimeout     time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure  bool
	CookieDomain  string
	ProfileMaxAge int

	// Profile state
	ProfileIdleTTL time.Duration
	ToastTTL       time.Duration

	// Image proxy
	ProxyTimeout time.Duration
	ProxyMaxSize int64

	// Rate Limit
	RateLimitGeneral int
	RateLimitProxy   int

	// Token storage
	TokenStoreDriver string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisPrefix      string
	TokenRetention   time.Duration
	CleanupInterval  time.Duration

	// Logging
	LogLevel string

	// CORS
	CORSAllowedOrigin string

	// Import
	BlogAPIToken string
}

// 有効なTOKEN_STORE_DRIVERの値。
var tokenStoreDrivers = []string{"memory", "postgres", "redis"}

// LoadDotEnv は.envファイルが存在すれば環境変数に読み込む。
// 既に設定されている環境変数は上書きしない。ファイルがない場合はエラーにしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// ドライバに必要な環境変数が未設定の場合は、不足分をまとめてエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.APIBaseURL = strings.TrimRight(getEnvString("API_BASE_URL", "http://localhost:8080/api"), "/")
	apiURL, err := url.Parse(cfg.APIBaseURL)
	if err != nil || apiURL.Scheme == "" || apiURL.Host == "" {
		return nil, fmt.Errorf("invalid API_BASE_URL: %q", cfg.APIBaseURL)
	}
	cfg.UploadsBaseURL = strings.TrimRight(
		getEnvString("UPLOADS_BASE_URL", apiURL.Scheme+"://"+apiURL.Host+"/uploads"), "/")
	cfg.APITimeout = getEnvDuration("API_TIMEOUT", 0)

	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:3000")
	cfg.ServerPort = getEnvString("SERVER_PORT", "3000")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.ProfileMaxAge = getEnvInt("PROFILE_MAX_AGE", 30*24*60*60)

	cfg.ProfileIdleTTL = getEnvDuration("PROFILE_IDLE_TTL", 30*time.Minute)
	cfg.ToastTTL = getEnvDuration("TOAST_TTL", 4*time.Second)

	cfg.ProxyTimeout = getEnvDuration("PROXY_TIMEOUT", 10*time.Second)
	cfg.ProxyMaxSize = getEnvInt64("PROXY_MAX_SIZE", 10485760)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitProxy = getEnvInt("RATE_LIMIT_PROXY", 300)

	cfg.TokenStoreDriver = strings.ToLower(getEnvString("TOKEN_STORE_DRIVER", "memory"))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.RedisPrefix = getEnvString("REDIS_PREFIX", "blogfront:token:")
	cfg.TokenRetention = getEnvDuration("TOKEN_RETENTION", 720*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)

	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)
	cfg.BlogAPIToken = os.Getenv("BLOG_API_TOKEN")

	if !contains(tokenStoreDrivers, cfg.TokenStoreDriver) {
		return nil, fmt.Errorf("invalid TOKEN_STORE_DRIVER: %q (allowed: %v)", cfg.TokenStoreDriver, tokenStoreDrivers)
	}

	// Required fields per driver
	var missing []string
	if cfg.TokenStoreDriver == "postgres" && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.TokenStoreDriver == "redis" && cfg.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	return cfg, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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
