package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the room-scan export service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Conversion ConversionConfig
	Dispatch   DispatchConfig
	Notify     NotifyConfig
	RateLimit  RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// StorageConfig points at an S3-compatible object store and the legacy
// filesystem tree older exports still reference.
type StorageConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Region        string
	PublicBaseURL string
	// SignedURLTTL of zero disables signed URLs.
	SignedURLTTL time.Duration
	UploadBucket string
	LegacyRoot   string
	// RemoteHosts are the hosts legacy absolute URLs may point at. The
	// public base URL host is always included.
	RemoteHosts []string
}

type ConversionConfig struct {
	MaxFileSize    int64
	EnableFallback bool
	WaitTimeout    time.Duration
}

type DispatchConfig struct {
	Mode              string
	BaseURL           string
	InternalToken     string
	InternalTokenHash string
	Timeout           time.Duration
	Kafka             KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type NotifyConfig struct {
	Channel string
}

type RateLimitConfig struct {
	PerMinute int
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For header is
	// honoured. Empty means the client is always the TCP peer.
	TrustedProxies []string
}

const (
	DispatchLocal = "local"
	DispatchHTTP  = "http"
	DispatchKafka = "kafka"
)

var validDispatchModes = map[string]bool{
	DispatchLocal: true,
	DispatchHTTP:  true,
	DispatchKafka: true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ROOMSCAN_PORT", 8080),
			Env:  envString("ROOMSCAN_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Endpoint:      os.Getenv("STORAGE_ENDPOINT"),
			AccessKey:     os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey:     os.Getenv("STORAGE_SECRET_KEY"),
			UseSSL:        envBool("STORAGE_USE_SSL", true),
			Region:        envString("STORAGE_REGION", "us-east-1"),
			PublicBaseURL: os.Getenv("STORAGE_PUBLIC_BASE_URL"),
			SignedURLTTL:  envDuration("STORAGE_SIGNED_URL_TTL", time.Hour),
			UploadBucket:  envString("STORAGE_UPLOAD_BUCKET", "room-scans"),
			LegacyRoot:    envString("LEGACY_FILES_ROOT", "public"),
			RemoteHosts:   envList("STORAGE_REMOTE_HOSTS"),
		},
		Conversion: ConversionConfig{
			MaxFileSize:    envInt64("CONVERSION_MAX_FILE_SIZE", 100<<20),
			EnableFallback: envBool("CONVERSION_ENABLE_FALLBACK", true),
			WaitTimeout:    envDurationSecs("CONVERSION_WAIT_TIMEOUT_SECS", 240*time.Second),
		},
		Dispatch: DispatchConfig{
			Mode:              envString("DISPATCH_MODE", DispatchLocal),
			BaseURL:           os.Getenv("DISPATCH_BASE_URL"),
			InternalToken:     os.Getenv("INTERNAL_TOKEN"),
			InternalTokenHash: os.Getenv("INTERNAL_TOKEN_HASH"),
			Timeout:           envDuration("DISPATCH_TIMEOUT", 10*time.Second),
			Kafka: KafkaConfig{
				Brokers: envList("KAFKA_BROKERS"),
				Topic:   envString("KAFKA_TOPIC", "room-scan.convert"),
				GroupID: envString("KAFKA_GROUP_ID", "roomscan-worker"),
			},
		},
		Notify: NotifyConfig{
			Channel: envString("NOTIFY_CHANNEL", "room-scan-exports"),
		},
		RateLimit: RateLimitConfig{
			PerMinute:      envInt("RATE_LIMIT_PER_MINUTE", 60),
			TrustedProxies: envList("RATE_LIMIT_TRUSTED_PROXIES"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if u, err := url.Parse(cfg.Storage.PublicBaseURL); err == nil && u.Host != "" {
		cfg.Storage.RemoteHosts = append([]string{u.Host}, cfg.Storage.RemoteHosts...)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("STORAGE_ENDPOINT is required")
	}
	if strings.Contains(c.Storage.Endpoint, "://") {
		return fmt.Errorf("STORAGE_ENDPOINT must be host[:port] without a scheme, got %q", c.Storage.Endpoint)
	}
	if c.Storage.PublicBaseURL == "" {
		return fmt.Errorf("STORAGE_PUBLIC_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Storage.PublicBaseURL, "http://") && !strings.HasPrefix(c.Storage.PublicBaseURL, "https://") {
		return fmt.Errorf("STORAGE_PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Storage.PublicBaseURL)
	}
	if c.Storage.SignedURLTTL < 0 {
		return fmt.Errorf("STORAGE_SIGNED_URL_TTL must not be negative")
	}
	for _, h := range c.Storage.RemoteHosts {
		if strings.Contains(h, "/") {
			return fmt.Errorf("STORAGE_REMOTE_HOSTS entries must be host[:port], got %q", h)
		}
	}

	if c.Conversion.MaxFileSize <= 0 {
		return fmt.Errorf("CONVERSION_MAX_FILE_SIZE must be positive")
	}

	if !validDispatchModes[c.Dispatch.Mode] {
		return fmt.Errorf("DISPATCH_MODE must be one of local, http, kafka; got %q", c.Dispatch.Mode)
	}
	if c.Dispatch.Mode == DispatchHTTP {
		if c.Dispatch.BaseURL == "" {
			return fmt.Errorf("DISPATCH_BASE_URL is required when DISPATCH_MODE is http")
		}
		if c.Dispatch.InternalToken == "" || c.Dispatch.InternalTokenHash == "" {
			return fmt.Errorf("INTERNAL_TOKEN and INTERNAL_TOKEN_HASH are required when DISPATCH_MODE is http")
		}
	}
	if c.Dispatch.Mode == DispatchKafka && len(c.Dispatch.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when DISPATCH_MODE is kafka")
	}

	for _, p := range c.RateLimit.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("RATE_LIMIT_TRUSTED_PROXIES entries must be IPs or CIDRs, got %q", p)
			}
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
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

func envInt64(key string, defaultVal int64) int64 {
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

func envBool(key string, defaultVal bool) bool {
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

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
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

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
