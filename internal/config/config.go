package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreID   string
	CounterID string
	DeviceID  string

	StorageBackend  string
	StorageFallback string
	DataDir         string

	SyncInterval         time.Duration
	MaxRetryAttempts     int
	NetworkCheckInterval time.Duration
	SyncStatusRefresh    time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration

	DefaultTaxRate   float64
	MultiStoreDevice bool

	AuthSecret        string
	SessionTTLMinutes int
	ManagerPIN        string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment and an optional posync.yaml
// in the working directory or DATA_DIR. Environment values win.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetConfigName("posync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Str("component", "config").Msg("ignoring unreadable config file")
		}
	}

	v.SetDefault("PORT", "8787")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:1420")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("STORE_ID", "store-001")
	v.SetDefault("COUNTER_ID", "COUNTER-01")
	v.SetDefault("STORAGE_BACKEND", "file")
	v.SetDefault("STORAGE_FALLBACK", "memory")
	v.SetDefault("MAX_RETRY_ATTEMPTS", 6)
	v.SetDefault("DEFAULT_TAX_RATE", 18)
	v.SetDefault("MULTI_STORE_DEVICE", false)
	v.SetDefault("SESSION_TTL_MINUTES", 480)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	maxAttempts := v.GetInt("MAX_RETRY_ATTEMPTS")
	if maxAttempts < 1 {
		maxAttempts = 6
	}
	sessionTTL := v.GetInt("SESSION_TTL_MINUTES")
	if sessionTTL < 1 {
		sessionTTL = 480
	}
	taxRate := v.GetFloat64("DEFAULT_TAX_RATE")
	if taxRate < 0 {
		taxRate = 18
	}

	cfg := Config{
		Port:          v.GetString("PORT"),
		AllowedOrigin: v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:   strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		StoreID:   v.GetString("STORE_ID"),
		CounterID: v.GetString("COUNTER_ID"),
		DeviceID:  getString(v, "DEVICE_ID", hostname()),

		StorageBackend:  strings.ToLower(v.GetString("STORAGE_BACKEND")),
		StorageFallback: strings.ToLower(v.GetString("STORAGE_FALLBACK")),
		DataDir:         getString(v, "DATA_DIR", defaultDataDir()),

		SyncInterval:         getDuration(v, "SYNC_INTERVAL", 30*time.Second),
		MaxRetryAttempts:     maxAttempts,
		NetworkCheckInterval: getDuration(v, "NETWORK_CHECK_INTERVAL", 5*time.Second),
		SyncStatusRefresh:    getDuration(v, "SYNC_STATUS_REFRESH", 10*time.Second),
		BackoffBase:          getDuration(v, "BACKOFF_BASE", 2*time.Second),
		BackoffCap:           getDuration(v, "BACKOFF_CAP", 30*time.Minute),

		DefaultTaxRate:   taxRate,
		MultiStoreDevice: v.GetBool("MULTI_STORE_DEVICE"),

		AuthSecret:        strings.TrimSpace(v.GetString("AUTH_SECRET")),
		SessionTTLMinutes: sessionTTL,
		ManagerPIN:        strings.TrimSpace(v.GetString("MANAGER_PIN")),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf("127.0.0.1:%s", c.Port)
}

// ConfigureLogging installs the global zerolog logger.
func ConfigureLogging(c Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if c.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func getString(v *viper.Viper, key string, fallback string) string {
	val := strings.TrimSpace(v.GetString(key))
	if val == "" {
		return fallback
	}
	return val
}

// getDuration accepts Go durations ("30s") or bare milliseconds ("30000").
func getDuration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "desktop"
	}
	return name
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".posync"
	}
	return filepath.Join(home, ".posync")
}
