package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIURL            string
	WSURL             string
	Token             string
	UserID            string
	CacheDB           string
	MetricsAddr       string
	PageSize          int
	TypingIdle        time.Duration
	TypingExpiry      time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	RESTRate          float64
	HTTPTimeout       time.Duration
}

// Load reads the LABCHAT_* environment, after applying a .env file from the
// working directory if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:      getEnv("LABCHAT_API_URL", "http://localhost:8080"),
		WSURL:       os.Getenv("LABCHAT_WS_URL"),
		Token:       os.Getenv("LABCHAT_TOKEN"),
		UserID:      os.Getenv("LABCHAT_USER_ID"),
		CacheDB:     getEnv("LABCHAT_CACHE_DB", "labchat.db"),
		MetricsAddr: os.Getenv("LABCHAT_METRICS_ADDR"),
	}

	var errs []error
	cfg.PageSize = getInt("LABCHAT_PAGE_SIZE", 50, &errs)
	cfg.TypingIdle = getDuration("LABCHAT_TYPING_IDLE", 2*time.Second, &errs)
	cfg.TypingExpiry = getDuration("LABCHAT_TYPING_EXPIRY", 6*time.Second, &errs)
	cfg.ReconnectAttempts = getInt("LABCHAT_RECONNECT_ATTEMPTS", 5, &errs)
	cfg.ReconnectBase = getDuration("LABCHAT_RECONNECT_BASE", 500*time.Millisecond, &errs)
	cfg.ReconnectMax = getDuration("LABCHAT_RECONNECT_MAX", 10*time.Second, &errs)
	cfg.HTTPTimeout = getDuration("LABCHAT_HTTP_TIMEOUT", 15*time.Second, &errs)
	cfg.RESTRate = getFloat("LABCHAT_REST_RATE", 20, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.WSURL == "" {
		cfg.WSURL = streamURL(cfg.APIURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("LABCHAT_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("LABCHAT_USER_ID is required")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("LABCHAT_PAGE_SIZE must be greater than 0")
	}

	if c.TypingIdle <= 0 {
		return fmt.Errorf("LABCHAT_TYPING_IDLE must be greater than 0")
	}

	if c.TypingExpiry < 0 {
		return fmt.Errorf("LABCHAT_TYPING_EXPIRY must not be negative")
	}

	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("LABCHAT_RECONNECT_ATTEMPTS must be greater than 0")
	}

	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("LABCHAT_RECONNECT_MAX must be at least LABCHAT_RECONNECT_BASE, both positive")
	}

	if c.RESTRate <= 0 {
		return fmt.Errorf("LABCHAT_REST_RATE must be greater than 0")
	}

	u, err := url.Parse(c.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("LABCHAT_WS_URL must be a ws:// or wss:// URL, got %q", c.WSURL)
	}

	return nil
}

// streamURL derives the event stream endpoint from the REST base URL.
func streamURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return f
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return d
}
