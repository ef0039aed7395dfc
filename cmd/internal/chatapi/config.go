package chatapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls HTTP API behavior.
type Config struct {
	MaxBodyBytes int64
	TrustProxy   bool

	// Login attempts allowed per client IP within LoginIPWindow.
	LoginIPMax    int
	LoginIPWindow time.Duration
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes:  envInt64("COURIER_API_MAX_BODY_BYTES", 64<<10),
		TrustProxy:    envBool("COURIER_API_TRUST_PROXY", false),
		LoginIPMax:    envInt("COURIER_API_LOGIN_IP_MAX", 30),
		LoginIPWindow: envDuration("COURIER_API_LOGIN_IP_WINDOW", time.Minute),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.LoginIPMax <= 0 {
		c.LoginIPMax = 30
	}
	if c.LoginIPWindow <= 0 {
		c.LoginIPWindow = time.Minute
	}
	return c
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
