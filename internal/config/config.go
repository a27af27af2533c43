package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	CheckAfterBulk  = "after"
	CheckBeforeBulk = "before"
)

// Source is a flat key/value lookup. Unset keys report ok=false; callers
// fall back to their own defaults.
type Source interface {
	Get(key string) (string, bool)
}

// EnvSource reads the process environment. Empty values count as unset.
type EnvSource struct{}

func (EnvSource) Get(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// MapSource is a fixed set of values, mostly for tests.
type MapSource map[string]string

func (m MapSource) Get(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Config holds the sign-in workflow and browser settings.
type Config struct {
	AccountID string
	Debug     bool
	IsLogin   bool
	HomeURL   string

	// Browser
	BrowserEndpoint string
	CDPAddress      string
	CDPPort         int
	DataDir         string
	ProjectName     string
	Headless        bool
	Stealth         bool
	WindowWidth     int
	WindowHeight    int

	// Timing
	NavTimeoutMS           int
	LoginWaitSeconds       int
	IdleTickMS             int
	IdleHardTimeoutMS      int
	IdleBalancedAfterTicks int
	IdleQuietAfterTicks    int
	IdleExceptionURLs      []string
	InputDelayMinMS        int
	InputDelayMaxMS        int

	SignedCheckOrder string
	LocatorsFile     string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	return FromSource(EnvSource{})
}

// FromSource builds a Config from src, applying defaults for unset keys.
func FromSource(src Source) (*Config, error) {
	cfg := &Config{
		AccountID:              strings.TrimSpace(getEnvOrDefault(src, "ACCOUNT_ID", "")),
		Debug:                  getEnvBoolOrDefault(src, "DEBUG", false),
		IsLogin:                getEnvBoolOrDefault(src, "IS_LOGIN", false),
		HomeURL:                getEnvOrDefault(src, "TIEBA_URL", "https://tieba.baidu.com"),
		BrowserEndpoint:        getEnvOrDefault(src, "BROWSER_ENDPOINT", ""),
		CDPAddress:             getEnvOrDefault(src, "CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:                getEnvIntOrDefault(src, "CHROMIUM_CDP_PORT", 9222),
		DataDir:                getEnvOrDefault(src, "DATA_DIR", "./data"),
		ProjectName:            getEnvOrDefault(src, "PROJECT_NAME", "tieba"),
		Headless:               getEnvBoolOrDefault(src, "HEADLESS", false),
		Stealth:                getEnvBoolOrDefault(src, "STEALTH", true),
		WindowWidth:            getEnvIntOrDefault(src, "WINDOW_WIDTH", 2560),
		WindowHeight:           getEnvIntOrDefault(src, "WINDOW_HEIGHT", 1440),
		NavTimeoutMS:           getEnvIntOrDefault(src, "NAV_TIMEOUT_MS", 5*60*1000),
		LoginWaitSeconds:       getEnvIntOrDefault(src, "LOGIN_WAIT_SECONDS", 15*60),
		IdleTickMS:             getEnvIntOrDefault(src, "IDLE_TICK_MS", 1500),
		IdleHardTimeoutMS:      getEnvIntOrDefault(src, "IDLE_HARD_TIMEOUT_MS", 30000),
		IdleBalancedAfterTicks: getEnvIntOrDefault(src, "IDLE_BALANCED_AFTER_TICKS", 2),
		IdleQuietAfterTicks:    getEnvIntOrDefault(src, "IDLE_QUIET_AFTER_TICKS", 1),
		IdleExceptionURLs:      getEnvListOrDefault(src, "IDLE_EXCEPTION_URLS", []string{"/stat", "hm.baidu.com", "/log/", "/tb/img/track"}),
		InputDelayMinMS:        getEnvIntOrDefault(src, "INPUT_DELAY_MIN_MS", 50),
		InputDelayMaxMS:        getEnvIntOrDefault(src, "INPUT_DELAY_MAX_MS", 100),
		SignedCheckOrder:       strings.ToLower(getEnvOrDefault(src, "SIGNED_CHECK_ORDER", CheckAfterBulk)),
		LocatorsFile:           getEnvOrDefault(src, "LOCATORS_FILE", ""),
	}

	if cfg.SignedCheckOrder != CheckAfterBulk && cfg.SignedCheckOrder != CheckBeforeBulk {
		return nil, fmt.Errorf("SIGNED_CHECK_ORDER must be %q or %q, got %q", CheckAfterBulk, CheckBeforeBulk, cfg.SignedCheckOrder)
	}
	if cfg.InputDelayMinMS < 0 || cfg.InputDelayMaxMS < cfg.InputDelayMinMS {
		return nil, fmt.Errorf("invalid input delay range %d..%d ms", cfg.InputDelayMinMS, cfg.InputDelayMaxMS)
	}
	if cfg.IdleTickMS < 10 {
		cfg.IdleTickMS = 10
	}
	if cfg.IdleHardTimeoutMS < cfg.IdleTickMS {
		cfg.IdleHardTimeoutMS = cfg.IdleTickMS
	}
	if cfg.NavTimeoutMS < 1000 {
		cfg.NavTimeoutMS = 1000
	}
	return cfg, nil
}

// GetCDPURL returns the HTTP endpoint of a locally launched browser.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func (c *Config) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutMS) * time.Millisecond
}

func (c *Config) LoginWait() time.Duration {
	return time.Duration(c.LoginWaitSeconds) * time.Second
}

func getEnvOrDefault(src Source, key, defaultVal string) string {
	if val, ok := src.Get(key); ok {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(src Source, key string, defaultVal int) int {
	if val, ok := src.Get(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(src Source, key string, defaultVal bool) bool {
	if val, ok := src.Get(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(src Source, key string, defaultVal []string) []string {
	val, ok := src.Get(key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
