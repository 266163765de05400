// Package config loads service configuration from layered INI files with
// environment variable overrides. config/setting.ini selects the active
// environment and supplies defaults; config/<env>/crescendo.ini overrides
// per environment; CRESCENDO_* variables win over both.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/crescendo.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServiceConfig describes runtime options for the daemon.
type ServiceConfig struct {
	Environment string
	HTTPAddress string

	// Storage: sqlite (default), postgres, or memory.
	StoreDriver string
	// SQLite file paths, used when StoreDriver is sqlite.
	LedgerPath   string
	MessagesPath string
	// PostgreSQL DSN, used when StoreDriver is postgres.
	PostgresDSN string

	// Shared secret for webhook signatures, both directions.
	WebhookSecret string
	// Session token signing secret for the user-facing API.
	AuthSecret   string
	AuthDisabled bool
	// Key for the credit top-up endpoint. Empty disables admin routes.
	AdminKey string

	// Worker fleet endpoints.
	WorkerBaseURL string
	CallbackURL   string

	// Pricing table sources.
	PricingPath    string
	PricingURL     string
	PricingRefresh time.Duration

	// Billing knobs.
	Markup       float64
	UnitsPerUSD  int64
	MinReserve   int64
	InitialGrant int64

	// Stale sweep knobs.
	SweepDeadline time.Duration
	SweepInterval time.Duration

	// Per-user rate limit for submissions (requests per minute; 0 disables).
	RateLimitPerMinute int
	RateLimitBurst     int

	LogFile  string
	LogLevel string
}

// Load reads the current environment and the matching service config file.
func Load(root string) (ServiceConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServiceConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServiceConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServiceConfig{
		Environment:   s.Environment,
		HTTPAddress:   firstNonEmpty(os.Getenv("CRESCENDO_HTTP_ADDRESS"), merged["http_address"], ":8084"),
		StoreDriver:   strings.ToLower(firstNonEmpty(os.Getenv("CRESCENDO_STORE_DRIVER"), merged["store_driver"], "sqlite")),
		LedgerPath:    firstNonEmpty(os.Getenv("CRESCENDO_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		MessagesPath:  firstNonEmpty(os.Getenv("CRESCENDO_MESSAGES_PATH"), merged["messages_path"], DefaultMessagesPath()),
		PostgresDSN:   firstNonEmpty(os.Getenv("CRESCENDO_POSTGRES_DSN"), merged["postgres_dsn"]),
		WebhookSecret: firstNonEmpty(os.Getenv("CRESCENDO_WEBHOOK_SECRET"), merged["webhook_secret"]),
		AuthSecret:    firstNonEmpty(os.Getenv("CRESCENDO_AUTH_SECRET"), merged["auth_secret"], "crescendo-dev-secret"),
		AuthDisabled:  parseOptionalBool(firstNonEmpty(os.Getenv("CRESCENDO_AUTH_DISABLED"), merged["auth_disabled"]), false),
		AdminKey:      firstNonEmpty(os.Getenv("CRESCENDO_ADMIN_KEY"), merged["admin_key"]),
		WorkerBaseURL: firstNonEmpty(os.Getenv("CRESCENDO_WORKER_BASE_URL"), merged["worker_base_url"]),
		CallbackURL:   firstNonEmpty(os.Getenv("CRESCENDO_CALLBACK_URL"), merged["callback_url"]),
		PricingPath:   firstNonEmpty(os.Getenv("CRESCENDO_PRICING_PATH"), merged["pricing_path"], "config/pricing.yaml"),
		PricingURL:    firstNonEmpty(os.Getenv("CRESCENDO_PRICING_URL"), merged["pricing_url"]),
		LogFile:       firstNonEmpty(os.Getenv("CRESCENDO_LOG_FILE"), merged["log_file"]),
		LogLevel:      firstNonEmpty(os.Getenv("CRESCENDO_LOG_LEVEL"), merged["log_level"], "info"),
	}

	switch cfg.StoreDriver {
	case "sqlite", "postgres", "memory":
	default:
		return ServiceConfig{}, fmt.Errorf("invalid store_driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == "postgres" && cfg.PostgresDSN == "" {
		return ServiceConfig{}, errors.New("store_driver=postgres requires postgres_dsn")
	}

	cfg.Markup, err = parseOptionalFloat(firstNonEmpty(os.Getenv("CRESCENDO_MARKUP"), merged["markup"]), 3.0)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid markup: %w", err)
	}
	units, err := parseOptionalInt64(firstNonEmpty(os.Getenv("CRESCENDO_UNITS_PER_USD"), merged["units_per_usd"]), 10000)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid units_per_usd: %w", err)
	}
	cfg.UnitsPerUSD = units
	cfg.MinReserve, err = parseOptionalInt64(firstNonEmpty(os.Getenv("CRESCENDO_MIN_RESERVE"), merged["min_reserve"]), 50)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid min_reserve: %w", err)
	}
	cfg.InitialGrant, err = parseOptionalInt64(firstNonEmpty(os.Getenv("CRESCENDO_INITIAL_GRANT"), merged["initial_grant"]), 1000)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid initial_grant: %w", err)
	}

	cfg.PricingRefresh, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CRESCENDO_PRICING_REFRESH"), merged["pricing_refresh"]), 6*time.Hour)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid pricing_refresh: %w", err)
	}
	cfg.SweepDeadline, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CRESCENDO_SWEEP_DEADLINE"), merged["sweep_deadline"]), 10*time.Minute)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid sweep_deadline: %w", err)
	}
	cfg.SweepInterval, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CRESCENDO_SWEEP_INTERVAL"), merged["sweep_interval"]), time.Minute)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid sweep_interval: %w", err)
	}

	cfg.RateLimitPerMinute = parseOptionalInt(firstNonEmpty(os.Getenv("CRESCENDO_RATE_LIMIT_PER_MINUTE"), merged["rate_limit_per_minute"]), 60)
	cfg.RateLimitBurst = parseOptionalInt(firstNonEmpty(os.Getenv("CRESCENDO_RATE_LIMIT_BURST"), merged["rate_limit_burst"]), 10)

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalInt64(v string, fallback int64) (int64, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
}

func parseOptionalFloat(v string, fallback float64) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's
// home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".crescendo", "ledger.db")
}

// DefaultMessagesPath returns the fallback message store location.
func DefaultMessagesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "messages.db"
	}
	return filepath.Join(home, ".crescendo", "messages.db")
}
