// Package config loads service settings from .env, an optional YAML file and
// the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

// Email providers.
const (
	ProviderResend = "resend"
	ProviderBrevo  = "brevo"
	ProviderGmail  = "gmail"
	ProviderMock   = "mock"
)

// Storage drivers.
const (
	DriverLocal  = "local"
	DriverGCS    = "gcs"
	DriverSQLite = "sqlite"
)

// Config holds every runtime setting.
type Config struct {
	APIBaseURL            string  `yaml:"api_base_url"`
	Port                  string  `yaml:"port"`
	FromEmail             string  `yaml:"from_email"`
	FromName              string  `yaml:"from_name"`
	EmailProvider         string  `yaml:"email_provider"`
	ResendAPIKey          string  `yaml:"resend_api_key"`
	BrevoAPIKey           string  `yaml:"brevo_api_key"`
	GoogleCredentialsJSON string  `yaml:"google_credentials_json"`
	StorageDriver         string  `yaml:"storage_driver"`
	LocalStorage          string  `yaml:"local_storage"`
	StorageBucket         string  `yaml:"storage_bucket"`
	SQLitePath            string  `yaml:"sqlite_path"`
	SubscribersFile       string  `yaml:"subscribers_file"`
	StateFile             string  `yaml:"state_file"`
	CheckIntervalRaw      string  `yaml:"check_interval"`
	WeeklyDayRaw          string  `yaml:"weekly_day"`
	Timezone              string  `yaml:"timezone"`
	BoardName             string  `yaml:"board_name"`
	BoardURL              string  `yaml:"board_url"`
	LogLevelRaw           string  `yaml:"log_level"`
	DigestHour            int     `yaml:"digest_hour"`
	SendRate              float64 `yaml:"send_rate"`

	// Derived by validation.
	CheckInterval time.Duration  `yaml:"-"`
	WeeklyDay     time.Weekday   `yaml:"-"`
	Location      *time.Location `yaml:"-"`
	LogLevel      slog.Level     `yaml:"-"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		APIBaseURL:       "https://bounty.owockibot.xyz",
		Port:             "3300",
		FromEmail:        "bounties@yourdomain.com",
		FromName:         "AI Bounty Board",
		StorageDriver:    DriverLocal,
		LocalStorage:     "./data",
		SQLitePath:       "./data/digest.db",
		SubscribersFile:  "subscribers.json",
		StateFile:        "digest-state.json",
		CheckIntervalRaw: "1h",
		DigestHour:       8,
		WeeklyDayRaw:     "monday",
		Timezone:         "Local",
		BoardName:        "AI Bounty Board",
		BoardURL:         "https://aibountyboard.com",
		SendRate:         5,
		LogLevelRaw:      "info",
	}
}

// Load reads .env (if present) into the process environment and builds the
// configuration from it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from defaults, the YAML file named by
// CONFIG_FILE and the variables visible through lookup.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"API_BASE_URL":            &c.APIBaseURL,
		"PORT":                    &c.Port,
		"FROM_EMAIL":              &c.FromEmail,
		"FROM_NAME":               &c.FromName,
		"EMAIL_PROVIDER":          &c.EmailProvider,
		"RESEND_API_KEY":          &c.ResendAPIKey,
		"BREVO_API_KEY":           &c.BrevoAPIKey,
		"GOOGLE_CREDENTIALS_JSON": &c.GoogleCredentialsJSON,
		"STORAGE_DRIVER":          &c.StorageDriver,
		"LOCAL_STORAGE":           &c.LocalStorage,
		"STORAGE_BUCKET":          &c.StorageBucket,
		"SQLITE_PATH":             &c.SQLitePath,
		"SUBSCRIBERS_FILE":        &c.SubscribersFile,
		"STATE_FILE":              &c.StateFile,
		"CHECK_INTERVAL":          &c.CheckIntervalRaw,
		"WEEKLY_DAY":              &c.WeeklyDayRaw,
		"TIMEZONE":                &c.Timezone,
		"BOARD_NAME":              &c.BoardName,
		"BOARD_URL":               &c.BoardURL,
		"LOG_LEVEL":               &c.LogLevelRaw,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	// The millisecond form is what older deployments set.
	if _, ok := lookup("CHECK_INTERVAL"); !ok {
		if v, ok := lookup("CHECK_INTERVAL_MS"); ok && v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("CHECK_INTERVAL_MS: %w", err)
			}
			c.CheckIntervalRaw = (time.Duration(ms) * time.Millisecond).String()
		}
	}

	if v, ok := lookup("DIGEST_HOUR"); ok && v != "" {
		h, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DIGEST_HOUR: %w", err)
		}
		c.DigestHour = h
	}
	if v, ok := lookup("SEND_RATE"); ok && v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SEND_RATE: %w", err)
		}
		c.SendRate = r
	}
	return nil
}

// Validate checks settings and fills the derived fields.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL %q must be an http(s) URL", c.APIBaseURL))
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT %q must be a number between 1 and 65535", c.Port))
	}

	c.CheckInterval, err = time.ParseDuration(c.CheckIntervalRaw)
	if err != nil || c.CheckInterval < time.Second {
		errs = append(errs, fmt.Errorf("CHECK_INTERVAL %q must be a duration of at least 1s", c.CheckIntervalRaw))
	}
	if c.DigestHour < 0 || c.DigestHour > 23 {
		errs = append(errs, fmt.Errorf("DIGEST_HOUR %d must be between 0 and 23", c.DigestHour))
	}
	if c.WeeklyDay, err = parseWeekday(c.WeeklyDayRaw); err != nil {
		errs = append(errs, err)
	}
	if c.Location, err = time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err))
	}
	if err := c.LogLevel.UnmarshalText([]byte(c.LogLevelRaw)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevelRaw, err))
	}
	if c.SendRate < 0 {
		errs = append(errs, fmt.Errorf("SEND_RATE %v must not be negative", c.SendRate))
	}

	c.StorageDriver = strings.ToLower(c.StorageDriver)
	switch c.StorageDriver {
	case DriverLocal:
		if c.LocalStorage == "" {
			errs = append(errs, errors.New("LOCAL_STORAGE is required for the local driver"))
		}
	case DriverGCS:
		if c.StorageBucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required for the gcs driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER %q must be local, gcs or sqlite", c.StorageDriver))
	}

	c.EmailProvider = strings.ToLower(c.EmailProvider)
	switch c.EmailProvider {
	case "", ProviderMock, ProviderGmail:
	case ProviderResend:
		if c.ResendAPIKey == "" {
			errs = append(errs, errors.New("RESEND_API_KEY is required for the resend provider"))
		}
	case ProviderBrevo:
		if c.BrevoAPIKey == "" {
			errs = append(errs, errors.New("BREVO_API_KEY is required for the brevo provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER %q must be resend, brevo, gmail or mock", c.EmailProvider))
	}

	return errors.Join(errs...)
}

// Provider returns the email provider to use, picking one from the
// configured credentials when none is set explicitly.
func (c *Config) Provider() string {
	switch {
	case c.EmailProvider != "":
		return c.EmailProvider
	case c.ResendAPIKey != "":
		return ProviderResend
	case c.BrevoAPIKey != "":
		return ProviderBrevo
	case c.GoogleCredentialsJSON != "":
		return ProviderGmail
	default:
		return ProviderMock
	}
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("WEEKLY_DAY %q is not a weekday", s)
}
