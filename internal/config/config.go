package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderGoogle = "google"
	ProviderICloud = "icloud"
)

// GoogleConfig holds the Google Calendar provider settings.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// CalendarID is the calendar to sync, "primary" by default.
	CalendarID string `yaml:"calendar_id"`
	// TokenDir holds the token-<account>.json files written by the auth command.
	TokenDir string `yaml:"token_dir"`
}

// ICloudConfig holds the CalDAV provider settings.
type ICloudConfig struct {
	// Endpoint defaults to the iCloud CalDAV server.
	Endpoint     string `yaml:"endpoint"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CalendarName string `yaml:"calendar_name"`
}

// Config is the top-level application configuration.
type Config struct {
	// Provider selects the remote calendar: "google" or "icloud".
	Provider string `yaml:"provider"`

	// Account names the sync account. It keys both the stored SyncState and
	// the Google token file.
	Account string `yaml:"account"`

	// DBPath is the SQLite file holding local events and sync state.
	DBPath string `yaml:"db_path"`

	// Timezone is the IANA timezone used for window boundaries and all-day events.
	Timezone string `yaml:"timezone"`

	// DaysBack and DaysForward size the default sync window around today.
	DaysBack    int `yaml:"days_back"`
	DaysForward int `yaml:"days_forward"`

	// CallTimeout bounds every single provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Schedule is a cron spec (e.g. "*/15 * * * *" or "@every 5m") used by sync --daemon.
	Schedule string `yaml:"schedule"`

	LogLevel string `yaml:"log_level"`
	// LogFile, if set, receives logs through a rotating writer instead of stderr.
	LogFile string `yaml:"log_file"`

	Google GoogleConfig `yaml:"google"`
	ICloud ICloudConfig `yaml:"icloud"`
}

// unsetDays marks a day count that neither the file nor the environment set.
// Zero is a valid count meaning "today only".
const unsetDays = -1

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{DaysBack: unsetDays, DaysForward: unsetDays}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults.
func (c *Config) Normalize() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderGoogle
	}
	if c.Account == "" {
		c.Account = "default"
	}
	if c.DBPath == "" {
		c.DBPath = "calsync.db"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DaysBack < 0 {
		c.DaysBack = 7
	}
	if c.DaysForward < 0 {
		c.DaysForward = 30
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Schedule == "" {
		c.Schedule = "*/15 * * * *"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = "primary"
	}
	if c.Google.TokenDir == "" {
		c.Google.TokenDir = "."
	}
}

// Validate reports settings that cannot work for the selected provider.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Provider {
	case ProviderGoogle:
	case ProviderICloud:
		if c.ICloud.Username == "" || c.ICloud.Password == "" {
			return errors.New("ICLOUD_USERNAME and ICLOUD_APP_SPECIFIC_PASSWORD must be set for the icloud provider")
		}
		if c.ICloud.CalendarName == "" {
			return errors.New("ICLOUD_CALENDAR_NAME must be set for the icloud provider")
		}
	default:
		return fmt.Errorf("unknown provider %q, expected %q or %q", c.Provider, ProviderGoogle, ProviderICloud)
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}
	return loc, nil
}

// Load reads the optional YAML file at path, applies environment overrides
// from lookup and normalizes the result. A missing file is not an error.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{DaysBack: unsetDays, DaysForward: unsetDays}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// applyEnv overlays environment variables on top of file values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"CALSYNC_PROVIDER":             &c.Provider,
		"CALSYNC_ACCOUNT":              &c.Account,
		"CALSYNC_DB":                   &c.DBPath,
		"CALSYNC_SCHEDULE":             &c.Schedule,
		"CALSYNC_LOG_FILE":             &c.LogFile,
		"PRIMARY_TIMEZONE":             &c.Timezone,
		"LOG_LEVEL":                    &c.LogLevel,
		"GOOGLE_CLIENT_ID":             &c.Google.ClientID,
		"GOOGLE_CLIENT_SECRET":         &c.Google.ClientSecret,
		"GOOGLE_CALENDAR_ID":           &c.Google.CalendarID,
		"GOOGLE_TOKEN_DIR":             &c.Google.TokenDir,
		"ICLOUD_ENDPOINT":              &c.ICloud.Endpoint,
		"ICLOUD_USERNAME":              &c.ICloud.Username,
		"ICLOUD_APP_SPECIFIC_PASSWORD": &c.ICloud.Password,
		"ICLOUD_CALENDAR_NAME":         &c.ICloud.CalendarName,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CALSYNC_DAYS_BACK":    &c.DaysBack,
		"CALSYNC_DAYS_FORWARD": &c.DaysForward,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			if n < 0 {
				return fmt.Errorf("invalid %s: %d is negative", key, n)
			}
			*dst = n
		}
	}

	if v, ok := lookup("CALSYNC_CALL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CALSYNC_CALL_TIMEOUT: %w", err)
		}
		c.CallTimeout = d
	}
	return nil
}
