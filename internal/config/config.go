package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// Duration is a time.Duration written as "30s" or "15m" in the config file.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the configuration of the sync daemon.
type Config struct {
	ListenAddr  string `json:"listen_addr,omitempty"`
	DatabaseDSN string `json:"database_dsn,omitempty"`
	// VaultKey is the 32-byte credential encryption key, base64 or hex encoded.
	VaultKey string `json:"vault_key,omitempty"`

	GoogleCredentialsPath string `json:"google_credentials_path,omitempty"`
	MicrosoftClientID     string `json:"microsoft_client_id,omitempty"`
	MicrosoftClientSecret string `json:"microsoft_client_secret,omitempty"`
	MicrosoftTenant       string `json:"microsoft_tenant,omitempty"`

	Workers           int      `json:"workers,omitempty"`
	PeriodicInterval  Duration `json:"periodic_interval,omitempty"`
	PollInterval      Duration `json:"poll_interval,omitempty"`
	JobMaxAttempts    int      `json:"job_max_attempts,omitempty"`
	JobBackoffBase    Duration `json:"job_backoff_base,omitempty"`
	KeepCompletedJobs int      `json:"keep_completed_jobs,omitempty"`
	KeepFailedJobs    int      `json:"keep_failed_jobs,omitempty"`

	CalDAVTimeout Duration `json:"caldav_timeout,omitempty"`
	EWSTimeout    Duration `json:"ews_timeout,omitempty"`

	DefaultSyncIntervalMinutes int    `json:"default_sync_interval_minutes,omitempty"`
	LogLevel                   string `json:"log_level,omitempty"`
}

// Flags carries command-line values. Zero values mean "not given".
type Flags struct {
	ListenAddr            string
	DatabaseDSN           string
	GoogleCredentialsPath string
	Workers               int
	LogLevel              string
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// Returns an error if any required value is missing.
func LoadConfig(configFile string, flags Flags) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	strs := map[string]*string{
		"LISTEN_ADDR":             &config.ListenAddr,
		"DATABASE_DSN":            &config.DatabaseDSN,
		"VAULT_KEY":               &config.VaultKey,
		"GOOGLE_CREDENTIALS_PATH": &config.GoogleCredentialsPath,
		"MICROSOFT_CLIENT_ID":     &config.MicrosoftClientID,
		"MICROSOFT_CLIENT_SECRET": &config.MicrosoftClientSecret,
		"MICROSOFT_TENANT":        &config.MicrosoftTenant,
		"LOG_LEVEL":               &config.LogLevel,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"WORKERS":                       &config.Workers,
		"JOB_MAX_ATTEMPTS":              &config.JobMaxAttempts,
		"KEEP_COMPLETED_JOBS":           &config.KeepCompletedJobs,
		"KEEP_FAILED_JOBS":              &config.KeepFailedJobs,
		"DEFAULT_SYNC_INTERVAL_MINUTES": &config.DefaultSyncIntervalMinutes,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value: %w", name, err)
			}
			*dst = n
		}
	}
	durations := map[string]*Duration{
		"PERIODIC_INTERVAL": &config.PeriodicInterval,
		"POLL_INTERVAL":     &config.PollInterval,
		"JOB_BACKOFF_BASE":  &config.JobBackoffBase,
		"CALDAV_TIMEOUT":    &config.CalDAVTimeout,
		"EWS_TIMEOUT":       &config.EWSTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value: %w", name, err)
			}
			*dst = Duration(d)
		}
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.ListenAddr != "" {
		config.ListenAddr = flags.ListenAddr
	}
	if flags.DatabaseDSN != "" {
		config.DatabaseDSN = flags.DatabaseDSN
	}
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.Workers != 0 {
		config.Workers = flags.Workers
	}
	if flags.LogLevel != "" {
		config.LogLevel = flags.LogLevel
	}

	// Step 4: Apply defaults and validate required fields
	if config.DatabaseDSN == "" {
		return nil, fmt.Errorf("database_dsn must be provided via --database-dsn flag, DATABASE_DSN environment variable, or config file")
	}
	if config.VaultKey == "" {
		return nil, fmt.Errorf("vault_key must be provided via VAULT_KEY environment variable or config file")
	}
	if config.MicrosoftClientID != "" && config.MicrosoftClientSecret == "" {
		return nil, fmt.Errorf("microsoft_client_secret must be provided together with microsoft_client_id")
	}
	config.applyDefaults()

	if config.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", config.Workers)
	}
	switch strings.ToLower(config.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("log_level must be one of debug, info, warn or error, got '%s'", config.LogLevel)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MicrosoftTenant == "" {
		c.MicrosoftTenant = "common"
	}
	if c.Workers == 0 {
		c.Workers = 3
	}
	if c.PeriodicInterval == 0 {
		c.PeriodicInterval = Duration(15 * time.Minute)
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(2 * time.Second)
	}
	if c.JobMaxAttempts == 0 {
		c.JobMaxAttempts = 5
	}
	if c.JobBackoffBase == 0 {
		c.JobBackoffBase = Duration(30 * time.Second)
	}
	if c.KeepCompletedJobs == 0 {
		c.KeepCompletedJobs = 100
	}
	if c.KeepFailedJobs == 0 {
		c.KeepFailedJobs = 500
	}
	if c.CalDAVTimeout == 0 {
		c.CalDAVTimeout = Duration(30 * time.Second)
	}
	if c.EWSTimeout == 0 {
		c.EWSTimeout = Duration(60 * time.Second)
	}
	if c.DefaultSyncIntervalMinutes == 0 {
		c.DefaultSyncIntervalMinutes = 15
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
