// Package config provides configuration loading and management for the issue sync engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/issuesync/internal/telemetry"
)

const (
	// CredentialsSourceEnv reads credentials from ISSUESYNC_JIRA_* environment variables
	CredentialsSourceEnv = "env"

	// CredentialsSourceFile reads credentials from a YAML or JSON document on disk
	CredentialsSourceFile = "file"

	// CredentialsSourceAWS reads credentials from an AWS Secrets Manager secret
	CredentialsSourceAWS = "aws"
)

const (
	// WarehouseTypePostgres stores issues in PostgreSQL
	WarehouseTypePostgres = "postgres"

	// WarehouseTypeSQLite stores issues in an embedded SQLite file
	WarehouseTypeSQLite = "sqlite"
)

// Field kinds accepted for configurable custom fields
const (
	FieldKindString      = "string"
	FieldKindSelect      = "select"
	FieldKindMultiSelect = "multiselect"
	FieldKindCascade     = "cascade"
	FieldKindSLA         = "sla"
)

const (
	// DefaultPageSize is the number of issues requested per page
	DefaultPageSize = 100

	// MaxPageSize is the largest page size accepted by the search endpoint
	MaxPageSize = 5000

	// DefaultRequestTimeout bounds a single search request
	DefaultRequestTimeout = 30 * time.Second

	// DefaultLookback is the default window length when no override is given
	DefaultLookback = time.Hour

	// DefaultClockSkew is the tolerance for overrides in the future
	DefaultClockSkew = 2 * time.Minute

	// DefaultRunTimeout bounds a whole run
	DefaultRunTimeout = 30 * time.Minute

	// DefaultInterval is the scheduling interval used by serve
	DefaultInterval = 15 * time.Minute

	// DefaultTriggerAddress is the listen address of the trigger API
	DefaultTriggerAddress = ":8080"

	// DefaultRetryMaxAttempts is the per-page attempt ceiling
	DefaultRetryMaxAttempts = 5

	// DefaultRetryInitialInterval is the first backoff delay
	DefaultRetryInitialInterval = 500 * time.Millisecond

	// DefaultRetryMaxInterval caps a single backoff delay
	DefaultRetryMaxInterval = 30 * time.Second

	// DefaultRetryMultiplier grows the backoff delay between attempts
	DefaultRetryMultiplier = 2.0
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Jira        JiraConfig        `yaml:"jira"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Sync        *SyncConfig       `yaml:"sync,omitempty"`
	Warehouse   WarehouseConfig   `yaml:"warehouse"`
	Trigger     *TriggerConfig    `yaml:"trigger,omitempty"`
	Telemetry   *telemetry.Config `yaml:"telemetry,omitempty"`
}

// JiraConfig defines how issues are searched and which custom fields are read
type JiraConfig struct {
	// JQL is an optional filter ANDed with the window condition, e.g. "project = OPS"
	JQL string `yaml:"jql,omitempty"`

	// PageSize is the number of issues per search request
	PageSize int `yaml:"pageSize,omitempty"`

	// Timezone is the IANA zone the window bound is rendered in.
	// JQL date literals are interpreted in the searching user's zone, so this should match it.
	Timezone string `yaml:"timezone,omitempty"`

	// RequestTimeout bounds a single search request (e.g., "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// Fields maps the custom attributes of the target table to custom field ids
	Fields FieldsConfig `yaml:"fields"`
}

// FieldsConfig maps target columns backed by custom fields
type FieldsConfig struct {
	Team                *FieldConfig `yaml:"team,omitempty"`
	Filiale             *FieldConfig `yaml:"filiale,omitempty"`
	TimeToResolution    *FieldConfig `yaml:"timeToResolution,omitempty"`
	TimeToFirstResponse *FieldConfig `yaml:"timeToFirstResponse,omitempty"`
}

// FieldConfig identifies a custom field and the shape its value takes
type FieldConfig struct {
	// ID is the field id, e.g. "customfield_10042"
	ID string `yaml:"id"`

	// Kind is one of string, select, multiselect, cascade or sla
	Kind string `yaml:"kind,omitempty"`
}

// CredentialsConfig selects where the tracker credentials come from
type CredentialsConfig struct {
	// Source is env, file or aws. Defaults to env.
	Source string `yaml:"source,omitempty"`

	// File is the credentials document path when Source is file
	File string `yaml:"file,omitempty"`

	// AWS configures the Secrets Manager secret when Source is aws
	AWS *AWSSecretConfig `yaml:"aws,omitempty"`
}

// AWSSecretConfig identifies a Secrets Manager secret
type AWSSecretConfig struct {
	SecretID string `yaml:"secretId"`
	Region   string `yaml:"region,omitempty"`
}

// SyncConfig defines the window, run budget and retry policy
type SyncConfig struct {
	// Lookback is the default window length (e.g., "1h")
	Lookback string `yaml:"lookback,omitempty"`

	// ClockSkew is the tolerance for window overrides in the future (e.g., "2m")
	ClockSkew string `yaml:"clockSkew,omitempty"`

	// RunTimeout is the wall-clock budget for a whole run (e.g., "30m")
	RunTimeout string `yaml:"runTimeout,omitempty"`

	// Interval is how often serve starts a run (e.g., "15m")
	Interval string `yaml:"interval,omitempty"`

	// Retry is the per-page retry policy
	Retry *RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig defines the per-page retry policy
type RetryConfig struct {
	MaxAttempts     int     `yaml:"maxAttempts,omitempty"`
	InitialInterval string  `yaml:"initialInterval,omitempty"`
	MaxInterval     string  `yaml:"maxInterval,omitempty"`
	Multiplier      float64 `yaml:"multiplier,omitempty"`
}

// WarehouseConfig selects and configures the analytical store
type WarehouseConfig struct {
	// Type is postgres or sqlite
	Type string `yaml:"type"`

	Postgres *DatabaseConfig `yaml:"postgres,omitempty"`
	SQLite   *SQLiteConfig   `yaml:"sqlite,omitempty"`
}

// SQLiteConfig defines the embedded store location
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// TriggerConfig defines the manual trigger HTTP surface of serve
type TriggerConfig struct {
	// Address is the listen address (e.g., ":8080")
	Address string `yaml:"address,omitempty"`

	// TokenFile is the path to a file holding the bearer token that authorizes triggers
	TokenFile string `yaml:"tokenFile,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from ISSUESYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("ISSUESYNC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or ISSUESYNC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetConnMaxLifetime parses ConnMaxLifetime, returning zero when unset or invalid
func (d *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return parseDurationOr(d.ConnMaxLifetime, 0)
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates configuration from YAML content
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetPageSize returns the page size, using DefaultPageSize if not specified
func (j *JiraConfig) GetPageSize() int {
	if j.PageSize <= 0 {
		return DefaultPageSize
	}
	return j.PageSize
}

// GetLocation returns the timezone the window bound is rendered in, UTC if not specified
func (j *JiraConfig) GetLocation() *time.Location {
	if j.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetRequestTimeout returns the per-request timeout
func (j *JiraConfig) GetRequestTimeout() time.Duration {
	return parseDurationOr(j.RequestTimeout, DefaultRequestTimeout)
}

// GetSource returns the credentials source, env if not specified
func (c *CredentialsConfig) GetSource() string {
	if c.Source == "" {
		return CredentialsSourceEnv
	}
	return c.Source
}

// GetSync returns the sync section, never nil
func (c *Config) GetSync() *SyncConfig {
	if c.Sync == nil {
		return &SyncConfig{}
	}
	return c.Sync
}

// GetLookback returns the default window length
func (s *SyncConfig) GetLookback() time.Duration {
	return parseDurationOr(s.Lookback, DefaultLookback)
}

// GetClockSkew returns the clock skew tolerance
func (s *SyncConfig) GetClockSkew() time.Duration {
	return parseDurationOr(s.ClockSkew, DefaultClockSkew)
}

// GetRunTimeout returns the whole-run budget
func (s *SyncConfig) GetRunTimeout() time.Duration {
	return parseDurationOr(s.RunTimeout, DefaultRunTimeout)
}

// GetInterval returns the scheduling interval
func (s *SyncConfig) GetInterval() time.Duration {
	return parseDurationOr(s.Interval, DefaultInterval)
}

// GetRetry returns the retry section, never nil
func (s *SyncConfig) GetRetry() *RetryConfig {
	if s.Retry == nil {
		return &RetryConfig{}
	}
	return s.Retry
}

// GetMaxAttempts returns the per-page attempt ceiling
func (r *RetryConfig) GetMaxAttempts() int {
	if r.MaxAttempts <= 0 {
		return DefaultRetryMaxAttempts
	}
	return r.MaxAttempts
}

// GetInitialInterval returns the first backoff delay
func (r *RetryConfig) GetInitialInterval() time.Duration {
	return parseDurationOr(r.InitialInterval, DefaultRetryInitialInterval)
}

// GetMaxInterval returns the backoff delay cap
func (r *RetryConfig) GetMaxInterval() time.Duration {
	return parseDurationOr(r.MaxInterval, DefaultRetryMaxInterval)
}

// GetMultiplier returns the backoff growth factor
func (r *RetryConfig) GetMultiplier() float64 {
	if r.Multiplier < 1 {
		return DefaultRetryMultiplier
	}
	return r.Multiplier
}

// GetTrigger returns the trigger section, never nil
func (c *Config) GetTrigger() *TriggerConfig {
	if c.Trigger == nil {
		return &TriggerConfig{}
	}
	return c.Trigger
}

// GetAddress returns the trigger listen address
func (t *TriggerConfig) GetAddress() string {
	if t.Address == "" {
		return DefaultTriggerAddress
	}
	return t.Address
}

// GetToken returns the trigger token using the following priority:
// 1. Read from TokenFile if specified
// 2. Read from ISSUESYNC_TRIGGER_TOKEN environment variable
//
// An empty token disables the trigger endpoint.
func (t *TriggerConfig) GetToken() (string, error) {
	if t.TokenFile != "" {
		data, err := os.ReadFile(filepath.Clean(t.TokenFile))
		if err != nil {
			return "", fmt.Errorf("failed to read trigger token from file %s: %w", t.TokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(os.Getenv("ISSUESYNC_TRIGGER_TOKEN")), nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := c.Jira.validate(); err != nil {
		return fmt.Errorf("jira: %w", err)
	}

	if err := c.Credentials.validate(); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	if err := c.GetSync().validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if err := c.Warehouse.validate(); err != nil {
		return fmt.Errorf("warehouse: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func (j *JiraConfig) validate() error {
	if j.PageSize < 0 || j.PageSize > MaxPageSize {
		return fmt.Errorf("pageSize must be between 1 and %d, got %d", MaxPageSize, j.PageSize)
	}

	if j.Timezone != "" {
		if _, err := time.LoadLocation(j.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", j.Timezone, err)
		}
	}

	if err := validateDuration("requestTimeout", j.RequestTimeout); err != nil {
		return err
	}

	if strings.Contains(strings.ToUpper(j.JQL), "ORDER BY") {
		return fmt.Errorf("jql must not contain ORDER BY, ordering is fixed to updated ascending")
	}

	fields := []struct {
		name    string
		field   *FieldConfig
		allowed []string
	}{
		{"team", j.Fields.Team, []string{FieldKindString, FieldKindSelect, FieldKindMultiSelect, FieldKindCascade}},
		{"filiale", j.Fields.Filiale, []string{FieldKindString, FieldKindSelect, FieldKindMultiSelect, FieldKindCascade}},
		{"timeToResolution", j.Fields.TimeToResolution, []string{FieldKindSLA}},
		{"timeToFirstResponse", j.Fields.TimeToFirstResponse, []string{FieldKindSLA}},
	}
	for _, f := range fields {
		if f.field == nil {
			continue
		}
		if f.field.ID == "" {
			return fmt.Errorf("fields.%s: id is required", f.name)
		}
		if f.field.Kind != "" && !slices.Contains(f.allowed, f.field.Kind) {
			return fmt.Errorf("fields.%s: kind must be one of %v, got %q", f.name, f.allowed, f.field.Kind)
		}
	}

	return nil
}

func (c *CredentialsConfig) validate() error {
	switch c.GetSource() {
	case CredentialsSourceEnv:
		return nil
	case CredentialsSourceFile:
		if c.File == "" {
			return fmt.Errorf("file is required when source is %q", CredentialsSourceFile)
		}
		return nil
	case CredentialsSourceAWS:
		if c.AWS == nil || c.AWS.SecretID == "" {
			return fmt.Errorf("aws.secretId is required when source is %q", CredentialsSourceAWS)
		}
		return nil
	default:
		return fmt.Errorf("unsupported source %q (expected %s, %s or %s)",
			c.Source, CredentialsSourceEnv, CredentialsSourceFile, CredentialsSourceAWS)
	}
}

func (s *SyncConfig) validate() error {
	durations := map[string]string{
		"lookback":   s.Lookback,
		"clockSkew":  s.ClockSkew,
		"runTimeout": s.RunTimeout,
		"interval":   s.Interval,
	}
	for name, value := range durations {
		if err := validateDuration(name, value); err != nil {
			return err
		}
	}

	if s.Retry != nil {
		if s.Retry.MaxAttempts < 0 {
			return fmt.Errorf("retry.maxAttempts must not be negative")
		}
		if s.Retry.Multiplier != 0 && s.Retry.Multiplier < 1 {
			return fmt.Errorf("retry.multiplier must be at least 1, got %v", s.Retry.Multiplier)
		}
		if err := validateDuration("retry.initialInterval", s.Retry.InitialInterval); err != nil {
			return err
		}
		if err := validateDuration("retry.maxInterval", s.Retry.MaxInterval); err != nil {
			return err
		}
	}

	return nil
}

func (w *WarehouseConfig) validate() error {
	switch w.Type {
	case WarehouseTypePostgres:
		if w.Postgres == nil {
			return fmt.Errorf("postgres configuration is required when type is %q", WarehouseTypePostgres)
		}
		if w.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required")
		}
		if w.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required")
		}
		return validateDuration("postgres.connMaxLifetime", w.Postgres.ConnMaxLifetime)
	case WarehouseTypeSQLite:
		if w.SQLite == nil || w.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required when type is %q", WarehouseTypeSQLite)
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unsupported type %q (expected %s or %s)", w.Type, WarehouseTypePostgres, WarehouseTypeSQLite)
	}
}

func validateDuration(name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %q", name, value)
	}
	return nil
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
