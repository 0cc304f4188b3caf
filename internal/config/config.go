// Package config loads datakit configuration from a YAML file with
// DATAKIT_* environment overrides.
//
// Precedence, lowest first: built-in defaults, the YAML file, the
// environment. Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/datakit/internal/diag"
	"github.com/roach88/datakit/internal/store"
)

// Config is the full datakit configuration.
type Config struct {
	// Model is the path to a CUE entity model. Relative paths resolve
	// against the config file's directory. Empty means a dynamic model.
	Model string `yaml:"model,omitempty"`

	Store       Store       `yaml:"store"`
	Logging     Logging     `yaml:"logging"`
	Diagnostics Diagnostics `yaml:"diagnostics"`
	Backup      Backup      `yaml:"backup,omitempty"`

	// StrictAffinity makes foreground-context operations outside a
	// foreground-lane task fail instead of merely being unsupported.
	StrictAffinity bool `yaml:"strict_affinity,omitempty"`
}

// Store selects and opens the backing store.
type Store struct {
	// URL is an explicit store location (memory:, sqlite://path, a file
	// path or postgres://...). It wins over Name and Dir. With neither URL
	// nor Name the store is in memory.
	URL string `yaml:"url,omitempty"`

	// Name selects the SQLite file <Name>.sqlite in Dir.
	Name string `yaml:"name,omitempty"`

	// Dir defaults to the datakit folder of the user configuration directory.
	Dir string `yaml:"dir,omitempty"`

	Automigrate      bool `yaml:"automigrate"`
	DeleteOnMismatch bool `yaml:"delete_on_mismatch,omitempty"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (l Logging) level() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, err
	}
	return lvl, nil
}

// NewLogger builds a slog logger writing to w. Verbose forces debug level.
func (l Logging) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Diagnostics configures the diagnostics sink thresholds.
type Diagnostics struct {
	LogLevel     string `yaml:"log_level"`
	BreakOnLevel string `yaml:"break_on_level"`
}

// Backup configures snapshot destinations.
type Backup struct {
	Dir string `yaml:"dir,omitempty"`
	S3  S3     `yaml:"s3,omitempty"`
}

// S3 configures snapshot uploads.
type S3 struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`

	// Static credentials. When empty the default AWS credential chain
	// applies.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`
}

// Default returns the configuration used when nothing else is given: an
// automigrating in-memory store with info-level text logging.
func Default() Config {
	return Config{
		Store:       Store{Automigrate: true},
		Logging:     Logging{Level: "info", Format: "text"},
		Diagnostics: Diagnostics{LogLevel: "info", BreakOnLevel: "off"},
	}
}

// Getenv looks up an environment variable.
type Getenv func(key string) (string, bool)

// Load reads path (if non-empty) over the defaults and applies the process
// environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, getenv Getenv) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
		if cfg.Model != "" && !filepath.IsAbs(cfg.Model) {
			cfg.Model = filepath.Join(filepath.Dir(path), cfg.Model)
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // typos like "automigrat:" fail loudly
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from DATAKIT_* variables.
func (c *Config) ApplyEnv(getenv Getenv) error {
	if getenv == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v, ok := getenv(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := getenv(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("DATAKIT_MODEL", &c.Model)
	str("DATAKIT_STORE_URL", &c.Store.URL)
	str("DATAKIT_STORE_NAME", &c.Store.Name)
	str("DATAKIT_STORE_DIR", &c.Store.Dir)
	str("DATAKIT_LOG_LEVEL", &c.Logging.Level)
	str("DATAKIT_LOG_FORMAT", &c.Logging.Format)
	str("DATAKIT_DIAG_LEVEL", &c.Diagnostics.LogLevel)
	str("DATAKIT_BREAK_ON_LEVEL", &c.Diagnostics.BreakOnLevel)
	str("DATAKIT_BACKUP_DIR", &c.Backup.Dir)
	str("DATAKIT_S3_BUCKET", &c.Backup.S3.Bucket)
	str("DATAKIT_S3_REGION", &c.Backup.S3.Region)
	str("DATAKIT_S3_ENDPOINT", &c.Backup.S3.Endpoint)
	str("DATAKIT_S3_PREFIX", &c.Backup.S3.Prefix)
	str("DATAKIT_S3_ACCESS_KEY_ID", &c.Backup.S3.AccessKeyID)
	str("DATAKIT_S3_SECRET_ACCESS_KEY", &c.Backup.S3.SecretAccessKey)
	str("DATAKIT_S3_SESSION_TOKEN", &c.Backup.S3.SessionToken)

	for key, dst := range map[string]*bool{
		"DATAKIT_AUTOMIGRATE":        &c.Store.Automigrate,
		"DATAKIT_DELETE_ON_MISMATCH": &c.Store.DeleteOnMismatch,
		"DATAKIT_STRICT_AFFINITY":    &c.StrictAffinity,
		"DATAKIT_S3_PATH_STYLE":      &c.Backup.S3.PathStyle,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the configuration can be used to open a stack.
func (c Config) Validate() error {
	if c.Store.URL != "" {
		if _, err := store.ParseLocation(c.Store.URL); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if _, err := c.Logging.level(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	if _, err := diag.ParseLevel(c.Diagnostics.LogLevel); err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	if _, err := diag.ParseLevel(c.Diagnostics.BreakOnLevel); err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	if (c.Backup.S3.AccessKeyID == "") != (c.Backup.S3.SecretAccessKey == "") {
		return fmt.Errorf("backup: s3 access_key_id and secret_access_key must be set together")
	}
	return nil
}

// StoreURL resolves the store location. A named store's directory is
// created if needed.
func (c Config) StoreURL() (string, error) {
	switch {
	case c.Store.URL != "":
		return c.Store.URL, nil
	case c.Store.Name != "":
		return store.StoreURL(c.Store.Dir, c.Store.Name)
	}
	return "memory:", nil
}

// AttachOptions returns the store attach options.
func (c Config) AttachOptions() store.AttachOptions {
	return store.AttachOptions{
		Automigrate:      c.Store.Automigrate,
		DeleteOnMismatch: c.Store.DeleteOnMismatch,
	}
}

// DiagLevels returns the parsed diagnostics thresholds. Call Validate first.
func (c Config) DiagLevels() (logLevel, breakOn diag.Level) {
	logLevel, _ = diag.ParseLevel(c.Diagnostics.LogLevel)
	breakOn, _ = diag.ParseLevel(c.Diagnostics.BreakOnLevel)
	return logLevel, breakOn
}

// Encode renders c as YAML.
func (c Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
