package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port           int   `mapstructure:"port"`
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// RunnerConfig controls workspace layout and execution ceilings.
type RunnerConfig struct {
	BaseDir           string        `mapstructure:"base_dir"`
	Interpreter       string        `mapstructure:"interpreter"`
	Manifest          string        `mapstructure:"manifest"`
	MaxRunSeconds     int           `mapstructure:"max_run_seconds"`
	MaxOutputBytes    int           `mapstructure:"max_output_bytes"`
	MaxExtractBytes   int64         `mapstructure:"max_extract_bytes"`
	MaxArchiveEntries int           `mapstructure:"max_archive_entries"`
	MaxBundleBytes    int64         `mapstructure:"max_bundle_bytes"`
	InstallTimeout    time.Duration `mapstructure:"install_timeout"`
	Retention         time.Duration `mapstructure:"retention"`
}

// StoreConfig selects and configures the artifact object store.
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"`
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	SessionToken    string        `mapstructure:"session_token"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Store   StoreConfig   `mapstructure:"store"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// envBindings maps config keys onto the plain environment names the service
// has always been deployed with.
var envBindings = map[string]string{
	"store.access_key_id":     "AWS_ACCESS_KEY_ID",
	"store.secret_access_key": "AWS_SECRET_ACCESS_KEY",
	"store.session_token":     "AWS_SESSION_TOKEN",
	"store.bucket":            "S3_BUCKET",
	"store.region":            "S3_REGION",
	"store.endpoint":          "S3_ENDPOINT",
	"auth.api_key":            "API_KEY",
	"runner.max_run_seconds":  "MAX_RUN_SECONDS",
	"runner.max_output_bytes": "MAX_OUTPUT_BYTES",
	"server.port":             "PORT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("runbox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.runbox")

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.max_upload_bytes", 64<<20)
	v.SetDefault("runner.base_dir", "/tmp/runs")
	v.SetDefault("runner.interpreter", "python3")
	v.SetDefault("runner.manifest", "requirements.txt")
	v.SetDefault("runner.max_run_seconds", 30)
	v.SetDefault("runner.max_output_bytes", 200000)
	v.SetDefault("runner.max_extract_bytes", 512<<20)
	v.SetDefault("runner.max_archive_entries", 10000)
	v.SetDefault("runner.max_bundle_bytes", 0)
	v.SetDefault("runner.install_timeout", 10*time.Minute)
	v.SetDefault("runner.retention", time.Duration(0))
	v.SetDefault("store.backend", "s3")
	v.SetDefault("store.region", "us-east-1")
	v.SetDefault("store.use_path_style", false)
	v.SetDefault("store.presign_ttl", time.Duration(0))
	v.SetDefault("store.max_retries", 0)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".runbox", "runbox.db"))
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "RUNBOX_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variable references in secrets
	cfg.Auth.APIKey = expandEnv(cfg.Auth.APIKey)
	cfg.Store.AccessKeyID = expandEnv(cfg.Store.AccessKeyID)
	cfg.Store.SecretAccessKey = expandEnv(cfg.Store.SecretAccessKey)
	cfg.Store.SessionToken = expandEnv(cfg.Store.SessionToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// Validate rejects settings the runner cannot operate with.
func (c *Config) Validate() error {
	if c.Runner.MaxRunSeconds <= 0 {
		return fmt.Errorf("runner.max_run_seconds must be positive, got %d", c.Runner.MaxRunSeconds)
	}
	if c.Runner.MaxOutputBytes <= 0 {
		return fmt.Errorf("runner.max_output_bytes must be positive, got %d", c.Runner.MaxOutputBytes)
	}
	if c.Runner.InstallTimeout < 0 {
		return fmt.Errorf("runner.install_timeout must not be negative, got %v", c.Runner.InstallTimeout)
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("store.max_retries must not be negative, got %d", c.Store.MaxRetries)
	}
	if c.Runner.BaseDir == "" {
		return errors.New("runner.base_dir is required")
	}
	switch c.Store.Backend {
	case "s3", "memory":
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	return nil
}

// RunTimeout returns the wall-clock and CPU ceiling as a duration.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Runner.MaxRunSeconds) * time.Second
}

// HasStoreCredentials reports whether the S3 settings are complete. Without
// them the service still starts so it can be debugged locally.
func (c *Config) HasStoreCredentials() bool {
	return c.Store.AccessKeyID != "" && c.Store.SecretAccessKey != "" && c.Store.Bucket != ""
}
