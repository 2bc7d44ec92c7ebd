// Package config loads service settings from config.yaml, .env and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/oceanwatch/internal/integration"
	"github.com/example/oceanwatch/internal/model"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultMaxUploadBytes = 10 << 20
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`

	ModelDir               string `yaml:"model_dir"`
	QuantizedModelFile     string `yaml:"quantized_model_file"`
	FullPrecisionModelFile string `yaml:"full_precision_model_file"`
	FullPrecisionAddr      string `yaml:"full_precision_addr"`
	InferenceTimeoutMs     int    `yaml:"inference_timeout_ms"`
	BatchConcurrency       int    `yaml:"batch_concurrency"`

	UploadTempDir       string `yaml:"upload_temp_dir"`
	UploadSweepSchedule string `yaml:"upload_sweep_schedule"`
	UploadMaxAgeMinutes int    `yaml:"upload_max_age_minutes"`
	MaxUploadBytes      int64  `yaml:"max_upload_bytes"`

	DatabaseDriver string `yaml:"database_driver"`
	DatabaseDSN    string `yaml:"database_dsn"`
	RedisAddr      string `yaml:"redis_addr"`

	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

// LoadConfig reads CONFIG_PATH (default config.yaml) when present, applies
// environment overrides, fills defaults and validates the result. A .env file
// in the working directory is loaded first without overriding variables that
// are already set.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", configPath, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read %s: %w", configPath, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envOverride(&cfg.HTTPAddr, "HTTP_ADDR")
	envOverride(&cfg.GRPCAddr, "GRPC_ADDR")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverride(&cfg.ModelDir, "MODEL_DIR")
	envOverride(&cfg.QuantizedModelFile, "QUANTIZED_MODEL_FILE")
	envOverride(&cfg.FullPrecisionModelFile, "FULL_PRECISION_MODEL_FILE")
	envOverride(&cfg.FullPrecisionAddr, "FULL_PRECISION_ADDR")
	envOverride(&cfg.UploadTempDir, "UPLOAD_TEMP_DIR")
	envOverride(&cfg.UploadSweepSchedule, "UPLOAD_SWEEP_SCHEDULE")
	envOverride(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	envOverride(&cfg.DatabaseDSN, "DATABASE_DSN")
	envOverride(&cfg.RedisAddr, "REDIS_ADDR")
	envOverride(&cfg.JWTSecret, "JWT_SECRET")
	envOverride(&cfg.JWTAudience, "JWT_AUDIENCE")

	var errs []error
	errs = append(errs,
		envOverrideBool(&cfg.LogDevelopment, "LOG_DEVELOPMENT"),
		envOverrideInt(&cfg.InferenceTimeoutMs, "INFERENCE_TIMEOUT_MS"),
		envOverrideInt(&cfg.BatchConcurrency, "BATCH_CONCURRENCY"),
		envOverrideInt(&cfg.UploadMaxAgeMinutes, "UPLOAD_MAX_AGE_MINUTES"),
		envOverrideInt64(&cfg.MaxUploadBytes, "MAX_UPLOAD_BYTES"),
	)
	return errors.Join(errs...)
}

func (cfg *Config) applyDefaults() {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = ":50051"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = "./models"
	}
	if cfg.QuantizedModelFile == "" {
		cfg.QuantizedModelFile = model.DefaultQuantizedFile
	}
	if cfg.FullPrecisionModelFile == "" {
		cfg.FullPrecisionModelFile = model.DefaultFullPrecisionFile
	}
	if cfg.BatchConcurrency == 0 {
		cfg.BatchConcurrency = 4
	}
	if cfg.UploadTempDir == "" {
		cfg.UploadTempDir = integration.DefaultUploadDir()
	}
	if cfg.UploadSweepSchedule == "" {
		cfg.UploadSweepSchedule = "*/10 * * * *"
	}
	if cfg.UploadMaxAgeMinutes == 0 {
		cfg.UploadMaxAgeMinutes = 30
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = DriverSQLite
	}
	if cfg.DatabaseDSN == "" && cfg.DatabaseDriver == DriverSQLite {
		cfg.DatabaseDSN = "oceanwatch.db"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
}

// Validate checks values that defaults cannot repair.
func (cfg Config) Validate() error {
	var errs []error
	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database_driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DatabaseDriver))
	}
	if cfg.DatabaseDSN == "" {
		errs = append(errs, errors.New("database_dsn is required"))
	}
	if cfg.InferenceTimeoutMs < 0 {
		errs = append(errs, errors.New("inference_timeout_ms must not be negative"))
	}
	if cfg.BatchConcurrency < 1 {
		errs = append(errs, errors.New("batch_concurrency must be at least 1"))
	}
	if cfg.UploadMaxAgeMinutes < 1 {
		errs = append(errs, errors.New("upload_max_age_minutes must be at least 1"))
	}
	if cfg.MaxUploadBytes < 1 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// InferenceTimeout is the per-call backend deadline, zero when unbounded.
func (cfg Config) InferenceTimeout() time.Duration {
	return time.Duration(cfg.InferenceTimeoutMs) * time.Millisecond
}

// UploadMaxAge is how long an orphaned temp upload survives before the
// sweeper removes it.
func (cfg Config) UploadMaxAge() time.Duration {
	return time.Duration(cfg.UploadMaxAgeMinutes) * time.Minute
}

func envOverride(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envOverrideInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envOverrideInt64(dst *int64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envOverrideBool(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
