package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/oceanwatch/internal/integration"
	"github.com/example/oceanwatch/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":50051" {
		t.Fatalf("unexpected listen addresses %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabaseDSN != "oceanwatch.db" {
		t.Fatalf("unexpected database defaults %q %q", cfg.DatabaseDriver, cfg.DatabaseDSN)
	}
	if cfg.BatchConcurrency != 4 || cfg.MaxUploadBytes != 10<<20 {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	if cfg.InferenceTimeout() != 0 {
		t.Fatalf("expected unbounded inference, got %v", cfg.InferenceTimeout())
	}
	if cfg.UploadMaxAge() != 30*time.Minute {
		t.Fatalf("unexpected max age %v", cfg.UploadMaxAge())
	}
	if cfg.UploadTempDir != integration.DefaultUploadDir() || cfg.UploadTempDir == os.TempDir() {
		t.Fatalf("expected dedicated upload dir, got %q", cfg.UploadTempDir)
	}
	if cfg.QuantizedModelFile != model.DefaultQuantizedFile || cfg.FullPrecisionModelFile != model.DefaultFullPrecisionFile {
		t.Fatalf("unexpected artifact names %q %q", cfg.QuantizedModelFile, cfg.FullPrecisionModelFile)
	}
}

func TestLoadConfigFileAndEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, `
http_addr: ":9000"
model_dir: /srv/models
inference_timeout_ms: 250
database_driver: postgres
database_dsn: host=db user=ocean
batch_concurrency: 2
`))
	t.Setenv("BATCH_CONCURRENCY", "8")
	t.Setenv("FULL_PRECISION_ADDR", "scorer:50051")
	t.Setenv("LOG_DEVELOPMENT", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.ModelDir != "/srv/models" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.BatchConcurrency != 8 {
		t.Fatalf("expected env to override yaml, got %d", cfg.BatchConcurrency)
	}
	if cfg.FullPrecisionAddr != "scorer:50051" || !cfg.LogDevelopment {
		t.Fatalf("env values not applied: %+v", cfg)
	}
	if cfg.InferenceTimeout() != 250*time.Millisecond {
		t.Fatalf("unexpected inference timeout %v", cfg.InferenceTimeout())
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "database_driver: mysql\n"))
	t.Setenv("BATCH_CONCURRENCY", "-1")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"database_driver", "batch_concurrency"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadConfigRejectsMalformedEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MAX_UPLOAD_BYTES", "lots")

	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "MAX_UPLOAD_BYTES") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "http_addr: [unterminated\n"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}
