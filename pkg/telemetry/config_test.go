package telemetry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"unknown exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling rate out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
		{"metrics disabled without address", func(c *Config) { c.Metrics.Enabled = false; c.Metrics.ListenAddress = "" }, false},
		{"empty event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := ProductionConfig().Validate(); err != nil {
		t.Errorf("ProductionConfig invalid: %v", err)
	}
	if err := DevelopmentConfig().Validate(); err != nil {
		t.Errorf("DevelopmentConfig invalid: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.yaml")
	doc := `
service_version: 2.0.0
logging:
  level: debug
  format: json
metrics:
  listen_address: ":9999"
events:
  flush_interval: 500ms
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ServiceName != "bakeplan" || cfg.ServiceVersion != "2.0.0" {
		t.Errorf("unexpected service identity: %s %s", cfg.ServiceName, cfg.ServiceVersion)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Metrics.ListenAddress != ":9999" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics config: %+v", cfg.Metrics)
	}
	if cfg.Events.FlushInterval != 500*time.Millisecond {
		t.Errorf("flush interval = %s, want 500ms", cfg.Events.FlushInterval)
	}

	if err := os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected invalid level to be rejected")
	}
}
