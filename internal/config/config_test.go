package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fieldbook/internal/models"
)

func validConfig() Config {
	cfg := Config{
		Store: StoreConfig{Driver: StoreSQLite},
		Database: DatabaseConfig{
			Path: "data/fieldbook.db",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestLoadConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	t.Setenv("FIELDBOOK_JWT_SECRET", "s3cret")

	yamlContent := `
store:
  driver: sqlite
database:
  path: "test.db"
ledger:
  timezone: "Europe/Moscow"
  max_attempts: 7
  retry_initial_delay: 50ms
api:
  enabled: true
  jwt:
    secret: "${FIELDBOOK_JWT_SECRET}"
mongo:
  timeout: 3s
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.API.JWT.Secret != "s3cret" {
		t.Errorf("expected expanded jwt secret, got %q", cfg.API.JWT.Secret)
	}
	if !cfg.API.HTTP.Enabled {
		t.Errorf("expected http enabled together with api")
	}
	if cfg.Ledger.MaxAttempts != 7 {
		t.Errorf("expected max_attempts 7, got %d", cfg.Ledger.MaxAttempts)
	}
	if cfg.Ledger.RetryInitialDelay != 50*time.Millisecond {
		t.Errorf("expected retry delay 50ms, got %s", cfg.Ledger.RetryInitialDelay)
	}
	if cfg.Mongo.Timeout != 3*time.Second {
		t.Errorf("expected mongo timeout 3s, got %s", cfg.Mongo.Timeout)
	}
	loc, err := cfg.Ledger.Location()
	if err != nil || loc.String() != "Europe/Moscow" {
		t.Errorf("unexpected location %v: %v", loc, err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "memory store needs nothing", mutate: func(c *Config) { c.Store.Driver = StoreMemory; c.Database.Path = "" }},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "cassandra" }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "redis without address", mutate: func(c *Config) { c.Store.Driver = StoreRedis }, wantErr: true},
		{name: "mongo without uri", mutate: func(c *Config) { c.Store.Driver = StoreMongo }, wantErr: true},
		{name: "api without jwt secret", mutate: func(c *Config) { c.API.Enabled = true }, wantErr: true},
		{name: "telegram without token", mutate: func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = 1 }, wantErr: true},
		{name: "telegram without chat", mutate: func(c *Config) { c.Telegram.Enabled = true; c.Telegram.BotToken = "t" }, wantErr: true},
		{name: "google without sheet", mutate: func(c *Config) { c.Google.Enabled = true; c.Google.GoogleCredentialsFile = "c.json" }, wantErr: true},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Topic = "ledger" }, wantErr: true},
		{name: "api key without key", mutate: func(c *Config) {
			c.API.Auth.Enabled = true
			c.API.Auth.APIKeys = []APIClientKey{{Name: "crm"}}
		}, wantErr: true},
		{name: "bad timezone", mutate: func(c *Config) { c.Ledger.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "grid step not dividing hour", mutate: func(c *Config) { c.Ledger.SlotMinutes = 25 }, wantErr: true},
		{name: "last mark at midnight", mutate: func(c *Config) { c.Ledger.LastMark = "24:00" }, wantErr: true},
		{name: "last before first", mutate: func(c *Config) { c.Ledger.FirstMark = "20:00"; c.Ledger.LastMark = "08:00" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Store.Driver != StoreMemory {
		t.Errorf("expected default store memory, got %s", cfg.Store.Driver)
	}
	if cfg.API.GRPC.Port != 8081 {
		t.Errorf("expected default gRPC port 8081, got %d", cfg.API.GRPC.Port)
	}
	if cfg.API.BookingRateLimit.Requests != models.DefaultRateLimitRequests {
		t.Errorf("expected default booking rate limit %d, got %d", models.DefaultRateLimitRequests, cfg.API.BookingRateLimit.Requests)
	}
	if cfg.Backup.StoragePath != "backups" {
		t.Errorf("expected default backup path backups, got %q", cfg.Backup.StoragePath)
	}
	if cfg.Ledger.MaxBookingDays != models.DefaultMaxBookingDays {
		t.Errorf("expected default horizon %d, got %d", models.DefaultMaxBookingDays, cfg.Ledger.MaxBookingDays)
	}

	grid, err := cfg.Ledger.Grid()
	if err != nil {
		t.Fatalf("default grid invalid: %v", err)
	}
	if grid != models.DefaultSlotGrid() {
		t.Errorf("expected default grid %+v, got %+v", models.DefaultSlotGrid(), grid)
	}
	if len(grid.All()) != 36 {
		t.Errorf("expected 36 marks, got %d", len(grid.All()))
	}
}
