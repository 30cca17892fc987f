package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"fieldbook/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Store      StoreConfig      `yaml:"store"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Redis      RedisConfig      `yaml:"redis"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Google     GoogleConfig     `yaml:"google"`
	Exports    ExportConfig     `yaml:"exports"`
	Receipts   ReceiptConfig    `yaml:"receipts"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	FieldsFile string           `yaml:"fields_file"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// StoreConfig selects the document store behind the ledger.
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig schedules snapshots of the sqlite store.
type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StoragePath   string        `yaml:"storage_path"`
	RetentionDays int           `yaml:"retention_days"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LedgerConfig struct {
	Timezone          string        `yaml:"timezone"`
	SlotMinutes       int           `yaml:"slot_minutes"`
	FirstMark         string        `yaml:"first_mark"`
	LastMark          string        `yaml:"last_mark"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	MaxBookingDays    int           `yaml:"max_booking_days"`
}

type APIConfig struct {
	Enabled          bool                 `yaml:"enabled"`
	HTTP             APIHTTPConfig        `yaml:"http"`
	GRPC             APIGRPCConfig        `yaml:"grpc"`
	Auth             APIAuthConfig        `yaml:"auth"`
	JWT              JWTConfig            `yaml:"jwt"`
	RateLimit        APIRateLimitConfig   `yaml:"rate_limit"`
	BookingRateLimit BookingRateLimitConf `yaml:"booking_rate_limit"`
	CORS             CORSConfig           `yaml:"cors"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// JWTConfig verifies bearer tokens issued by the identity collaborator.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BookingRateLimitConf limits booking requests per user.
type BookingRateLimitConf struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	Debug    bool   `yaml:"debug"`
}

type GoogleConfig struct {
	Enabled               bool          `yaml:"enabled"`
	GoogleCredentialsFile string        `yaml:"credentials_file"`
	SpreadsheetID         string        `yaml:"spreadsheet_id"`
	SheetName             string        `yaml:"sheet_name"`
	SyncMaxRetries        int           `yaml:"sync_max_retries"`
	SyncInitialDelay      time.Duration `yaml:"sync_initial_delay"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type ReceiptConfig struct {
	SigningKey string `yaml:"signing_key"`
	Issuer     string `yaml:"issuer"`
}

type RealtimeConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis store")
		}
	case StoreSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite store")
		}
	case StoreMongo:
		if c.Mongo.URI == "" {
			return errors.New("mongo uri is required for mongo store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if _, err := c.Ledger.Grid(); err != nil {
		return err
	}
	if _, err := c.Ledger.Location(); err != nil {
		return err
	}

	if c.API.Enabled && c.API.JWT.Secret == "" {
		return errors.New("api jwt secret is required")
	}
	if c.API.Auth.Enabled {
		for _, k := range c.API.Auth.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("api key %q has empty key", k.Name)
			}
		}
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE") {
		return errors.New("telegram bot token is required")
	}
	if c.Telegram.Enabled && c.Telegram.ChatID == 0 {
		return errors.New("telegram chat id is required")
	}
	if c.Google.Enabled && (c.Google.GoogleCredentialsFile == "" || c.Google.SpreadsheetID == "") {
		return errors.New("google credentials file and spreadsheet id are required")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka brokers and topic are required")
	}

	return nil
}

// Grid builds the slot grid from the ledger section.
func (c LedgerConfig) Grid() (models.SlotGrid, error) {
	first, err := models.ParseTimeMark(c.FirstMark)
	if err != nil {
		return models.SlotGrid{}, fmt.Errorf("ledger first_mark: %w", err)
	}
	last, err := models.ParseTimeMark(c.LastMark)
	if err != nil {
		return models.SlotGrid{}, fmt.Errorf("ledger last_mark: %w", err)
	}
	if last >= models.TimeMark(24*60) {
		return models.SlotGrid{}, fmt.Errorf("ledger last_mark must be before 24:00, got %s", last)
	}
	if c.SlotMinutes <= 0 || 60%c.SlotMinutes != 0 {
		return models.SlotGrid{}, fmt.Errorf("ledger slot_minutes must divide an hour, got %d", c.SlotMinutes)
	}
	if last < first || (int(last)-int(first))%c.SlotMinutes != 0 {
		return models.SlotGrid{}, fmt.Errorf("ledger marks %s..%s do not fit a %d-minute grid", first, last, c.SlotMinutes)
	}
	return models.SlotGrid{Step: c.SlotMinutes, First: first, Last: last}, nil
}

func (c LedgerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("ledger timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldbook"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "fieldbook"
	}
	if c.Mongo.Timeout == 0 {
		c.Mongo.Timeout = 5 * time.Second
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "fieldbook"
	}

	// Ledger defaults
	if c.Ledger.Timezone == "" {
		c.Ledger.Timezone = "UTC"
	}
	if c.Ledger.SlotMinutes == 0 {
		c.Ledger.SlotMinutes = models.DefaultSlotStepMinutes
	}
	if c.Ledger.FirstMark == "" {
		c.Ledger.FirstMark = models.TimeMark(models.DefaultFirstMarkMinutes).String()
	}
	if c.Ledger.LastMark == "" {
		c.Ledger.LastMark = models.TimeMark(models.DefaultLastMarkMinutes).String()
	}
	if c.Ledger.MaxAttempts == 0 {
		c.Ledger.MaxAttempts = models.DefaultMaxAttempts
	}
	if c.Ledger.RetryInitialDelay == 0 {
		c.Ledger.RetryInitialDelay = 20 * time.Millisecond
	}
	if c.Ledger.RetryMaxDelay == 0 {
		c.Ledger.RetryMaxDelay = time.Second
	}
	if c.Ledger.MaxBookingDays == 0 {
		c.Ledger.MaxBookingDays = models.DefaultMaxBookingDays
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.BookingRateLimit.Requests == 0 {
		c.API.BookingRateLimit.Requests = models.DefaultRateLimitRequests
	}
	if c.API.BookingRateLimit.WindowSeconds <= 0 {
		c.API.BookingRateLimit.WindowSeconds = models.DefaultRateLimitWindow
	}
	if len(c.API.CORS.AllowedOrigins) == 0 {
		c.API.CORS.AllowedOrigins = []string{"*"}
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Google.SheetName == "" {
		c.Google.SheetName = "Reservations"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Receipts.Issuer == "" {
		c.Receipts.Issuer = c.App.Name
	}
	if c.FieldsFile == "" {
		c.FieldsFile = "configs/fields.yaml"
	}
}
