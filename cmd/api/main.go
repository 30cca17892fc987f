package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldbook/internal/api"
	"fieldbook/internal/config"
	"fieldbook/internal/domain"
	"fieldbook/internal/events"
	"fieldbook/internal/ledger"
	"fieldbook/internal/logging"
	"fieldbook/internal/metrics"
	"fieldbook/internal/models"
	"fieldbook/internal/receipt"
	"fieldbook/internal/repository"
	"fieldbook/internal/store"
	"fieldbook/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	docs, err := openStore(ctx, cfg, redisClient, &logger)
	if err != nil {
		return err
	}
	defer docs.Close()

	bus := events.NewEventBus(&logger)
	led, err := newLedger(cfg, docs, bus, &logger)
	if err != nil {
		return err
	}

	fieldsPath := os.Getenv("FIELDS_PATH")
	if fieldsPath == "" {
		fieldsPath = cfg.FieldsFile
	}
	if err := seedFields(ctx, fieldsPath, led, &logger); err != nil {
		return err
	}

	sinks, err := wireSinks(ctx, cfg, bus, redisClient, &logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	bookingLimiter := newBookingLimiter(ctx, redisClient, cfg, &logger)

	var receipts *receipt.Renderer
	if cfg.Receipts.SigningKey != "" {
		receipts = receipt.NewRenderer(cfg.Receipts.SigningKey, cfg.Receipts.Issuer)
	}

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		svc := api.NewLedgerService(led, bookingLimiter, cfg.API.BookingRateLimit)
		grpcServer, err = api.NewGRPCServer(&cfg.API, svc, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	var httpServer *api.HTTPServer
	if cfg.API.HTTP.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.HTTPDeps{
			Ledger:         led,
			Hub:            sinks.hub,
			Receipts:       receipts,
			BookingLimiter: bookingLimiter,
			ExportDir:      cfg.Exports.Path,
		}, &logger)
	}

	if grpcServer == nil && httpServer == nil {
		logger.Warn().Msg("both HTTP and gRPC are disabled; only event sinks are running")
	}

	startMetrics(ctx, cfg, &logger)

	return startServers(ctx, grpcServer, httpServer, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(context.Background(), redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func openStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) (domain.DocumentStore, error) {
	switch cfg.Store.Driver {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init sqlite store")
			return nil, err
		}
		go store.NewBackupService(s, cfg.Backup, logger).Start(ctx)
		return s, nil
	case config.StoreRedis:
		if redisClient == nil {
			return nil, errors.New("redis store selected but redis is unreachable")
		}
		return store.NewRedisStore(redisClient, cfg.Redis.KeyPrefix), nil
	case config.StoreMongo:
		client, err := store.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Timeout)
		if err != nil {
			logger.Error().Err(err).Msg("connect mongo")
			return nil, err
		}
		return store.NewMongoStore(client, cfg.Mongo.Database, cfg.Mongo.Timeout), nil
	default:
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func newLedger(cfg *config.Config, docs domain.DocumentStore, bus *events.EventBus, logger *zerolog.Logger) (*ledger.Ledger, error) {
	grid, err := cfg.Ledger.Grid()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Ledger.Location()
	if err != nil {
		return nil, err
	}
	return ledger.NewLedger(docs, bus, ledger.Options{
		Grid:           grid,
		Location:       loc,
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		MaxBookingDays: cfg.Ledger.MaxBookingDays,
		Retry: worker.RetryPolicy{
			InitialDelay: cfg.Ledger.RetryInitialDelay,
			MaxDelay:     cfg.Ledger.RetryMaxDelay,
		},
	}, logger), nil
}

// seedFields registers the fields listed in path that do not exist yet.
func seedFields(ctx context.Context, path string, led *ledger.Ledger, logger *zerolog.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("fields_path", path).Msg("read fields")
		return err
	}

	var fieldsConfig struct {
		Fields []models.Field `yaml:"fields"`
	}
	if err := yaml.Unmarshal(data, &fieldsConfig); err != nil {
		logger.Error().Err(err).Str("fields_path", path).Msg("parse fields")
		return err
	}

	for i := range fieldsConfig.Fields {
		field := fieldsConfig.Fields[i]
		if _, err := led.GetField(ctx, field.ID); err == nil {
			continue
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if err := led.RegisterField(ctx, &field); err != nil {
			return fmt.Errorf("seed field %s: %w", field.ID, err)
		}
		logger.Info().Str("field_id", field.ID).Str("name", field.Name).Msg("field seeded")
	}
	return nil
}

func newBookingLimiter(ctx context.Context, redisClient *redis.Client, cfg *config.Config, logger *zerolog.Logger) domain.RateLimiter {
	memory := repository.NewMemoryRateLimiter()
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.API.BookingRateLimit.WindowSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				memory.Sweep()
			}
		}
	}()

	if redisClient == nil {
		return memory
	}
	primary := repository.NewRedisRateLimiter(redisClient, cfg.Redis.KeyPrefix)
	return repository.NewFailoverRateLimiter(primary, memory, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	logger *zerolog.Logger,
) error {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
		logger.Info().Str("grpc_addr", grpcServer.Addr()).Msg("gRPC server started")
	}

	if httpServer != nil {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
