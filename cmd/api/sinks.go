package main

import (
	"context"
	"io"

	"fieldbook/internal/config"
	"fieldbook/internal/events"
	"fieldbook/internal/google"
	"fieldbook/internal/mq"
	"fieldbook/internal/notify"
	"fieldbook/internal/realtime"
	"fieldbook/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// sinks are the optional subscribers of the ledger event bus.
type sinks struct {
	hub     *realtime.Hub
	closers []io.Closer
}

func (s *sinks) Close() {
	for _, c := range s.closers {
		_ = c.Close()
	}
}

func wireSinks(ctx context.Context, cfg *config.Config, bus *events.EventBus, redisClient *redis.Client, logger *zerolog.Logger) (*sinks, error) {
	out := &sinks{}

	if cfg.Realtime.Enabled {
		out.hub = realtime.NewHub(cfg.API.CORS.AllowedOrigins, logger)
		out.hub.Subscribe(bus)
		logger.Info().Msg("realtime hub enabled")
	}

	if cfg.Telegram.Enabled {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, continuing without notifications")
		} else {
			bot.Debug = cfg.Telegram.Debug
			notifier := notify.NewTelegramNotifier(bot, cfg.Telegram.ChatID, logger)
			notifier.Subscribe(bus)
			go notifier.Start(ctx)
			logger.Info().Str("bot", bot.Self.UserName).Msg("telegram notifications enabled")
		}
	}

	if cfg.Google.Enabled {
		sheetsService, err := google.NewSheetsService(ctx, cfg.Google.GoogleCredentialsFile, cfg.Google.SpreadsheetID, cfg.Google.SheetName)
		if err != nil {
			logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		} else {
			go func() {
				if err := sheetsService.WarmUpCache(ctx); err != nil {
					logger.Warn().Err(err).Msg("sheets cache warm-up failed")
				}
			}()
			sheetsWorker := worker.NewSheetsWorker(sheetsService, redisClient, worker.RetryPolicy{
				MaxRetries:   cfg.Google.SyncMaxRetries,
				InitialDelay: cfg.Google.SyncInitialDelay,
			}, logger)
			bus.SubscribeAll(sheetsWorker.HandleEvent)
			go sheetsWorker.Start(ctx)
			logger.Info().Msg("google sheets sync enabled")
		}
	}

	if cfg.Kafka.Enabled {
		forwarder, err := mq.NewKafkaForwarder(cfg.Kafka, logger)
		if err != nil {
			out.Close()
			return nil, err
		}
		forwarder.Subscribe(bus)
		go forwarder.Start(ctx)
		out.closers = append(out.closers, forwarder)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka forwarding enabled")
	}

	return out, nil
}
