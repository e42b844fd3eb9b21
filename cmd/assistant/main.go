package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/portfolio-assistant-go/internal/config"
	"github.com/portfolio-assistant-go/internal/handlers"
	"github.com/portfolio-assistant-go/internal/i18n"
	"github.com/portfolio-assistant-go/internal/knowledge"
	"github.com/portfolio-assistant-go/internal/middleware"
	"github.com/portfolio-assistant-go/internal/services/ai"
	"github.com/portfolio-assistant-go/internal/services/cache"
	"github.com/portfolio-assistant-go/internal/services/storage"
	"github.com/portfolio-assistant-go/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Assistant stopped with error")
	}
	log.Info("Assistant stopped")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting portfolio assistant...")

	profile, err := knowledge.LoadOrDefault(cfg.Assistant.ProfilePath)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	log.WithFields(logrus.Fields{
		"owner": profile.Owner,
		"rules": len(profile.Rules),
	}).Info("Profile loaded")

	metrics := middleware.NewMetrics()

	generator, err := newGenerator(ctx, &cfg.Assistant, log)
	if err != nil {
		return err
	}

	storageManager, err := storage.NewManager(&cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer storageManager.Close()
	storageManager.SetRecorder(metrics)

	answerCache := cache.NewCache(&cfg.Cache, log)
	assistant := ai.NewAssistant(generator, profile, answerCache, metrics, log)

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)
	defer rateLimiter.Stop()

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}

	var bot *tgbotapi.BotAPI
	var tgHandler *handlers.TelegramHandler
	if cfg.Telegram.Enabled {
		bot, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		bot.Debug = cfg.Logging.Level == "debug"
		log.WithField("username", bot.Self.UserName).Info("Telegram bot authorized")
		tgHandler = handlers.NewTelegramHandler(bot, assistant, storageManager, rateLimiter, localizer, metrics, profile.Owner, log)
	}

	g, ctx := errgroup.WithContext(ctx)

	chatHandler := handlers.NewChatHandler(assistant, storageManager, rateLimiter, localizer, metrics, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handlers.NewRouter(chatHandler, metrics, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		log.WithField("port", cfg.Server.Port).Info("Starting HTTP server")
		return handlers.Serve(ctx, server, 10*time.Second)
	})

	if cfg.Monitoring.Metrics.Enabled {
		g.Go(func() error {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")
			return middleware.StartMetricsServer(ctx, cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path)
		})
	}

	if tgHandler != nil {
		g.Go(func() error {
			return handlers.RunTelegram(ctx, bot, tgHandler, cfg.Telegram.UpdateTimeout, log)
		})
	}

	g.Go(func() error {
		storageManager.StartCleanup(ctx, 10*time.Minute)
		return nil
	})

	err = g.Wait()
	log.Info("Shutdown complete")
	return err
}

// newGenerator returns nil when no API key is configured; the assistant then answers from
// the profile alone.
func newGenerator(ctx context.Context, cfg *config.AssistantConfig, log *logrus.Logger) (ai.Generator, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	switch cfg.Backend {
	case "genai":
		client, err := ai.NewGenAIClient(ctx, cfg, nil, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize genai client: %w", err)
		}
		return client, nil
	default:
		return ai.NewGeminiClient(cfg, nil, log), nil
	}
}
