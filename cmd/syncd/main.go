package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/auth"
	"github.com/noah-isme/chatsync/internal/client"
	"github.com/noah-isme/chatsync/internal/config"
	"github.com/noah-isme/chatsync/internal/database"
	"github.com/noah-isme/chatsync/internal/handler"
	"github.com/noah-isme/chatsync/internal/middleware"
	"github.com/noah-isme/chatsync/internal/pipeline"
	"github.com/noah-isme/chatsync/internal/remote"
	"github.com/noah-isme/chatsync/internal/router"
	"github.com/noah-isme/chatsync/internal/store"
	"github.com/noah-isme/chatsync/pkg/ai"
	"github.com/noah-isme/chatsync/pkg/media"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectLocal(cfg.LocalDSN)
	if err != nil {
		log.Fatalf("failed to open local database: %v", err)
	}

	localStore, err := store.Open(db, logger)
	if errors.Is(err, store.ErrStoreCorrupt) {
		logger.Warn().Err(err).Msg("local store corrupt, rebuilding from remote")
		if err := store.Reset(db); err != nil {
			log.Fatalf("failed to reset local store: %v", err)
		}
		localStore, err = store.Open(db, logger)
	}
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	var uploader pipeline.Uploader
	if cfg.CloudinaryCloudName != "" {
		uploader, err = media.New(media.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create media service: %v", err)
		}
	}

	tokens := auth.NewMinter(cfg.JWTSecret, cfg.UserID, time.Hour)
	remoteClient := remote.New(redisClient, natsConn, tokens, cfg.SubscribeBaseWait, cfg.SubscribeMaxWait, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())

	syncClient, err := client.New(client.Options{
		SelfID:            cfg.UserID,
		Store:             localStore,
		Remote:            remoteClient,
		Uploader:          uploader,
		Validate:          validate,
		SendRetryBackoffs: cfg.SendRetryBackoffs,
		TypingDebounce:    cfg.TypingDebounce,
		TypingTTL:         cfg.TypingTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to assemble sync client: %v", err)
	}
	if err := syncClient.Start(); err != nil {
		log.Fatalf("failed to start sync client: %v", err)
	}

	var aiClient *ai.Client
	if cfg.OpenAIAPIKey != "" {
		aiClient, err = ai.New(ai.Config{APIKey: cfg.OpenAIAPIKey, Logger: logger})
		if err != nil {
			log.Fatalf("failed to create language client: %v", err)
		}
	}

	syncHandler := handler.NewSyncHandler(syncClient, cfg.UserID, validate, logger)
	streamHandler := handler.NewStreamHandler(syncClient, cfg.UserID, logger)
	languageHandler := handler.NewLanguageHandler(aiClient, syncClient, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app)
	router.Register(app, cfg, router.Dependencies{
		SyncHandler:     syncHandler,
		StreamHandler:   streamHandler,
		LanguageHandler: languageHandler,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, syncClient)
}

func waitForShutdown(app *fiber.App, syncClient *client.Client) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	syncClient.Close()
	log.Println("daemon stopped")
}
