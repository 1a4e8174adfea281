package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/zlnvch/signlink/api"
	"github.com/zlnvch/signlink/cache"
	cachememory "github.com/zlnvch/signlink/cache/memory"
	"github.com/zlnvch/signlink/cache/redis"
	"github.com/zlnvch/signlink/config"
	"github.com/zlnvch/signlink/logger"
	"github.com/zlnvch/signlink/mq"
	"github.com/zlnvch/signlink/mq/sqsmq"
	"github.com/zlnvch/signlink/notify"
	"github.com/zlnvch/signlink/service"
	"github.com/zlnvch/signlink/store"
	"github.com/zlnvch/signlink/store/dynamo"
	"github.com/zlnvch/signlink/store/memory"
	"github.com/zlnvch/signlink/worker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "signlink.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		// No logger yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Environment)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()
	config.LogConfig(cfg, log)

	ctx := context.Background()

	var signLinkStore store.SignLinkStore
	switch cfg.StoreBackend {
	case config.StoreMemory:
		signLinkStore = memory.NewMemorySignLinkStore()
	default:
		signLinkStore, err = dynamo.NewDynamoSignLinkStore(ctx, cfg.DevMode, cfg.DynamoDBEndpoint, cfg.DynamoDBTable)
		if err != nil {
			log.Fatal("failed to create dynamodb store", zap.Error(err))
		}
	}

	var signLinkCache cache.SignLinkCache
	if cfg.RedisEndpoint == "" {
		// Live updates and login throttling are then local to this instance
		log.Warn("no redis endpoint configured, using in-process cache")
		signLinkCache = cachememory.NewMemorySignLinkCache(log)
	} else {
		signLinkCache, err = redis.NewRedisSignLinkCache(ctx, cfg.DevMode, cfg.RedisEndpoint, log)
		if err != nil {
			log.Fatal("failed to create redis cache", zap.Error(err))
		}
	}

	// Left as a nil interface when notifications are off
	var notifyQueue mq.MessageQueue
	var notifier worker.Notifier
	if cfg.SQSNotifyQueue != "" {
		queue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.SQSEndpoint, cfg.SQSNotifyQueue)
		if err != nil {
			log.Fatal("failed to create SQS queue", zap.Error(err))
		}
		notifyQueue = queue

		if cfg.NotifyWebhookURL != "" {
			notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, log)
		} else {
			notifier = notify.NewLogNotifier(log)
		}
	}

	oauthConfigs := map[string]*oauth2.Config{}
	if cfg.GitHubClientId != "" {
		oauthConfigs["github"] = &oauth2.Config{
			ClientID:     cfg.GitHubClientId,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.OAuthRedirectURL,
		}
	}
	if cfg.GoogleClientId != "" {
		oauthConfigs["google"] = &oauth2.Config{
			ClientID:     cfg.GoogleClientId,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.OAuthRedirectURL,
		}
	}

	options := service.Options{
		MaxUpdateAttempts: cfg.MaxUpdateAttempts,
		AdminIdentities:   cfg.AdminIdentities,
		AdminPasswordHash: []byte(cfg.AdminPasswordHash),
		LoginMaxAttempts:  cfg.LoginMaxAttempts,
		LoginWindow:       cfg.LoginWindow,
		LoginLockout:      cfg.LoginLockout,
		TokenTTL:          cfg.TokenTTL,
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	signLinkAPI, err := api.NewSignLinkAPI(
		signLinkStore,
		signLinkCache,
		notifyQueue,
		notifier,
		oauthConfigs,
		cfg.JWTSecret,
		options,
		log,
		shutdownCtx,
	)
	if err != nil {
		log.Fatal("failed to create signlink api", zap.Error(err))
	}

	mux := http.NewServeMux()
	signLinkAPI.RegisterRoutes(mux, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:    ":" + cfg.HostPort,
		Handler: mux,
	}

	go func() {
		log.Info("starting server", zap.String("port", cfg.HostPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-shutdownCtx.Done()
	log.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}
