package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ofiz/api/internal/app"
	"ofiz/api/internal/attachments"
	"ofiz/api/internal/auth"
	"ofiz/api/internal/chat"
	"ofiz/api/internal/config"
	"ofiz/api/internal/email"
	"ofiz/api/internal/export"
	"ofiz/api/internal/moderation"
	"ofiz/api/internal/namecache"
	"ofiz/api/internal/presence"
	"ofiz/api/internal/realtime"
	"ofiz/api/internal/search"
	"ofiz/api/internal/store"
)

func main() {
	cfg := config.Load()
	configureLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", "err", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatal("migrations failed", "err", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	dataStore := store.NewPostgresStore(db)
	checks := map[string]app.Pinger{"database": dataStore}

	// Without Redis everything stays in-process: fine for one instance, wrong for several.
	var (
		redisClient *redis.Client
		tracker     presence.Tracker
		broker      realtime.Broker
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err = presence.Connect(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", "err", err)
		}
		defer redisClient.Close()
		redisPresence := presence.NewRedisStore(redisClient, presence.DefaultTTL)
		tracker = redisPresence
		broker = realtime.NewRedisBroker(redisClient, realtime.DefaultChannel)
		checks["redis"] = redisPresence
		log.Info("using redis for presence and realtime fan-out")
	} else {
		tracker = presence.NewLocalStore(presence.DefaultTTL)
		broker = realtime.NewLocalBroker(256)
		log.Warn("REDIS_URL not set, realtime fan-out is limited to this instance")
	}

	names := namecache.New(profileNames(dataStore), namecache.Options{
		Size:  cfg.NameCacheSize,
		Redis: redisClient,
		TTL:   cfg.NameCacheTTL,
	})

	var moderator chat.Moderator = moderation.AllowAll{}
	if strings.TrimSpace(cfg.ModerationURL) != "" {
		moderator = moderation.NewClient(cfg.ModerationURL, cfg.ModerationAPIKey, cfg.ModerationTimeout)
	} else {
		log.Warn("MODERATION_URL not set, messages are not filtered")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), dataStore)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	var (
		uploader app.Uploader
		signer   chat.AttachmentSigner
	)
	if strings.TrimSpace(cfg.StorageEndpoint) != "" {
		objectStore, err := attachments.New(attachments.Config{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.StorageUseSSL,
			MaxBytes:  int64(cfg.AttachmentMaxMB) << 20,
			URLTTL:    cfg.AttachmentURLTTL,
		})
		if err != nil {
			log.Fatal("object storage setup failed", "err", err)
		}
		if err := objectStore.EnsureBucket(ctx); err != nil {
			log.Warn("attachment bucket unavailable", "bucket", cfg.StorageBucket, "err", err)
		}
		uploader = objectStore
		signer = objectStore
		checks["storage"] = objectStore
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	})

	chatService := chat.New(dataStore, names, moderator, chat.Options{
		Publisher:   broker,
		Attachments: signer,
		Indexer:     searchService,
		Notifier:    app.NewOfflineNotifier(tracker, mailer, dataStore),
		FailClosed:  cfg.ModerationFailClosed,
	})

	hub := realtime.NewHub(tracker)
	realtimeServer := realtime.NewServer(hub, chatService, names, chat.ViewOptions{MarkReadDelay: cfg.MarkReadDelay}, cfg.CORSOrigin)

	service := app.NewService(app.Deps{
		Chat:        chatService,
		Profiles:    dataStore,
		Verifier:    auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTAudience),
		Search:      searchService,
		Export:      export.NewService(chatService),
		Attachments: uploader,
		Realtime:    realtimeServer,
		Checks:      checks,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Exports render through headless Chrome.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("Ofiz API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := hub.Run(groupCtx, broker); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func configureLogging(cfg config.Config) {
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(log.JSONFormatter)
	}
	log.SetReportTimestamp(true)
}

func profileNames(dataStore *store.PostgresStore) namecache.LookupFunc {
	return func(ctx context.Context, ids []string) (map[string]string, error) {
		profiles, err := dataStore.GetProfiles(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make(map[string]string, len(profiles))
		for _, profile := range profiles {
			if name := strings.TrimSpace(profile.FullName); name != "" {
				out[profile.ID] = name
			}
		}
		return out, nil
	}
}
