package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"scribeai/internal/ratelimit"
	"scribeai/internal/servicetoken"
	"scribeai/internal/usertoken"
	"scribeai/internal/util"
	"scribeai/pkg/billing"
	"scribeai/pkg/queue"
	"scribeai/pkg/storage"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
	"scribeai/services/gateway/internal/app"
	"scribeai/services/gateway/internal/config"
	"scribeai/services/gateway/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jwtLeeway, _ := config.ParseJWTLeeway(cfg.JWTLeeway)
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	tokenVerifier, err := usertoken.NewVerifier(initCtx, usertoken.Config{
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to open database", "err", err)
	}
	dataStore, err := store.NewGormStore(db)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	objects, err := storage.Open(storage.Config{
		Backend:   cfg.StorageBackend,
		Endpoint:  cfg.StorageEndpoint,
		Region:    cfg.StorageRegion,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
	})
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}
	vectors, err := vectorstore.Open(initCtx, vectorstore.OpenConfig{
		Backend:      cfg.VectorBackend,
		DB:           db,
		EmbeddingDim: cfg.EmbeddingDim,
		Qdrant: vectorstore.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
		},
	})
	if err != nil {
		util.Fatal("failed to init vector store", "err", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	jobs, err := queue.NewRedisJobQueueWithClient(redisClient, queue.RedisQueueConfig{Stream: cfg.QueueName})
	if err != nil {
		util.Fatal("failed to init ingest queue", "err", err)
	}
	limiter, err := ratelimit.New(redisClient, "scribe:ratelimit", cfg.UploadRateLimitPerMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init rate limiter", "err", err)
	}

	plans := cfg.Plans
	if len(plans) == 0 {
		plans = billing.DefaultPlans(cfg.ProPriceID)
	}
	appCfg := app.Config{
		Store:         dataStore,
		Objects:       objects,
		Vectors:       vectors,
		Jobs:          jobs,
		Plans:         billing.NewCatalog(plans),
		WebhookSecret: cfg.StripeWebhookSecret,
		PublicURL:     cfg.PublicURL,
		QuotaWindow:   cfg.QuotaWindow(),
	}
	if cfg.StripeSecretKey != "" {
		client, err := billing.NewClient(cfg.StripeAPIBase, cfg.StripeSecretKey)
		if err != nil {
			util.Fatal("failed to init billing client", "err", err)
		}
		appCfg.Billing = client
	} else {
		slog.Warn("billing disabled: stripeSecretKey not set")
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	var uploadAuth server.CallerVerifier
	if cfg.UploadJWTPublicKeyPath != "" || cfg.UploadJWTVerifyPublicKeys != "" {
		keyMap, err := servicetoken.ParseKeyMap(cfg.UploadJWTVerifyPublicKeys)
		if err != nil {
			util.Fatal("invalid upload jwt key map", "err", err)
		}
		verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeyPath:  cfg.UploadJWTPublicKeyPath,
			PublicKeys:     keyMap,
			DefaultKeyID:   cfg.UploadJWTKeyID,
			Audience:       "scribe-gateway",
			AllowedIssuers: cfg.UploadJWTIssuers,
			Leeway:         servicetoken.DefaultLeeway,
		})
		if err != nil {
			util.Fatal("failed to init upload callback auth", "err", err)
		}
		uploadAuth = verifier
	} else {
		slog.Warn("upload callback disabled: no upload jwt public key configured")
	}

	httpServer, err := server.New(server.Config{
		App:               appCore,
		TokenVerifier:     tokenVerifier,
		UploadAuth:        uploadAuth,
		Limiter:           limiter,
		AllowedOrigins:    cfg.AllowedOrigins,
		TrustedProxies:    cfg.TrustedProxyCIDRs,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
