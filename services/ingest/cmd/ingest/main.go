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

	"scribeai/internal/servicetoken"
	"scribeai/internal/util"
	"scribeai/pkg/ai"
	"scribeai/pkg/billing"
	"scribeai/pkg/queue"
	"scribeai/pkg/storage"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
	"scribeai/services/ingest/internal/app"
	"scribeai/services/ingest/internal/config"
	"scribeai/services/ingest/internal/server"
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
	vectors, err := vectorstore.Open(ctx, vectorstore.OpenConfig{
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
	embedder, err := ai.NewEmbedder(ai.ProviderConfig{
		Provider:  cfg.EmbeddingProvider,
		BaseURL:   cfg.EmbeddingBaseURL,
		APIKey:    cfg.EmbeddingAPIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDim,
	})
	if err != nil {
		util.Fatal("failed to init embedder", "err", err)
	}
	plans := cfg.Plans
	if len(plans) == 0 {
		plans = billing.DefaultPlans(cfg.ProPriceID)
	}

	appCore, err := app.New(app.Config{
		Store:            dataStore,
		Objects:          objects,
		Vectors:          vectors,
		Embedder:         embedder,
		Plans:            billing.NewCatalog(plans),
		EmbedBatchSize:   cfg.EmbedBatchSize,
		EmbedConcurrency: cfg.EmbedConcurrency,
		MaxFileBytes:     int64(cfg.MaxFileMB) << 20,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueName,
		Group:    cfg.QueueGroup,
		Consumer: cfg.QueueConsumer,
	})
	if err != nil {
		util.Fatal("failed to init ingest queue", "err", err)
	}
	defer jobs.Close()
	jobs.Start(ctx, cfg.QueueConcurrency, appCore.HandleJob)

	var internalAuth server.CallerVerifier
	if cfg.InternalJWTPublicKeyPath != "" || cfg.InternalJWTVerifyPublicKeys != "" {
		keyMap, err := servicetoken.ParseKeyMap(cfg.InternalJWTVerifyPublicKeys)
		if err != nil {
			util.Fatal("invalid internal jwt key map", "err", err)
		}
		verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeyPath:  cfg.InternalJWTPublicKeyPath,
			PublicKeys:     keyMap,
			DefaultKeyID:   cfg.InternalJWTKeyID,
			Audience:       "scribe-ingest",
			AllowedIssuers: cfg.InternalJWTIssuers,
			Leeway:         servicetoken.DefaultLeeway,
		})
		if err != nil {
			util.Fatal("failed to init internal auth", "err", err)
		}
		internalAuth = verifier
	}

	httpServer := server.New(server.Config{Jobs: jobs, InternalAuth: internalAuth})
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ingest worker listening", "addr", addr, "stream", cfg.QueueName, "concurrency", cfg.QueueConcurrency)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
