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
	"scribeai/internal/turnlock"
	"scribeai/internal/usertoken"
	"scribeai/internal/util"
	"scribeai/pkg/ai"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
	"scribeai/services/chat/internal/app"
	"scribeai/services/chat/internal/config"
	"scribeai/services/chat/internal/server"
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
	streamer, err := ai.NewChatStreamer(ai.ProviderConfig{
		Provider: cfg.GenerationProvider,
		BaseURL:  cfg.GenerationBaseURL,
		APIKey:   cfg.GenerationAPIKey,
		Model:    cfg.GenerationModel,
	})
	if err != nil {
		util.Fatal("failed to init chat model", "err", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	locker, err := turnlock.New(redisClient, turnlock.Config{
		Prefix: "scribe:turn",
		Wait:   time.Duration(cfg.TurnLockWaitSeconds) * time.Second,
	})
	if err != nil {
		util.Fatal("failed to init turn lock", "err", err)
	}
	limiter, err := ratelimit.New(redisClient, "scribe:ratelimit", cfg.RateLimitPerMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init rate limiter", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:           dataStore,
		Vectors:         vectors,
		Embedder:        embedder,
		Streamer:        streamer,
		Locker:          locker,
		TopK:            cfg.TopK,
		HistoryLimit:    cfg.HistoryLimit,
		MaxMessageRunes: cfg.MaxMessageRunes,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Answers stream for as long as the model takes.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
