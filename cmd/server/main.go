package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finbot/internal/chat"
	"finbot/internal/config"
	"finbot/internal/knowledge"
	"finbot/internal/server"
	"finbot/internal/session"
	"finbot/internal/util"
	"finbot/pkg/ai"
	"finbot/pkg/auth"
	"finbot/pkg/store"
	"finbot/pkg/vector"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	st, err := buildStore(cfg)
	if err != nil {
		fatal(logger, "failed to init store", err)
	}
	var revoker store.TokenRevoker
	if cfg.RedisAddr != "" {
		revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		revoker = store.NewMemoryTokenRevoker()
	}

	issuer, err := auth.NewTokenIssuer(cfg.JWTSecret,
		time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute,
		time.Duration(cfg.RefreshTokenTTLHours)*time.Hour)
	if err != nil {
		fatal(logger, "failed to init token issuer", err)
	}

	embedder := ai.NewOpenAIEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	completer := ai.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.ChatModel, cfg.MaxTokens, cfg.Temperature)
	index, err := buildIndex(cfg)
	if err != nil {
		fatal(logger, "failed to init vector index", err)
	}

	sessions := session.NewManager(st, revoker, issuer, logger)
	chatSvc := chat.New(st, embedder, completer, index, chat.Config{
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
		HistoryWindow:       cfg.HistoryWindow,
	}, logger)
	knowledgeSvc := knowledge.New(embedder, index, logger)

	httpServer, err := server.New(server.Config{
		Sessions:                  sessions,
		Chat:                      chatSvc,
		Knowledge:                 knowledgeSvc,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		MessageRateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:            cfg.TrustedProxies,
	})
	if err != nil {
		fatal(logger, "failed to init http server", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweepSessions(ctx, sessions, time.Duration(cfg.SessionSweepMinutes)*time.Minute, logger)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE answers stay open for the whole generation.
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func buildStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("no databaseURL configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	gs, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return gs, nil
}

func buildIndex(cfg config.FileConfig) (vector.Index, error) {
	switch cfg.VectorProvider {
	case "remote":
		return vector.NewHTTPIndex(cfg.VectorIndexURL, cfg.VectorAPIKey), nil
	case "pgvector":
		dsn := cfg.VectorDatabaseURL
		if dsn == "" {
			dsn = cfg.DatabaseURL
		}
		idx, err := vector.NewPGIndex(dsn, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.VectorProvider)
	}
}

// sweepSessions removes expired sessions on a fixed interval until ctx ends.
func sweepSessions(ctx context.Context, sessions *session.Manager, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sessions.SweepExpired()
			if err != nil {
				logger.Warn("session sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				logger.Info("expired sessions removed", "count", removed)
			}
		}
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
