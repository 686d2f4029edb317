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

	"chatlinker/internal/ratelimit"
	"chatlinker/internal/usertoken"
	"chatlinker/internal/util"
	"chatlinker/pkg/ai"
	"chatlinker/pkg/queue"
	"chatlinker/pkg/store"
	"chatlinker/services/assistant/internal/app"
	"chatlinker/services/assistant/internal/config"
	"chatlinker/services/assistant/internal/server"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "assistant", cfg.LogsDir)
	if cleanup != nil {
		defer cleanup()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	completion, err := ai.NewCompletionClient(ai.ProviderConfig{
		Provider: cfg.Completion.Provider,
		BaseURL:  cfg.Completion.BaseURL,
		APIKey:   cfg.Completion.APIKey,
		Model:    cfg.Completion.Model,
		Timeout:  config.Seconds(cfg.Completion.TimeoutSeconds),
	})
	if err != nil {
		util.Fatal("failed to init completion client", "err", err)
	}

	var dataStore store.Store
	switch cfg.Store {
	case config.StoreMemory:
		slog.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init postgres store", "err", err)
		}
		defer gormStore.Close()
		dataStore = gormStore
	}

	appCfg := app.Config{
		Store:                 dataStore,
		Completion:            completion,
		ExtractionMaxTokens:   cfg.ExtractionMaxTokens,
		ExtractionTemperature: cfg.ExtractionTemperature,
		ExtractionTimeout:     config.Seconds(cfg.ExtractionTimeoutSeconds),
		ChatMaxTokens:         cfg.ChatMaxTokens,
		ChatTimeout:           config.Seconds(cfg.ChatTimeoutSeconds),
		MaxTextBytes:          cfg.MaxTextBytes,
	}
	var jobQueue *queue.RedisJobQueue
	if cfg.Dispatcher == config.DispatcherRedis {
		jobQueue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: config.Seconds(cfg.QueueRetryDelaySeconds),
			ClaimIdle:  config.Seconds(cfg.QueueClaimIdleSeconds),
		})
		if err != nil {
			util.Fatal("failed to init extraction queue", "err", err)
		}
		defer jobQueue.Close()
		appCfg.Queue = jobQueue
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	if jobQueue == nil {
		if _, err := appCore.FailStalledExtractions(ctx); err != nil {
			util.Fatal("failed to recover stalled extractions", "err", err)
		}
	}
	if err := appCore.StartWorkers(ctx, cfg.WorkerConcurrency); err != nil {
		util.Fatal("failed to start extraction workers", "err", err)
	}

	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("invalid jwt leeway", "err", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}

	serverCfg := server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		AuthCookieName: cfg.AuthCookieName,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: trusted,
	}
	if cfg.ChatRateLimitPerMinute > 0 || cfg.ExtractRateLimitPerMinute > 0 {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		if cfg.ChatRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, "chatlinker:ratelimit:chat", cfg.ChatRateLimitPerMinute, time.Minute)
			if err != nil {
				util.Fatal("failed to init chat limiter", "err", err)
			}
			serverCfg.ChatLimiter = limiter
		}
		if cfg.ExtractRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, "chatlinker:ratelimit:extract", cfg.ExtractRateLimitPerMinute, time.Minute)
			if err != nil {
				util.Fatal("failed to init extract limiter", "err", err)
			}
			serverCfg.ExtractLimiter = limiter
		}
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(serverCfg).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("assistant server listening", "addr", addr, "store", cfg.Store, "dispatcher", cfg.Dispatcher, "model", ai.ModelName(completion))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.ShutdownTimeoutSeconds))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := appCore.Wait(shutdownCtx); err != nil {
		logger.Warn("canceled extraction tasks still running at shutdown", "err", err)
	}
	if jobQueue != nil {
		jobQueue.Wait()
	}
}
