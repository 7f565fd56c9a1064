package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-router/internal/cache"
	"voice-router/internal/calllog"
	"voice-router/internal/callstate"
	"voice-router/internal/config"
	"voice-router/internal/directory"
	"voice-router/internal/hours"
	"voice-router/internal/routing"
	"voice-router/internal/telephony"
	"voice-router/pkg/logger"
	"voice-router/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	tokens, err := telephony.NewTokenManager(cfg.Platform.TokenSecret, cfg.Platform.TokenTTL)
	if err != nil {
		log.Error("token manager init failed", "err", err)
		os.Exit(1)
	}

	// Read side: durable store behind the read-through config cache.
	store := directory.NewCachedStore(
		directory.NewPGStore(db),
		cache.NewRedis(rdb),
		directory.CacheTTLs{
			Config:   cfg.Engine.ConfigCacheTTL,
			Schedule: cfg.Engine.ScheduleCacheTTL,
			Override: cfg.Engine.OverrideCacheTTL,
		},
		log,
	)

	dispatcher := &routing.Dispatcher{
		Directory: store,
		Hours:     hours.New(store),
		States:    callstate.NewRedisStates(rdb, cfg.Engine.CallStateTTL),
		Pointers:  callstate.NewRedisPointer(rdb, 24*time.Hour),
		Idle:      callstate.NewRedisIdleTracker(rdb, cfg.Engine.IdleWindow),
		Locks:     callstate.NewGuard(rdb),
		Tokens:    tokens,
		Logs:      calllog.NewService(calllog.NewPGRepo(db), log),
		Settings: routing.Settings{
			DefaultRingTimeout: cfg.Engine.DefaultRingTimeout,
			LockTTL:            cfg.Engine.LockTTL,
			LockWait:           cfg.Engine.LockWait,
			SayVoice:           cfg.Engine.SayVoice,
			SayLanguage:        cfg.Engine.SayLanguage,
		},
		Log: log,
	}

	handlers := telephony.Handlers{
		Dispatcher: dispatcher,
		Tokens:     tokens,
		Idem:       callstate.NewRedisIdempotency(rdb, cfg.Engine.IdempotencyTTL),
		BaseURL:    cfg.Platform.CallbackBaseURL,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, cfg, handlers, db, rdb)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("router listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
