// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/authgate/internal/auth"
	"github.com/yourusername/authgate/internal/config"
	"github.com/yourusername/authgate/internal/ratelimit"
	"github.com/yourusername/authgate/internal/users"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.UsingDevSecret {
		logger.Warn("AUTH_SECRET is not set; using the built-in development secret")
	}

	gin.SetMode(cfg.GinMode)

	// ユーザーストア（Redis）の初期化
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()

	userStore := users.NewStore(rdb)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := userStore.Ping(pingCtx); err != nil {
		// 起動は継続し、サインイン時に UpstreamUnavailable として扱う
		logger.Warn("user store is not reachable", zap.String("url", opt.Addr), zap.Error(err))
	}
	cancelPing()

	limiter, err := ratelimit.New(ratelimit.Config{
		Window:        cfg.RateLimitWindow,
		MaxRequests:   cfg.RateLimitMaxRequests,
		SweepInterval: cfg.RateLimitSweep,
		MaxEntries:    cfg.RateLimitMaxEntries,
	}, logger.Named("ratelimit"))
	if err != nil {
		logger.Fatal("failed to create rate limiter", zap.Error(err))
	}

	issuer, err := auth.NewIssuer(auth.TokenConfig{
		Secret:    []byte(cfg.AuthSecret),
		MaxAge:    cfg.SessionMaxAge,
		UpdateAge: cfg.SessionUpdateAge,
	})
	if err != nil {
		logger.Fatal("failed to create token issuer", zap.Error(err))
	}

	router := newRouter(cfg, routerDeps{
		logger:  logger,
		users:   userStore,
		limiter: limiter,
		issuer:  issuer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting API server",
			zap.String("addr", srv.Addr),
			zap.String("mode", cfg.GinMode),
			zap.Bool("debug", cfg.Debug))
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

type routerDeps struct {
	logger  *zap.Logger
	users   auth.UserFinder
	limiter auth.Limiter
	issuer  *auth.Issuer
}

// newRouter はミドルウェアとルーティングを配線した gin.Engine を返します。
func newRouter(cfg *config.Config, deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.logger))

	// CSRF トークン保持用のセッションストア
	router.Use(sessions.Sessions(auth.CSRFCookieName, auth.NewCSRFStore(cfg.AuthSecret)))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"X-CSRF-Token",
	}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, deps)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// setupRoutes は認証 API とヘルスチェックを登録します。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps routerDeps) {
	// 認証不要・レート制限対象外
	router.GET("/health", handleHealth)
	router.GET("/api/health", handleHealth)

	manager := auth.NewManager(auth.Options{
		SignInPage: cfg.SignInPage,
		BasePath:   "/api/auth",
	}, auth.NewVerifier(deps.users), deps.issuer, deps.logger.Named("auth"))
	dispatcher := auth.NewDispatcher(deps.limiter, deps.logger.Named("dispatcher"))

	router.Any("/api/auth/*"+auth.RouteParam, dispatcher.Gate(), manager.Handle)
}
