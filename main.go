package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/ephemera/api/rest"
	"github.com/kasuganosora/ephemera/audit"
	"github.com/kasuganosora/ephemera/cache"
	"github.com/kasuganosora/ephemera/channel"
	"github.com/kasuganosora/ephemera/clock"
	"github.com/kasuganosora/ephemera/config"
	dbadapter "github.com/kasuganosora/ephemera/db"
	"github.com/kasuganosora/ephemera/media"
	mw "github.com/kasuganosora/ephemera/middleware"
	"github.com/kasuganosora/ephemera/model"
	"github.com/kasuganosora/ephemera/post"
	"github.com/kasuganosora/ephemera/reconcile"
	"github.com/kasuganosora/ephemera/relation"
	"github.com/kasuganosora/ephemera/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}
	if cfg.Security.JWTSecret == "" {
		logger.Fatal("security.jwt_secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)

	// ---- Cache ----
	c, err := cache.NewCache(cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
	})
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Media ----
	store, err := media.NewOSStore(cfg.Media.Dir)
	if err != nil {
		log.Fatalf("media: %v", err)
	}

	// ---- Domain services ----
	clk := clock.Real()
	ttl := cfg.Lifecycle.TTL()
	ledger := relation.NewLedger(db, clk, ttl, c, auditSvc, logger)
	registry := post.NewRegistry(db, clk, ttl, store, ledger, logger)
	gate := channel.NewGate(db, clk, registry, ledger, logger)
	rec := reconcile.New(db, clk, store, reconcile.Config{
		TTL:       ttl,
		BatchSize: cfg.Lifecycle.SweepBatchSize,
	}, auditSvc, logger)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	sweep := func(ctx context.Context) { rec.Tick(ctx) }
	sched.AddTicker("reconcile", cfg.Lifecycle.SweepInterval(), sweep)
	// Catch up on posts that expired while the server was down.
	sched.AddDelay("reconcile_startup", 5*time.Second, sweep)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(ctx, rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	apirest.Mount(api.Group("", mw.Auth(cfg.Security.JWTSecret, c, logger)), apirest.Handlers{
		Posts:     apirest.NewPostHandler(registry, logger),
		Channel:   apirest.NewChannelHandler(gate, logger),
		Relations: apirest.NewRelationHandler(ledger, logger),
	})

	adminG := api.Group("/admin")
	if len(cfg.Server.AdminIPs) > 0 {
		allow, err := mw.IPWhitelist(cfg.Server.AdminIPs)
		if err != nil {
			log.Fatalf("server.admin_ips: %v", err)
		}
		adminG.Use(allow)
	}
	adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
	apirest.MountAdmin(adminG, apirest.NewAdminHandler(rec, sched, logger))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	auditSvc.Stop(shutdownCtx)
}
