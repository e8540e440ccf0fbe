package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"videotube.org/internal/auth"
	"videotube.org/internal/config"
	"videotube.org/internal/httpapi"
	"videotube.org/internal/migrate"
	"videotube.org/internal/obs"
	"videotube.org/internal/ratelimit"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	logger := obs.InitLogger(obs.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	obs.Init()
	obs.InitBuildInfo(cfg.Version, commit)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Подключение к БД; без DATABASE_URL работаем на памяти
	var (
		db    *sql.DB
		users auth.UserStore
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		if err := migrate.Up(ctx, db); err != nil {
			return err
		}
		users = auth.NewPGStore(db)
	} else {
		logger.Warn("DATABASE_URL is empty, users are kept in memory")
		users = auth.NewMemoryStore()
	}

	hasher, err := auth.NewHasher(cfg.PasswordHasher)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     cfg.AccessTokenExpiry,
		RefreshTTL:    cfg.RefreshTokenExpiry,
		Issuer:        cfg.TokenIssuer,
	}, nil)
	if err != nil {
		return err
	}

	opts := []auth.ServiceOption{
		auth.WithHasher(hasher),
		auth.WithMetrics(obs.AuthMetrics{}),
		auth.WithLogger(logger),
	}
	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, login throttling fails open", "addr", cfg.RedisAddr, "error", err)
		}
		opts = append(opts, auth.WithAttemptLimiter(ratelimit.New(rdb, ratelimit.Config{
			MaxAttempts: cfg.LoginMaxAttempts,
			Window:      cfg.LoginLockout,
		})))
	}

	svc, err := auth.NewService(users, tokens, opts...)
	if err != nil {
		return err
	}

	ready := httpapi.ReadyProbe{DB: db, Redis: rdb}
	api := httpapi.New(svc, httpapi.Options{
		Ready:   ready,
		Version: cfg.Version,
		Cookies: httpapi.CookiePolicy{
			SameSite: httpapi.ParseSameSite(cfg.CookieSameSite),
			Secure:   cfg.CookieSecure,
		},
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPS: cfg.RateLimitRPS,
		RateBurst:    cfg.RateLimitBurst,
		LoginLockout: cfg.LoginLockout,
		TrustProxy:   cfg.TrustProxy,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", srv.Addr, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv = httpapi.NewGRPC(svc, ready, cfg.Version)
		go func() {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	logger.Info("stopped")
	return nil
}
