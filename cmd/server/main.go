package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tokosync/backend/internal/config"
	"tokosync/backend/internal/coordinator"
	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/httpapi"
	"tokosync/backend/internal/logger"
	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/remote/httpdoc"
	memremote "tokosync/backend/internal/remote/memory"
	"tokosync/backend/internal/remote/mongodb"
	pgremote "tokosync/backend/internal/remote/postgres"
	"tokosync/backend/internal/remote/redishash"
	"tokosync/backend/internal/scheduler"
	"tokosync/backend/internal/store/sqlite"
)

func main() {
	envFile := flag.String("env", "", "optional env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(logger.New(cfg.LogLevel))
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cache, err := sqlite.New(ctx, cfg.CachePath)
	if err != nil {
		log.Fatal("local cache unavailable", zap.String("path", cfg.CachePath), zap.Error(err))
	}
	log.Info("local cache: sqlite", zap.String("path", cfg.CachePath))

	backend, err := openRemote(ctx, cfg)
	if err != nil {
		log.Fatal("remote store unavailable", zap.String("driver", cfg.RemoteDriver), zap.Error(err))
	}
	log.Info("remote store ready", zap.String("driver", cfg.RemoteDriver))

	session := domain.Session{UserID: cfg.OperatorUsername, Username: cfg.OperatorUsername, DeviceID: cfg.DeviceID}
	coord := coordinator.New(coordinator.Config{
		InvoicePrefix: cfg.InvoicePrefix,
		RetryBase:     cfg.RetryBase,
		RetryMax:      cfg.RetryMax,
		MaxAttempts:   cfg.RetryMaxAttempt,
		OnFailure: func(op coordinator.Operation, err error) {
			log.Warn("operation failed remotely",
				zap.String("operation_id", op.ID),
				zap.String("kind", string(op.Kind)),
				zap.Error(err),
			)
		},
	}, cache, remote.WithTimeout(backend, cfg.RemoteTimeout), session, log)
	if err := coord.Start(context.Background()); err != nil {
		log.Fatal("start coordinator", zap.Error(err))
	}

	sched := scheduler.New(coord, 2*time.Minute, logger.Named(log, "scheduler"))
	if err := sched.Start(cfg.RefreshSchedule); err != nil {
		log.Fatal("start scheduler", zap.Error(err))
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, httpapi.Operator{
		Username: cfg.OperatorUsername,
		Password: cfg.OperatorPasswordHash,
		Role:     httpapi.RoleAdmin,
	})
	api := httpapi.New(coord, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      40 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("tokosync backend listening", zap.String("addr", cfg.Address()), zap.String("device", cfg.DeviceID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	sched.Stop()
	coord.Close()

	closers := []struct {
		name  string
		close func() error
	}{
		{"remote", backend.Close},
		{"cache", cache.Close},
	}
	for _, c := range closers {
		if err := c.close(); err != nil {
			log.Warn("close error", zap.String("component", c.name), zap.Error(err))
		}
	}

	log.Info("server stopped")
}

func openRemote(ctx context.Context, cfg config.Config) (remote.Store, error) {
	switch cfg.RemoteDriver {
	case config.DriverMongo:
		return mongodb.New(ctx, cfg.MongoURI, cfg.MongoDB)
	case config.DriverPostgres:
		return pgremote.New(ctx, cfg.DatabaseURL)
	case config.DriverRedis:
		return redishash.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case config.DriverHTTP:
		return httpdoc.New(httpdoc.Config{BaseURL: cfg.RemoteURL, Token: cfg.RemoteToken, Timeout: cfg.RemoteTimeout}), nil
	case config.DriverMemory:
		return memremote.New(), nil
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.RemoteDriver)
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.OperatorUsername == "" {
		return fmt.Errorf("OPERATOR_USERNAME must be set")
	}
	cost, err := bcrypt.Cost([]byte(cfg.OperatorPasswordHash))
	if err != nil {
		return fmt.Errorf("OPERATOR_PASSWORD_HASH must be a bcrypt hash: %w", err)
	}
	if cost < bcrypt.DefaultCost {
		return fmt.Errorf("OPERATOR_PASSWORD_HASH cost %d is below %d", cost, bcrypt.DefaultCost)
	}
	return nil
}
