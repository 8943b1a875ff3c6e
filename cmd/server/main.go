package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sirbex/Digital-Shop-sub002/internal/cache"
	"github.com/sirbex/Digital-Shop-sub002/internal/config"
	"github.com/sirbex/Digital-Shop-sub002/internal/httpapi"
	"github.com/sirbex/Digital-Shop-sub002/internal/logger"
	"github.com/sirbex/Digital-Shop-sub002/internal/service"
	pgstore "github.com/sirbex/Digital-Shop-sub002/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.MigrateOnStart {
		if err := migrateUp(ctx, cfg.DatabaseURL, log); err != nil {
			log.Fatal("schema migration failed", zap.Error(err))
		}
	}

	closers := make([]func() error, 0, 2)

	ledger, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.Options{
		MaxOpenConns:   cfg.DBMaxOpenConns,
		InvoiceDueDays: cfg.InvoiceDueDays,
		Logger:         log.Named("ledger"),
		LockTimeout:    cfg.LockTimeout,
	})
	if err != nil {
		log.Fatal("postgres unavailable", zap.Error(err))
	}
	closers = append(closers, ledger.Close)

	balances := cache.BalanceCache(cache.NoopBalanceCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisBalanceCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, balance cache disabled", zap.Error(err))
			_ = redisCache.Close()
		} else {
			balances = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("balance cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("balance cache: noop")
	}

	svc := service.New(ledger, balances, cfg.BalanceCacheTTL, log.Named("service"))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("inventory ledger listening", zap.String("addr", cfg.Address()))
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

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

// migrateUp runs the embedded migrations on a pool of its own; the migrator
// closes it when done.
func migrateUp(ctx context.Context, databaseURL string, log *zap.Logger) error {
	db, err := pgstore.Open(ctx, databaseURL, 2)
	if err != nil {
		return err
	}
	migrator, err := pgstore.NewMigrator(db, log.Named("migrate"))
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() { _ = migrator.Close() }()
	return migrator.Up()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "696969": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
