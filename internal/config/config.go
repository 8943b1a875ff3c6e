package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	DBMaxOpenConns        int
	MigrateOnStart        bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BalanceCacheTTL       time.Duration
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	LogLevel              string
	LogFormat             string
	LockTimeout           time.Duration
	InvoiceDueDays        int
}

// Load reads configuration from the environment. A ledger.env file in the
// working directory is read first when present; real env vars win.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("ledger")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		DBMaxOpenConns:        v.GetInt("DB_MAX_OPEN_CONNS"),
		MigrateOnStart:        v.GetBool("MIGRATE_ON_START"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		BalanceCacheTTL:       v.GetDuration("BALANCE_CACHE_TTL"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: v.GetInt("ACCESS_TOKEN_TTL_MINUTES"),
		ManagerPIN:            strings.TrimSpace(v.GetString("MANAGER_PIN")),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFormat:             v.GetString("LOG_FORMAT"),
		LockTimeout:           v.GetDuration("LOCK_TIMEOUT"),
		InvoiceDueDays:        v.GetInt("INVOICE_DUE_DAYS"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DB_MAX_OPEN_CONNS", 30)
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("BALANCE_CACHE_TTL", "30s")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("INVOICE_DUE_DAYS", 30)
}

func (c Config) validate() error {
	if c.DBMaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.DBMaxOpenConns)
	}
	if c.InvoiceDueDays < 1 {
		return fmt.Errorf("INVOICE_DUE_DAYS must be positive, got %d", c.InvoiceDueDays)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("LOCK_TIMEOUT must not be negative")
	}
	if c.BalanceCacheTTL < 0 {
		return fmt.Errorf("BALANCE_CACHE_TTL must not be negative")
	}
	if c.AccessTokenTTLMinutes < 1 {
		return fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must be positive, got %d", c.AccessTokenTTLMinutes)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
