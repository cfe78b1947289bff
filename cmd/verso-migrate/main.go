// Command verso-migrate prepares the MySQL schema for the reference row
// store: it loads the runtime configuration, connects, runs auto-migration
// for the entries and relations tables and exits.
package main

import (
	"flag"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/verso-cms/core/config"
	"github.com/verso-cms/core/rowstore/gormstore"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to load config", zap.Error(err))
	}

	log := newLogger(cfg)
	defer log.Sync()

	log.Info("connecting", zap.String("env", cfg.Env), zap.String("database", cfg.Database.Name))
	store, err := gormstore.Open(cfg.DSN, resolveLogLevel(cfg))
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	log.Info("schema ready")
}

func newLogger(cfg *config.AppConfig) *zap.Logger {
	if cfg.IsDev() {
		if l, err := zap.NewDevelopment(); err == nil {
			return l
		}
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func resolveLogLevel(cfg *config.AppConfig) gormlogger.LogLevel {
	if cfg.IsDev() {
		return gormlogger.Info
	}
	return gormlogger.Warn
}
