// Package config loads the YAML runtime configuration: database and redis
// connection settings plus document engine options. Missing values fall back
// to development defaults; unknown keys are rejected.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"

	defaultEnv           = "development"
	defaultDBHost        = "127.0.0.1"
	defaultDBPort        = 3306
	defaultDBUser        = "root"
	defaultDBPassword    = "password"
	defaultDBName        = "verso"
	defaultDBCharset     = "utf8mb4"
	defaultDBLoc         = "Local"
	defaultRedisHost     = "localhost"
	defaultRedisPort     = 6379
	defaultRedisDB       = 0
	defaultDocumentsLang = "en"
)

// Load reads and validates the configuration file at configPath. An empty
// path falls back to DefaultConfigPath.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg := defaultAppConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	raw := rawAppConfig{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	applyRawAppConfig(&cfg, raw)
	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		return nil, fmt.Errorf("invalid database.port %d in %q, expected 1-65535", cfg.Database.Port, path)
	}
	if cfg.Redis.Port < 1 || cfg.Redis.Port > 65535 {
		return nil, fmt.Errorf("invalid redis.port %d in %q, expected 1-65535", cfg.Redis.Port, path)
	}
	if cfg.Redis.DB < 0 {
		return nil, fmt.Errorf("invalid redis.db %d in %q, expected >= 0", cfg.Redis.DB, path)
	}

	return &cfg, nil
}

func defaultAppConfig() AppConfig {
	cfg := AppConfig{
		Env: defaultEnv,
		Database: DatabaseConfig{
			Host:      defaultDBHost,
			Port:      defaultDBPort,
			User:      defaultDBUser,
			Password:  defaultDBPassword,
			Name:      defaultDBName,
			Charset:   defaultDBCharset,
			ParseTime: true,
			Loc:       defaultDBLoc,
		},
		Redis: RedisConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		Documents: DocumentsConfig{
			DefaultLocale: defaultDocumentsLang,
		},
	}
	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return cfg
}

func applyRawAppConfig(cfg *AppConfig, raw rawAppConfig) {
	cfg.Database = applyRawDatabaseConfig(cfg.Database, raw)
	cfg.Redis = applyRawRedisConfig(cfg.Redis, raw)

	env := raw.Env
	if env == "" {
		env = raw.NodeEnv
	}
	if env != "" {
		cfg.Env = env
	}
	cfg.Env = normalizeEnv(cfg.Env)

	if raw.Documents.StrictParams != nil {
		cfg.Documents.StrictParams = raw.Documents.StrictParams
	}
	if v := strings.TrimSpace(raw.Documents.DefaultLocale); v != "" {
		cfg.Documents.DefaultLocale = v
	}

	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
}

func applyRawDatabaseConfig(current DatabaseConfig, raw rawAppConfig) DatabaseConfig {
	next := current

	if v := strings.TrimSpace(raw.DSN); v != "" {
		next.DSN = v
	}
	if v := strings.TrimSpace(raw.DatabaseURL); v != "" {
		next.URL = v
	}
	if v := strings.TrimSpace(raw.Database.DSN); v != "" {
		next.DSN = v
	}
	if v := strings.TrimSpace(raw.Database.URL); v != "" {
		next.URL = v
	}
	if v := strings.TrimSpace(raw.Database.Host); v != "" {
		next.Host = v
	}
	if raw.Database.Port != 0 {
		next.Port = raw.Database.Port
	}
	if v := strings.TrimSpace(raw.Database.User); v != "" {
		next.User = v
	}
	if v := strings.TrimSpace(raw.Database.Username); v != "" {
		next.Username = v
		if strings.TrimSpace(raw.Database.User) == "" {
			next.User = v
		}
	}
	if v := strings.TrimSpace(raw.Database.Password); v != "" {
		next.Password = v
	}
	if v := strings.TrimSpace(raw.Database.Name); v != "" {
		next.Name = v
	}
	if v := strings.TrimSpace(raw.Database.DBName); v != "" {
		next.DBName = v
		if strings.TrimSpace(raw.Database.Name) == "" {
			next.Name = v
		}
	}
	if v := strings.TrimSpace(raw.Database.Charset); v != "" {
		next.Charset = v
	}
	if raw.Database.ParseTime != nil {
		next.ParseTime = *raw.Database.ParseTime
	}
	if v := strings.TrimSpace(raw.Database.Loc); v != "" {
		next.Loc = v
	}
	if raw.Database.Params != nil {
		next.Params = copyStringMap(raw.Database.Params)
	}
	return next
}

func applyRawRedisConfig(current RedisConfig, raw rawAppConfig) RedisConfig {
	next := current

	if v := strings.TrimSpace(raw.RedisURL); v != "" {
		next.URL = v
	}
	if v := strings.TrimSpace(raw.Redis.URL); v != "" {
		next.URL = v
	}
	if v := strings.TrimSpace(raw.Redis.Host); v != "" {
		next.Host = v
	}
	if raw.Redis.Port != 0 {
		next.Port = raw.Redis.Port
	}
	if v := strings.TrimSpace(raw.Redis.Username); v != "" {
		next.Username = v
	}
	if v := strings.TrimSpace(raw.Redis.Password); v != "" {
		next.Password = v
	}
	if raw.Redis.DB != nil {
		next.DB = *raw.Redis.DB
	}
	if raw.Redis.TLS != nil {
		next.TLS = *raw.Redis.TLS
	}
	if v := strings.TrimSpace(raw.Redis.Scheme); v != "" {
		next.Scheme = v
	}
	if raw.Redis.Params != nil {
		next.Params = copyStringMap(raw.Redis.Params)
	}
	return next
}

// IsDev reports whether the configuration targets a development environment.
func (c *AppConfig) IsDev() bool {
	return c.Env != "production"
}
