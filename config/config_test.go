package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "env: development\n"))
	require.NoError(t, err)

	require.Equal(t, "development", cfg.Env)
	require.True(t, cfg.IsDev())
	require.Equal(t,
		"root:password@tcp(127.0.0.1:3306)/verso?charset=utf8mb4&loc=Local&parseTime=true",
		cfg.DSN)
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.Nil(t, cfg.Documents.StrictParams)
	require.Equal(t, "en", cfg.Documents.DefaultLocale)
}

func TestLoadExplicitSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
env: PRODUCTION
database:
  host: db.internal
  port: 3307
  username: verso
  password: s3cret
  db_name: verso_prod
redis:
  host: cache.internal
  port: 6380
  db: 2
  password: r3dis
documents:
  strict_params: true
  default_locale: de
`))
	require.NoError(t, err)

	require.Equal(t, "production", cfg.Env)
	require.False(t, cfg.IsDev())
	require.Equal(t, "verso", cfg.Database.User)
	require.Equal(t, "verso_prod", cfg.Database.Name)
	require.Equal(t,
		"verso:s3cret@tcp(db.internal:3307)/verso_prod?charset=utf8mb4&loc=Local&parseTime=true",
		cfg.DSN)
	require.Equal(t, "redis://:r3dis@cache.internal:6380/2", cfg.RedisURL)
	require.Equal(t, true, cfg.Documents.StrictParams)
	require.Equal(t, "de", cfg.Documents.DefaultLocale)
}

func TestLoadExplicitDSNWins(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
dsn: "verso:pw@tcp(10.0.0.1:3306)/verso?parseTime=true"
redis_url: cache.internal:6379
database:
  host: ignored.internal
`))
	require.NoError(t, err)

	require.Equal(t, "verso:pw@tcp(10.0.0.1:3306)/verso?parseTime=true", cfg.DSN)
	// Bare host:port gets the redis scheme prefixed.
	require.Equal(t, "redis://cache.internal:6379", cfg.RedisURL)
}

func TestLoadStrictParamsStaysRaw(t *testing.T) {
	cfg, err := Load(writeConfig(t, "documents:\n  strict_params: enabled\n"))
	require.NoError(t, err)
	require.Equal(t, "enabled", cfg.Documents.StrictParams)

	cfg, err = Load(writeConfig(t, "documents:\n  strict_params: false\n"))
	require.NoError(t, err)
	require.Equal(t, false, cfg.Documents.StrictParams)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "prot: 8080\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config file")
}

func TestLoadRejectsBadPorts(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  port: 99999\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "database.port")

	_, err = Load(writeConfig(t, "redis:\n  port: -1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis.port")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config file")
}

func TestDSNValueAssembly(t *testing.T) {
	dsn := DatabaseConfig{
		Host:      "db",
		Port:      3306,
		User:      "u",
		Password:  "p",
		Name:      "n",
		Charset:   "utf8mb4",
		ParseTime: true,
		Loc:       "UTC",
		Params:    map[string]string{"timeout": "5s"},
	}.DSNValue()
	require.Equal(t, "u:p@tcp(db:3306)/n?charset=utf8mb4&loc=UTC&parseTime=true&timeout=5s", dsn)
}

func TestURLValueAssembly(t *testing.T) {
	url := RedisConfig{
		Host:     "cache",
		Port:     6380,
		Username: "u",
		Password: "p",
		DB:       3,
		TLS:      true,
	}.URLValue()
	require.Equal(t, "rediss://u:p@cache:6380/3", url)
}
