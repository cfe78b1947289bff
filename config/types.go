package config

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	DSN       string          `yaml:"dsn"` // resolved MySQL DSN
	RedisURL  string          `yaml:"redis_url"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Env       string          `yaml:"env"` // "development" | "production"
	Documents DocumentsConfig `yaml:"documents"`
}

type DatabaseConfig struct {
	DSN       string            `yaml:"dsn"`
	URL       string            `yaml:"url"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Username  string            `yaml:"username"`
	Password  string            `yaml:"password"`
	Name      string            `yaml:"name"`
	DBName    string            `yaml:"db_name"`
	Charset   string            `yaml:"charset"`
	ParseTime bool              `yaml:"parse_time"`
	Loc       string            `yaml:"loc"`
	Params    map[string]string `yaml:"params"`
}

type RedisConfig struct {
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       int               `yaml:"db"`
	TLS      bool              `yaml:"tls"`
	Scheme   string            `yaml:"scheme"`
	Params   map[string]string `yaml:"params"`
}

// DocumentsConfig carries engine settings. StrictParams stays a raw YAML
// value: the engine resolves it per call and reports a non-boolean setting
// as a validation error rather than a startup failure.
type DocumentsConfig struct {
	StrictParams  any    `yaml:"strict_params"`
	DefaultLocale string `yaml:"default_locale"`
}

type rawAppConfig struct {
	DSN         string             `yaml:"dsn"`
	DatabaseURL string             `yaml:"database_url"`
	RedisURL    string             `yaml:"redis_url"`
	Database    rawDatabaseConfig  `yaml:"database"`
	Redis       rawRedisConfig     `yaml:"redis"`
	Env         string             `yaml:"env"`
	NodeEnv     string             `yaml:"node_env"`
	Documents   rawDocumentsConfig `yaml:"documents"`
}

type rawDatabaseConfig struct {
	DSN       string            `yaml:"dsn"`
	URL       string            `yaml:"url"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Username  string            `yaml:"username"`
	Password  string            `yaml:"password"`
	Name      string            `yaml:"name"`
	DBName    string            `yaml:"db_name"`
	Charset   string            `yaml:"charset"`
	ParseTime *bool             `yaml:"parse_time"`
	Loc       string            `yaml:"loc"`
	Params    map[string]string `yaml:"params"`
}

type rawRedisConfig struct {
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       *int              `yaml:"db"`
	TLS      *bool             `yaml:"tls"`
	Scheme   string            `yaml:"scheme"`
	Params   map[string]string `yaml:"params"`
}

type rawDocumentsConfig struct {
	StrictParams  any    `yaml:"strict_params"`
	DefaultLocale string `yaml:"default_locale"`
}
